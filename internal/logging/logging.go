// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 日志初始化 (logrus)，按组件打标签
// =============================================================================

package logging

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup 按配置级别初始化全局 logger
func Setup(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	log.SetLevel(lvl)
	return nil
}

// SetOutput 重定向输出 (测试用)
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// ParseLevel 解析 error/warn/info/debug
func ParseLevel(level string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return log.InfoLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "debug":
		return log.DebugLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("无效的日志级别: %s", level)
	}
}

// For 返回带组件标签的 logger
func For(component string) *log.Entry {
	return log.WithField("component", component)
}
