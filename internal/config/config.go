// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - uTP 传输参数、监控端口冲突检测
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/utp/internal/transport"
)

// Config 主配置
type Config struct {
	Listen   string `yaml:"listen"`
	Remote   string `yaml:"remote"`
	LogLevel string `yaml:"log_level"`

	UTP     UTPConfig     `yaml:"utp"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// UTPConfig 传输层参数，时间单位为毫秒
type UTPConfig struct {
	BufferSize           int     `yaml:"buffer_size"`
	MTU                  int     `yaml:"mtu"`
	RetransmitIntervalMs int     `yaml:"retransmit_interval_ms"`
	RetransmitTimeoutMs  int     `yaml:"retransmit_timeout_ms"`
	KeepAliveIntervalMs  int     `yaml:"keepalive_interval_ms"`
	CloseGraceMs         int     `yaml:"close_grace_ms"`
	CloseLingerMs        int     `yaml:"close_linger_ms"`
	AcceptBacklog        int     `yaml:"accept_backlog"`
	SynRate              float64 `yaml:"syn_rate"`
	SynBurst             int     `yaml:"syn_burst"`
	SynTombstone         bool    `yaml:"syn_tombstone"`
	SynTombstoneWindowMs int     `yaml:"syn_tombstone_window_ms"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":10000",
		LogLevel: "info",

		UTP: UTPConfig{
			BufferSize:           transport.DefaultBufferSize,
			MTU:                  transport.DefaultMTU,
			RetransmitIntervalMs: ms(transport.DefaultRetransmitInterval),
			RetransmitTimeoutMs:  ms(transport.DefaultRetransmitTimeout),
			KeepAliveIntervalMs:  ms(transport.DefaultKeepAliveInterval),
			CloseGraceMs:         ms(transport.DefaultCloseGrace),
			CloseLingerMs:        ms(transport.DefaultCloseLinger),
			AcceptBacklog:        transport.DefaultAcceptBacklog,
			SynTombstoneWindowMs: ms(transport.DefaultTombstoneWindow),
		},

		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     ":9100",
			Path:       "/metrics",
			HealthPath: "/health",
		},
	}
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level 无效: %s", c.LogLevel)
	}

	var listenPort int
	if c.Listen != "" {
		port, err := parsePort(c.Listen)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("listen 端口格式错误: %s", c.Listen)
		}
		listenPort = port
	}

	if c.Remote != "" {
		if _, _, err := net.SplitHostPort(c.Remote); err != nil {
			return fmt.Errorf("remote 地址格式错误: %w", err)
		}
	}

	if err := c.UTP.validate(); err != nil {
		return fmt.Errorf("utp 配置错误: %w", err)
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil || metricsPort < 0 || metricsPort > 65535 {
			return fmt.Errorf("metrics.listen 端口格式错误: %s", c.Metrics.Listen)
		}
		if c.Listen != "" && metricsPort != 0 && metricsPort == listenPort {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 listen 冲突", metricsPort)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") || !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics.path 与 metrics.health_path 必须以 / 开头")
		}
		if c.Metrics.Path == c.Metrics.HealthPath {
			return fmt.Errorf("metrics.path 与 metrics.health_path 不能相同")
		}
	}

	return nil
}

func (u *UTPConfig) validate() error {
	if u.BufferSize < 16 || u.BufferSize > 32768 || u.BufferSize&(u.BufferSize-1) != 0 {
		return fmt.Errorf("buffer_size 必须是 16-32768 之间的 2 的幂")
	}
	if u.MTU < 64 || u.MTU > 65507-20 {
		return fmt.Errorf("mtu 需在 64-%d 之间", 65507-20)
	}
	if u.RetransmitIntervalMs <= 0 {
		return fmt.Errorf("retransmit_interval_ms 必须大于 0")
	}
	if u.RetransmitTimeoutMs <= 0 {
		return fmt.Errorf("retransmit_timeout_ms 必须大于 0")
	}
	if u.KeepAliveIntervalMs <= 0 {
		return fmt.Errorf("keepalive_interval_ms 必须大于 0")
	}
	if u.CloseGraceMs <= 0 {
		return fmt.Errorf("close_grace_ms 必须大于 0")
	}
	if u.CloseLingerMs <= 0 {
		return fmt.Errorf("close_linger_ms 必须大于 0")
	}
	if u.AcceptBacklog <= 0 {
		return fmt.Errorf("accept_backlog 必须大于 0")
	}
	if u.SynRate < 0 {
		return fmt.Errorf("syn_rate 不能为负")
	}
	if u.SynRate > 0 && u.SynBurst < 1 {
		return fmt.Errorf("启用 syn_rate 时 syn_burst 至少为 1")
	}
	if u.SynTombstone && u.SynTombstoneWindowMs <= 0 {
		return fmt.Errorf("syn_tombstone_window_ms 必须大于 0")
	}
	return nil
}

// ToOptions 转换为传输层参数
func (u *UTPConfig) ToOptions() *transport.Options {
	return &transport.Options{
		BufferSize:         u.BufferSize,
		MTU:                u.MTU,
		RetransmitInterval: time.Duration(u.RetransmitIntervalMs) * time.Millisecond,
		RetransmitTimeout:  time.Duration(u.RetransmitTimeoutMs) * time.Millisecond,
		KeepAliveInterval:  time.Duration(u.KeepAliveIntervalMs) * time.Millisecond,
		CloseGrace:         time.Duration(u.CloseGraceMs) * time.Millisecond,
		CloseLinger:        time.Duration(u.CloseLingerMs) * time.Millisecond,
		AcceptBacklog:      u.AcceptBacklog,
		SynRate:            u.SynRate,
		SynBurst:           u.SynBurst,
		SynTombstone:       u.SynTombstone,
		SynTombstoneWindow: time.Duration(u.SynTombstoneWindowMs) * time.Millisecond,
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// GetListenPort 获取监听端口
func (c *Config) GetListenPort() int {
	port, _ := parsePort(c.Listen)
	return port
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# uTP 配置文件示例
# =============================================================================

listen: ":10000"                    # 服务端 UDP 监听地址
remote: "127.0.0.1:10000"           # 客户端拨号地址
log_level: "info"                   # 日志级别: debug, info, warn, error

# 传输层参数
utp:
  buffer_size: 512                  # 收发环形缓冲区容量 (2 的幂, 16-32768)
  mtu: 1400                         # 单个 DATA 包最大载荷
  retransmit_interval_ms: 500       # 重传扫描周期
  retransmit_timeout_ms: 500        # 未确认包重传阈值
  keepalive_interval_ms: 10000      # 空闲保活周期
  close_grace_ms: 5000              # 拨号端关闭后 socket 保留时间
  close_linger_ms: 30000            # Close 等待关闭握手上限
  accept_backlog: 128               # 未 Accept 连接上限
  syn_rate: 0                       # 每秒新建连接上限, 0 表示不限
  syn_burst: 0
  syn_tombstone: false              # 拒绝刚关闭连接的迟到 SYN
  syn_tombstone_window_ms: 30000

# 监控
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
