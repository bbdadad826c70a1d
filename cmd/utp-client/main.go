// =============================================================================
// 文件: cmd/utp-client/main.go
// 描述: uTP 客户端 - stdin 写入连接，连接数据输出到 stdout
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/utp/internal/config"
	"github.com/mrcgq/utp/internal/logging"
	"github.com/mrcgq/utp/internal/metrics"
	"github.com/mrcgq/utp/internal/transport"
)

// ============================================
// 版本信息
// ============================================

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// ============================================
// 应用结构
// ============================================

// Application 客户端应用
type Application struct {
	cfg      *config.Config
	listen   bool
	timeout  time.Duration
	stats    *transport.Stats
	metrics  *metrics.Server
	log      *log.Entry
	stdin    io.Reader
	stdout   io.Writer
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
}

func main() {
	configPath := flag.String("c", "", "配置文件路径 (为空则使用默认配置)")
	listenMode := flag.Bool("l", false, "监听模式: 等待一个连接而不是主动拨号")
	port := flag.Int("p", 0, "监听模式下的本地端口")
	timeout := flag.Duration("timeout", 10*time.Second, "握手超时")
	logLevel := flag.String("log-level", "", "日志级别，覆盖配置文件")
	showVersion := flag.Bool("v", false, "显示版本")
	flag.Parse()

	if *showVersion {
		fmt.Printf("utp-client v%s (%s, %s) %s %s/%s\n",
			Version, BuildTime, GitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}

	// 位置参数: [host] port
	switch args := flag.Args(); {
	case *listenMode && *port != 0:
		cfg.Listen = fmt.Sprintf(":%d", *port)
	case *listenMode && len(args) == 1:
		cfg.Listen = ":" + args[0]
	case !*listenMode && len(args) == 2:
		cfg.Remote = args[0] + ":" + args[1]
	case !*listenMode && len(args) == 1:
		cfg.Remote = "127.0.0.1:" + args[0]
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}
	if !*listenMode && cfg.Remote == "" {
		fmt.Fprintln(os.Stderr, "用法: utp-client [-c config.yaml] [host] port | utp-client -l -p port")
		os.Exit(2)
	}

	if err := logging.Setup(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "日志配置错误: %v\n", err)
		os.Exit(1)
	}

	app := NewApplication(cfg, *listenMode, *timeout)
	if err := app.Run(); err != nil {
		app.log.Errorf("运行失败: %v", err)
		os.Exit(1)
	}
}

// NewApplication 创建应用
func NewApplication(cfg *config.Config, listen bool, timeout time.Duration) *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		cfg:      cfg,
		listen:   listen,
		timeout:  timeout,
		stats:    &transport.Stats{},
		log:      logging.For("Client"),
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		ctx:      ctx,
		cancel:   cancel,
		interval: 10 * time.Second,
	}
}

// Run 建立连接并双向转发，直到两个方向都结束
func (app *Application) Run() error {
	defer app.shutdown()

	if app.cfg.Metrics.Enabled {
		app.metrics = metrics.NewServer(
			app.cfg.Metrics.Listen,
			app.cfg.Metrics.Path,
			app.cfg.Metrics.HealthPath,
			app.cfg.Metrics.EnablePprof,
		)
		role := "dialer"
		if app.listen {
			role = "listener"
		}
		app.metrics.RegisterCollector(metrics.NewTransportCollector(role, app.stats))
		if err := app.metrics.Start(app.ctx); err != nil {
			app.log.Warnf("Metrics 启动失败: %v", err)
		}
	}

	conn, cleanup, err := app.connect()
	if err != nil {
		return err
	}
	defer cleanup()

	go app.statsLoop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			app.log.Infof("收到信号 %v，中止连接", sig)
			conn.Abort()
		case <-app.ctx.Done():
		}
	}()

	return app.pump(conn)
}

// connect 拨号或等待一个入站连接
func (app *Application) connect() (*transport.Conn, func(), error) {
	opts := app.cfg.UTP.ToOptions()
	opts.Stats = app.stats

	if !app.listen {
		ctx, cancel := context.WithTimeout(app.ctx, app.timeout)
		defer cancel()

		conn, err := transport.DialContext(ctx, "udp", app.cfg.Remote, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("连接 %s 失败: %w", app.cfg.Remote, err)
		}
		app.log.Infof("已连接 %s (本地 %s)", conn.RemoteAddr(), conn.LocalAddr())
		return conn, func() {}, nil
	}

	ln, err := transport.Listen("udp", app.cfg.Listen, opts)
	if err != nil {
		return nil, nil, err
	}
	app.log.Infof("等待连接 %s", ln.Addr())

	conn, err := ln.AcceptUTP()
	if err != nil {
		ln.Close()
		return nil, nil, err
	}
	app.log.Infof("接受连接 %s", conn.RemoteAddr())
	return conn, func() { ln.Close() }, nil
}

// pump stdin → conn 在后台进行，stdin 结束后半关闭
// conn → stdout 读到 EOF 即关闭连接，不等待 stdin
func (app *Application) pump(conn *transport.Conn) error {
	sendErr := make(chan error, 1)
	go func() {
		if _, err := io.Copy(conn, app.stdin); err != nil {
			sendErr <- fmt.Errorf("发送失败: %w", err)
			return
		}
		sendErr <- conn.CloseWrite()
	}()

	if _, err := io.Copy(app.stdout, conn); err != nil {
		conn.Abort()
		return fmt.Errorf("接收失败: %w", err)
	}

	if err := conn.Close(); err != nil {
		return err
	}

	select {
	case err := <-sendErr:
		if err != nil && !errors.Is(err, transport.ErrConnClosed) {
			return err
		}
	default:
	}
	return nil
}

// statsLoop 周期性输出统计
func (app *Application) statsLoop() {
	ticker := time.NewTicker(app.interval)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			s := app.stats.Snapshot()
			app.log.Debugf("[STATS] 发送: %s | 接收: %s | 重传: %d",
				formatBytes(s.BytesSent), formatBytes(s.BytesReceived), s.Retransmits)
		}
	}
}

// shutdown 关闭
func (app *Application) shutdown() {
	app.cancel()
	if app.metrics != nil {
		app.metrics.Stop()
	}
}

// formatBytes 格式化字节
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
