// =============================================================================
// 文件: cmd/utp-server/main.go
// 描述: uTP 服务端 - 回显或输出到 stdout，可选 Prometheus 指标
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/utp/internal/config"
	"github.com/mrcgq/utp/internal/logging"
	"github.com/mrcgq/utp/internal/metrics"
	"github.com/mrcgq/utp/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径 (为空则使用默认配置)")
	listen := flag.String("l", "", "监听地址，覆盖配置文件")
	logLevel := flag.String("log-level", "", "日志级别，覆盖配置文件")
	pipe := flag.Bool("pipe", false, "将收到的数据写到 stdout，不回显")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
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
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "日志配置错误: %v\n", err)
		os.Exit(1)
	}
	logger := logging.For("Server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := cfg.UTP.ToOptions()
	opts.Stats = &transport.Stats{}

	ln, err := transport.Listen("udp", cfg.Listen, opts)
	if err != nil {
		logger.Fatalf("监听失败: %v", err)
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
		)
		if err := metricsServer.RegisterCollector(metrics.NewTransportCollector("listener", ln.Stats())); err != nil {
			logger.Fatalf("注册指标失败: %v", err)
		}
		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return createHealthStatus(ln)
		})
		if err := metricsServer.Start(ctx); err != nil {
			logger.Errorf("Metrics 启动失败: %v", err)
		}
	}

	logger.Infof("监听 %s (buffer=%d mtu=%d)", ln.Addr(), cfg.UTP.BufferSize, cfg.UTP.MTU)

	var wg sync.WaitGroup
	var stdoutMu sync.Mutex

	go func() {
		for {
			conn, err := ln.AcceptUTP()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					logger.Errorf("Accept 失败: %v", err)
				}
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if *pipe {
					servePipe(conn, &stdoutMu)
				} else {
					serveEcho(conn)
				}
			}()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("正在关闭...")
	cancel()

	if err := ln.Close(); err != nil {
		logger.Warnf("关闭监听器: %v", err)
	}
	wg.Wait()

	if metricsServer != nil {
		metricsServer.Stop()
	}

	s := ln.Stats().Snapshot()
	logger.WithFields(log.Fields{
		"accepted":    s.ConnsAccepted,
		"retransmits": s.Retransmits,
		"bytes_in":    s.BytesReceived,
		"bytes_out":   s.BytesSent,
	}).Info("已退出")
}

// serveEcho 对每块数据回复 "server says " + 数据
func serveEcho(conn *transport.Conn) {
	entry := logging.For("Server").WithField("remote", conn.RemoteAddr())
	entry.Debugf("新连接 id=%d", conn.RecvID())

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			reply := append([]byte("server says "), buf[:n]...)
			if _, werr := conn.Write(reply); werr != nil {
				entry.Debugf("写入失败: %v", werr)
				conn.Abort()
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				entry.Debugf("读取结束: %v", err)
			}
			break
		}
	}

	if err := conn.Close(); err != nil {
		entry.Debugf("关闭: %v", err)
	}
	entry.Debug("连接结束")
}

// servePipe 将连接数据写到 stdout
func servePipe(conn *transport.Conn, mu *sync.Mutex) {
	entry := logging.For("Server").WithField("remote", conn.RemoteAddr())

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			mu.Lock()
			os.Stdout.Write(buf[:n])
			mu.Unlock()
		}
		if err != nil {
			break
		}
	}
	if err := conn.Close(); err != nil {
		entry.Debugf("关闭: %v", err)
	}
}

func createHealthStatus(ln *transport.Listener) metrics.HealthStatus {
	s := ln.Stats().Snapshot()
	return metrics.HealthStatus{
		Status: "healthy",
		Components: map[string]metrics.ComponentHealth{
			"listener": {
				Status:  "healthy",
				Message: fmt.Sprintf("addr: %s", ln.Addr()),
			},
			"connections": {
				Status:  "healthy",
				Message: fmt.Sprintf("active: %d, routed: %d", s.ConnsActive, ln.Len()),
			},
		},
	}
}

func printVersion() {
	fmt.Printf("utp-server v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  重传: %v / 保活: %v\n", transport.DefaultRetransmitInterval, transport.DefaultKeepAliveInterval)
}
