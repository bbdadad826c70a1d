// =============================================================================
// 文件: internal/transport/dialer.go
// 描述: uTP 主动连接 - 私有 socket，recvID 取本地端口
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	pool "github.com/libp2p/go-buffer-pool"

	"github.com/mrcgq/utp/internal/protocol"
)

// Dial 发起连接，握手完成前即返回；写入会阻塞到连接建立
func Dial(network, address string, opts *Options) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("解析地址 %s 失败: %w", address, err)
	}

	pc, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("绑定本地 socket 失败: %w", err)
	}

	return DialPacketConn(pc, raddr, opts)
}

// DialContext 发起连接并等待握手完成
func DialContext(ctx context.Context, network, address string, opts *Options) (*Conn, error) {
	c, err := Dial(network, address, opts)
	if err != nil {
		return nil, err
	}
	if err := c.WaitConnected(ctx); err != nil {
		c.Abort()
		return nil, fmt.Errorf("等待握手失败: %w", err)
	}
	return c, nil
}

// DialPacketConn 在调用方提供的私有 socket 上发起连接
// socket 归连接所有，连接销毁 CloseGrace 之后关闭
func DialPacketConn(pc net.PacketConn, raddr net.Addr, opts *Options) (*Conn, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		pc.Close()
		return nil, err
	}

	recvID, err := localPort(pc.LocalAddr())
	if err != nil {
		pc.Close()
		return nil, err
	}

	conn, err := newConnectingConn(pc, raddr, recvID, opts)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("发送 SYN 失败: %w", err)
	}

	// 关闭后保留 socket 一段时间，吸收对端的尾部重传
	conn.addCloseHook(func() {
		time.AfterFunc(opts.CloseGrace, func() {
			pc.Close()
		})
	})

	go dialerReadLoop(pc, conn, opts)
	return conn, nil
}

// dialerReadLoop 私有 socket 读循环
func dialerReadLoop(pc net.PacketConn, conn *Conn, opts *Options) {
	buf := pool.Get(maxDatagramSize)
	defer pool.Put(buf)

	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			conn.fail(fmt.Errorf("读取失败: %w", err))
			return
		}
		opts.Stats.received(n)

		pkt := decodeDatagram(opts, buf[:n], addr)
		if pkt == nil {
			continue
		}

		// 私有 socket 不接受握手发起
		if pkt.Type == protocol.TypeSyn {
			continue
		}
		if pkt.ConnectionID != conn.recvID || !conn.handlePacket(pkt) {
			reportUnrecognized(opts, buf[:n], addr)
		}
	}
}

// reportUnrecognized 转交外部处理，未设置回调时只记录
func reportUnrecognized(opts *Options, data []byte, addr net.Addr) {
	opts.Stats.inc(&opts.Stats.unrecognized)
	if opts.OnUnrecognized != nil {
		opts.OnUnrecognized(data, addr)
		return
	}
	if spamLimiter.Allow() {
		opts.Logger.WithField("from", addr.String()).Debug("未识别的数据报")
	}
}

// localPort 取本地端口作为 recvID (截断到 16 位)
func localPort(addr net.Addr) (uint16, error) {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return uint16(ua.Port), nil
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, fmt.Errorf("无法解析本地地址 %s: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("无效端口 %s: %w", portStr, err)
	}
	return uint16(port), nil
}
