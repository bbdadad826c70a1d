// =============================================================================
// 文件: internal/transport/types.go
// 描述: uTP 传输层类型定义 - 状态、配置选项、错误
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/utp/internal/clock"
	"github.com/mrcgq/utp/internal/logging"
)

// 默认参数
const (
	DefaultMTU                = 1400
	DefaultRetransmitInterval = 500 * time.Millisecond
	DefaultRetransmitTimeout  = 500 * time.Millisecond
	DefaultKeepAliveInterval  = 10 * time.Second
	DefaultCloseGrace         = 5 * time.Second
	DefaultCloseLinger        = 30 * time.Second
	DefaultAcceptBacklog      = 128
	DefaultTombstoneWindow    = 30 * time.Second

	// maxDatagramSize 接收缓冲区大小
	maxDatagramSize = 64 * 1024
)

// 错误定义
var (
	ErrConnClosed        = fmt.Errorf("连接已关闭: %w", net.ErrClosed)
	ErrConnReset         = errors.New("连接被对端重置")
	ErrConnAborted       = errors.New("连接已中止")
	ErrWriteClosed       = errors.New("写端已关闭")
	ErrListenerClosed    = fmt.Errorf("监听器已关闭: %w", net.ErrClosed)
	ErrLingerTimeout     = errors.New("等待关闭握手超时")
	ErrInvalidBufferSize = errors.New("缓冲区大小必须是 2 的幂")
)

// State 连接状态
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

// String 状态名称
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Role 连接角色
type Role int

const (
	RoleConnector Role = iota // 主动发起
	RoleAcceptor              // 被动接受
)

// UnrecognizedHandler 接收未被任何连接处理的原始数据报
// data 仅在回调期间有效
type UnrecognizedHandler func(data []byte, from net.Addr)

// Options 传输参数
type Options struct {
	BufferSize         int           // 环形缓冲区容量 (2 的幂)
	MTU                int           // 单个 DATA 包最大载荷
	RetransmitInterval time.Duration // 重传扫描周期
	RetransmitTimeout  time.Duration // 包龄超过该值即重传
	KeepAliveInterval  time.Duration // 保活检查周期
	CloseGrace         time.Duration // 主动方连接销毁后私有 socket 的保留时间
	CloseLinger        time.Duration // Close 等待关闭握手的上限
	AcceptBacklog      int           // 未 Accept 连接上限

	SynRate            float64 // 每秒新建连接上限，0 表示不限
	SynBurst           int
	SynTombstone       bool          // 拒绝刚关闭连接的迟到 SYN
	SynTombstoneWindow time.Duration // 墓碑保留时长

	Clock          clock.Clock
	Stats          *Stats
	OnUnrecognized UnrecognizedHandler
	Logger         *log.Entry
}

// DefaultOptions 默认参数
func DefaultOptions() *Options {
	return &Options{
		BufferSize:         DefaultBufferSize,
		MTU:                DefaultMTU,
		RetransmitInterval: DefaultRetransmitInterval,
		RetransmitTimeout:  DefaultRetransmitTimeout,
		KeepAliveInterval:  DefaultKeepAliveInterval,
		CloseGrace:         DefaultCloseGrace,
		CloseLinger:        DefaultCloseLinger,
		AcceptBacklog:      DefaultAcceptBacklog,
		SynTombstoneWindow: DefaultTombstoneWindow,
	}
}

// withDefaults 返回补全零值后的副本
func (o *Options) withDefaults() *Options {
	out := DefaultOptions()
	if o == nil {
		o = &Options{}
	}
	if o.BufferSize > 0 {
		out.BufferSize = o.BufferSize
	}
	if o.MTU > 0 {
		out.MTU = o.MTU
	}
	if o.RetransmitInterval > 0 {
		out.RetransmitInterval = o.RetransmitInterval
	}
	if o.RetransmitTimeout > 0 {
		out.RetransmitTimeout = o.RetransmitTimeout
	}
	if o.KeepAliveInterval > 0 {
		out.KeepAliveInterval = o.KeepAliveInterval
	}
	if o.CloseGrace > 0 {
		out.CloseGrace = o.CloseGrace
	}
	if o.CloseLinger > 0 {
		out.CloseLinger = o.CloseLinger
	}
	if o.AcceptBacklog > 0 {
		out.AcceptBacklog = o.AcceptBacklog
	}
	if o.SynTombstoneWindow > 0 {
		out.SynTombstoneWindow = o.SynTombstoneWindow
	}
	out.SynRate = o.SynRate
	out.SynBurst = o.SynBurst
	out.SynTombstone = o.SynTombstone
	out.OnUnrecognized = o.OnUnrecognized

	out.Clock = o.Clock
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	out.Stats = o.Stats
	if out.Stats == nil {
		out.Stats = &Stats{}
	}
	out.Logger = o.Logger
	if out.Logger == nil {
		out.Logger = logging.For("UTP")
	}
	return out
}

// Validate 检查参数
func (o *Options) Validate() error {
	if o.BufferSize < 2 || o.BufferSize > 1<<16 || o.BufferSize&(o.BufferSize-1) != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBufferSize, o.BufferSize)
	}
	if o.MTU <= 0 || o.MTU > 65507-20 {
		return fmt.Errorf("MTU 超出范围: %d", o.MTU)
	}
	return nil
}
