// =============================================================================
// 文件: internal/transport/conn.go
// 描述: uTP 连接 - 状态、发送路径与 net.Conn 接口
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/utp/internal/clock"
	"github.com/mrcgq/utp/internal/protocol"
)

// segment 发送环中的在途包
type segment struct {
	pkt  *protocol.Packet
	sent uint32 // 最近一次发送时间 (微秒)
}

// Conn uTP 连接
// 所有可变状态由 mu 保护；关闭回调在释放 mu 之后执行
type Conn struct {
	// 底层 socket (监听器共享或拨号私有)
	pc     net.PacketConn
	remote net.Addr
	role   Role

	opts  *Options
	clk   clock.Clock
	stats *Stats
	log   *log.Entry

	mu sync.Mutex

	// 状态
	state  State
	recvID uint16
	sendID uint16
	seq    uint16 // 下一个发送序列号
	ack    uint16 // 已按序收到的最大序列号

	// 环形缓冲区
	outgoing *RingBuffer[segment]
	incoming *RingBuffer[protocol.Packet]
	inflight int

	// 被动方缓存的 SYN-ACK，重复 SYN 时原样重发
	synack *protocol.Packet

	// 保活
	alive bool

	// 关闭握手 (写端结束 + 读端结束，两次计数)
	writeEnded bool
	writing    bool
	finSent    bool
	writeDone  bool
	readEnded  bool
	closeTicks int
	reset      bool
	err        error

	// 读端
	readQueue  [][]byte
	readEOF    bool
	readClosed bool
	readable   chan struct{}

	// 事件通道
	connected chan struct{}
	flushed   chan struct{} // 有等待者时才创建
	finAcked  chan struct{}
	done      chan struct{}

	onClose    []func()
	hooksFired bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	rdl, wdl  *deadline
}

// newConn 创建连接骨架，opts 需已补全默认值
func newConn(pc net.PacketConn, remote net.Addr, role Role, opts *Options) (*Conn, error) {
	outgoing, err := NewRingBuffer[segment](opts.BufferSize)
	if err != nil {
		return nil, err
	}
	incoming, err := NewRingBuffer[protocol.Packet](opts.BufferSize)
	if err != nil {
		return nil, err
	}

	return &Conn{
		pc:        pc,
		remote:    remote,
		role:      role,
		opts:      opts,
		clk:       opts.Clock,
		stats:     opts.Stats,
		seq:       uint16(rand.Intn(1 << 16)),
		outgoing:  outgoing,
		incoming:  incoming,
		readable:  make(chan struct{}, 1),
		connected: make(chan struct{}),
		finAcked:  make(chan struct{}),
		done:      make(chan struct{}),
		rdl:       newDeadline(),
		wdl:       newDeadline(),
	}, nil
}

// newAcceptedConn 收到 SYN 后创建被动连接，立即进入 CONNECTED 并发送 SYN-ACK
func newAcceptedConn(pc net.PacketConn, remote net.Addr, syn *protocol.Packet, opts *Options) (*Conn, error) {
	c, err := newConn(pc, remote, RoleAcceptor, opts)
	if err != nil {
		return nil, err
	}

	c.recvID = syn.ConnectionID + 1
	c.sendID = syn.ConnectionID
	c.ack = syn.Seq
	c.state = StateConnected
	close(c.connected)
	c.log = opts.Logger.WithFields(log.Fields{"remote": remote.String(), "id": c.recvID})
	c.stats.connOpened(RoleAcceptor)

	c.mu.Lock()
	c.synack = c.packetLocked(protocol.TypeState, nil)
	c.transmitLocked(c.synack)
	failed := c.state == StateClosed
	err = c.err
	c.unlock()
	if failed {
		return nil, err
	}

	c.log.Debug("接受连接")
	c.start()
	return c, nil
}

// newConnectingConn 创建主动连接并发送 SYN
func newConnectingConn(pc net.PacketConn, remote net.Addr, recvID uint16, opts *Options) (*Conn, error) {
	c, err := newConn(pc, remote, RoleConnector, opts)
	if err != nil {
		return nil, err
	}

	c.recvID = recvID
	c.sendID = recvID + 1
	c.state = StateConnecting
	c.log = opts.Logger.WithFields(log.Fields{"remote": remote.String(), "id": c.recvID})
	c.stats.connOpened(RoleConnector)

	c.mu.Lock()
	c.sendOutgoingLocked(protocol.TypeSyn, nil)
	failed := c.state == StateClosed
	err = c.err
	c.unlock()
	if failed {
		return nil, err
	}

	c.log.Debug("发送 SYN")
	c.start()
	return c, nil
}

func (c *Conn) start() {
	go c.retransmitLoop()
	go c.keepaliveLoop()
}

// =============================================================================
// 发送路径 (调用方持有 mu)
// =============================================================================

// packetLocked 按当前 seq/ack 构造包
// SYN 携带自己的 recvID，其余包携带对端的 recvID
func (c *Conn) packetLocked(typ protocol.PacketType, payload []byte) *protocol.Packet {
	id := c.sendID
	if typ == protocol.TypeSyn {
		id = c.recvID
	}
	return &protocol.Packet{
		Type:         typ,
		ConnectionID: id,
		Timestamp:    c.clk.Now(),
		Window:       protocol.DefaultWindow,
		Seq:          c.seq,
		Ack:          c.ack,
		Payload:      payload,
	}
}

// sendOutgoingLocked 放入发送环、推进 seq 并立即发送
func (c *Conn) sendOutgoingLocked(typ protocol.PacketType, payload []byte) {
	pkt := c.packetLocked(typ, payload)
	c.outgoing.Put(c.seq, &segment{pkt: pkt, sent: c.clk.Now()})
	c.seq++
	c.inflight++
	c.transmitLocked(pkt)
}

// sendAckLocked 发送纯确认
func (c *Conn) sendAckLocked() {
	c.transmitLocked(c.packetLocked(protocol.TypeState, nil))
}

// transmitLocked 编码并写入 socket，失败即销毁连接
func (c *Conn) transmitLocked(pkt *protocol.Packet) bool {
	buf := pool.Get(pkt.Size())
	defer pool.Put(buf)

	n, err := pkt.EncodeTo(buf)
	if err == nil {
		_, err = c.pc.WriteTo(buf[:n], c.remote)
	}
	if err != nil {
		c.stats.inc(&c.stats.sendErrors)
		c.destroyLocked(fmt.Errorf("发送 %s 失败: %w", pkt.Type, err))
		return false
	}

	c.alive = true
	c.stats.sent(n)
	return true
}

func (c *Conn) writableLocked() bool {
	return c.inflight < c.outgoing.Size()-1
}

// flushWaitLocked 返回下一次 "全部确认" 时关闭的通道
func (c *Conn) flushWaitLocked() <-chan struct{} {
	if c.flushed == nil {
		c.flushed = make(chan struct{})
	}
	return c.flushed
}

// onFlushLocked 在途数归零
func (c *Conn) onFlushLocked() {
	if c.flushed != nil {
		close(c.flushed)
		c.flushed = nil
	}
	if c.finSent && !c.writeDone {
		c.writeDone = true
		close(c.finAcked)
		c.tickLocked()
	}
	c.tryFinLocked()
}

// endWriteLocked 结束写端，FIN 在排队数据之后发出
func (c *Conn) endWriteLocked() {
	if c.writeEnded {
		return
	}
	c.writeEnded = true
	c.tryFinLocked()
}

// tryFinLocked 条件满足时发送 FIN；否则等待连接建立或下一次 flush
func (c *Conn) tryFinLocked() {
	if !c.writeEnded || c.finSent || c.writing || c.state != StateConnected {
		return
	}
	if !c.writableLocked() {
		return
	}
	c.finSent = true
	c.sendOutgoingLocked(protocol.TypeFin, nil)
	c.log.Debug("发送 FIN")
}

// =============================================================================
// 生命周期
// =============================================================================

func (c *Conn) markReadEndedLocked() {
	if c.readEnded {
		return
	}
	c.readEnded = true
	c.tickLocked()
}

func (c *Conn) tickLocked() {
	c.closeTicks++
	if c.closeTicks >= 2 {
		c.destroyLocked(nil)
	}
}

// destroyLocked 进入 CLOSED，停止定时器并唤醒所有等待者
func (c *Conn) destroyLocked(err error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.err = err
	close(c.done)
	if c.flushed != nil {
		close(c.flushed)
		c.flushed = nil
	}
	c.notifyReadableLocked()
	c.stats.connClosed()

	if err != nil {
		c.log.WithError(err).Debug("连接销毁")
	} else {
		c.log.Debug("连接关闭")
	}
}

// unlock 释放 mu，首次进入 CLOSED 后在锁外执行关闭回调
func (c *Conn) unlock() {
	var hooks []func()
	if c.state == StateClosed && !c.hooksFired {
		c.hooksFired = true
		hooks = c.onClose
		c.onClose = nil
	}
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// addCloseHook 注册关闭回调，已关闭时立即执行
func (c *Conn) addCloseHook(fn func()) {
	c.mu.Lock()
	if c.hooksFired {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.unlock()
}

// fail 外部错误 (socket 读失败等) 导致销毁
func (c *Conn) fail(err error) {
	c.mu.Lock()
	c.destroyLocked(err)
	c.unlock()
}

// =============================================================================
// 读端
// =============================================================================

func (c *Conn) pushDataLocked(b []byte) {
	if c.readClosed || len(b) == 0 {
		return
	}
	c.readQueue = append(c.readQueue, b)
	c.notifyReadableLocked()
}

func (c *Conn) pushEOFLocked() {
	c.readEOF = true
	c.notifyReadableLocked()
}

func (c *Conn) notifyReadableLocked() {
	select {
	case c.readable <- struct{}{}:
	default:
	}
}

func (c *Conn) readErrLocked() error {
	switch {
	case c.readClosed:
		return ErrConnClosed
	case c.readEOF:
		return io.EOF
	case c.state == StateClosed:
		if c.err != nil {
			return c.err
		}
		return io.EOF
	}
	return nil
}

// Read 按序读取对端数据，对端 FIN/RESET 后返回 io.EOF
func (c *Conn) Read(b []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.readQueue) > 0 {
			head := c.readQueue[0]
			n := copy(b, head)
			if n < len(head) {
				c.readQueue[0] = head[n:]
			} else {
				c.readQueue[0] = nil
				c.readQueue = c.readQueue[1:]
			}
			c.mu.Unlock()
			return n, nil
		}
		err := c.readErrLocked()
		c.mu.Unlock()
		if err != nil {
			return 0, err
		}

		select {
		case <-c.readable:
		case <-c.rdl.wait():
			return 0, os.ErrDeadlineExceeded
		}
	}
}

// =============================================================================
// 写端
// =============================================================================

func (c *Conn) writeErrLocked() error {
	switch {
	case c.state == StateClosed && c.reset:
		return ErrConnReset
	case c.state == StateClosed && c.err != nil:
		return c.err
	case c.state == StateClosed:
		return ErrConnClosed
	case c.writeEnded:
		return ErrWriteClosed
	}
	return nil
}

func (c *Conn) writeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeErrLocked(); err != nil {
		return err
	}
	return ErrConnClosed
}

// Write 按 MTU 分段发送
// 连接建立前阻塞；在途达到上限后阻塞到全部确认再继续
func (c *Conn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.connected:
	case <-c.done:
		return 0, c.writeErr()
	case <-c.wdl.wait():
		return 0, os.ErrDeadlineExceeded
	}

	c.mu.Lock()
	if err := c.writeErrLocked(); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.writing = true

	total := 0
	var err error
	for {
		for len(b) > 0 && c.state == StateConnected && c.writableLocked() {
			n := len(b)
			if n > c.opts.MTU {
				n = c.opts.MTU
			}
			payload := make([]byte, n)
			copy(payload, b[:n])
			c.sendOutgoingLocked(protocol.TypeData, payload)
			b = b[n:]
			total += n
		}
		if len(b) == 0 || c.state == StateClosed {
			break
		}

		wait := c.flushWaitLocked()
		c.unlock()
		select {
		case <-wait:
		case <-c.done:
		case <-c.wdl.wait():
			err = os.ErrDeadlineExceeded
		}
		c.mu.Lock()
		if err != nil {
			break
		}
	}

	c.writing = false
	if err == nil && c.state == StateClosed {
		err = c.writeErrLocked()
	}
	c.tryFinLocked()
	c.unlock()
	return total, err
}

// CloseWrite 半关闭：发送 FIN 并等待其被确认，读端仍可用
func (c *Conn) CloseWrite() error {
	c.mu.Lock()
	if c.state == StateClosed {
		done := c.writeDone
		err := c.writeErrLocked()
		c.unlock()
		if done {
			return nil
		}
		return err
	}
	c.endWriteLocked()
	c.unlock()

	select {
	case <-c.finAcked:
		return nil
	case <-c.done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeDone {
		return nil
	}
	return c.writeErrLocked()
}

// Close 丢弃后续读入数据并结束写端，等待双方 FIN 完成
// 超过 CloseLinger 仍未完成则发送 RESET 中止
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.readClosed = true
		c.readQueue = nil
		c.notifyReadableLocked()
		c.endWriteLocked()
		c.unlock()
	})

	timer := time.NewTimer(c.opts.CloseLinger)
	defer timer.Stop()

	select {
	case <-c.done:
		return nil
	case <-timer.C:
		c.log.Warn("关闭握手超时，中止连接")
		c.abort(ErrLingerTimeout)
		return ErrLingerTimeout
	}
}

// Abort 向对端发送 RESET 并立即销毁
func (c *Conn) Abort() error {
	c.abort(ErrConnAborted)
	return nil
}

func (c *Conn) abort(reason error) {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateClosed {
		return
	}
	if c.state == StateConnected {
		if c.transmitLocked(c.packetLocked(protocol.TypeReset, nil)) {
			c.stats.inc(&c.stats.resetsSent)
		}
	}
	c.readClosed = true
	c.readQueue = nil
	c.destroyLocked(reason)
}

// WaitConnected 等待握手完成
func (c *Conn) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	default:
	}

	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return c.writeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// 访问器
// =============================================================================

// State 当前状态
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role 连接角色
func (c *Conn) Role() Role { return c.role }

// RecvID 本端接收 ID
func (c *Conn) RecvID() uint16 { return c.recvID }

// SendID 对端接收 ID
func (c *Conn) SendID() uint16 { return c.sendID }

// Connected 握手完成时关闭
func (c *Conn) Connected() <-chan struct{} { return c.connected }

// Done 连接销毁时关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 销毁原因，正常关闭或对端重置时为 nil
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// InFlight 未确认包数
func (c *Conn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// LocalAddr 实现 net.Conn
func (c *Conn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

// RemoteAddr 实现 net.Conn
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// SetDeadline 实现 net.Conn
func (c *Conn) SetDeadline(t time.Time) error {
	c.rdl.set(t)
	c.wdl.set(t)
	return nil
}

// SetReadDeadline 实现 net.Conn
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.rdl.set(t)
	return nil
}

// SetWriteDeadline 实现 net.Conn
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.wdl.set(t)
	return nil
}

var _ net.Conn = (*Conn)(nil)
