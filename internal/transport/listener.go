// =============================================================================
// 文件: internal/transport/listener.go
// 描述: uTP 监听器 - 共享 socket 多路分发，收到 SYN 时接受新连接
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mrcgq/utp/internal/protocol"
)

// spamLimiter 限制逐包日志
var spamLimiter = rate.NewLimiter(1, 10)

// routeKey 路由键: 对端地址 + 有效连接 ID
func routeKey(addr net.Addr, id uint16) string {
	return fmt.Sprintf("%s/%d", addr.String(), id)
}

// Listener uTP 监听器
type Listener struct {
	pc    net.PacketConn
	opts  *Options
	stats *Stats
	log   *log.Entry

	mu      sync.Mutex
	conns   map[string]*Conn
	closing bool
	err     error

	acceptCh  chan *Conn
	closingCh chan struct{}
	readDone  chan struct{}

	synLimiter *rate.Limiter
	tomb       *tombstones

	closeOnce sync.Once
	closeErr  error
}

// Listen 绑定地址并开始监听
func Listen(network, address string, opts *Options) (*Listener, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	pc, err := net.ListenPacket(network, address)
	if err != nil {
		return nil, fmt.Errorf("监听 %s 失败: %w", address, err)
	}
	return newListener(pc, opts), nil
}

// NewListener 在已有 socket 上监听，socket 归监听器所有
func NewListener(pc net.PacketConn, opts *Options) (*Listener, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return newListener(pc, opts), nil
}

func newListener(pc net.PacketConn, opts *Options) *Listener {
	limit := rate.Inf
	if opts.SynRate > 0 {
		limit = rate.Limit(opts.SynRate)
	}
	burst := opts.SynBurst
	if burst <= 0 {
		burst = opts.AcceptBacklog
	}

	l := &Listener{
		pc:         pc,
		opts:       opts,
		stats:      opts.Stats,
		log:        opts.Logger.WithField("listen", pc.LocalAddr().String()),
		conns:      make(map[string]*Conn),
		acceptCh:   make(chan *Conn, opts.AcceptBacklog),
		closingCh:  make(chan struct{}),
		readDone:   make(chan struct{}),
		synLimiter: rate.NewLimiter(limit, burst),
	}
	if opts.SynTombstone {
		l.tomb = newTombstones(opts.SynTombstoneWindow)
	}

	go l.readLoop()
	l.log.Info("监听器已启动")
	return l
}

// readLoop 读取共享 socket，关闭过程中继续运行以吸收 FIN 的确认
func (l *Listener) readLoop() {
	defer close(l.readDone)

	buf := pool.Get(maxDatagramSize)
	defer pool.Put(buf)

	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			l.fail(err)
			return
		}
		l.stats.received(n)
		l.handleDatagram(buf[:n], addr)
	}
}

// handleDatagram 分发一个数据报
func (l *Listener) handleDatagram(data []byte, addr net.Addr) {
	pkt := decodeDatagram(l.opts, data, addr)
	if pkt == nil {
		return
	}

	id := pkt.ConnectionID
	if pkt.Type == protocol.TypeSyn {
		id++
	}
	key := routeKey(addr, id)

	l.mu.Lock()
	conn := l.conns[key]
	l.mu.Unlock()

	if conn != nil {
		if !conn.handlePacket(pkt) {
			l.unrecognized(data, addr)
		}
		return
	}

	if pkt.Type != protocol.TypeSyn {
		l.unrecognized(data, addr)
		return
	}

	l.accept(key, pkt, addr, data)
}

// accept 为新 SYN 创建被动连接
func (l *Listener) accept(key string, syn *protocol.Packet, addr net.Addr, data []byte) {
	if l.tomb != nil && l.tomb.Has(key) {
		l.unrecognized(data, addr)
		return
	}

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	// 只有 readLoop 写 acceptCh，检查后发送不会阻塞
	if len(l.acceptCh) == cap(l.acceptCh) || !l.synLimiter.Allow() {
		l.mu.Unlock()
		l.stats.inc(&l.stats.synDropped)
		if spamLimiter.Allow() {
			l.log.WithField("from", addr.String()).Warn("新连接过多，丢弃 SYN")
		}
		return
	}

	conn, err := newAcceptedConn(l.pc, addr, syn, l.opts)
	if err != nil {
		l.mu.Unlock()
		l.log.WithError(err).Warn("创建连接失败")
		return
	}
	l.conns[key] = conn
	l.mu.Unlock()

	conn.addCloseHook(func() {
		l.remove(key, conn)
	})
	l.acceptCh <- conn
}

// decodeDatagram 解码数据报
// 不足一个头部的直接丢弃；长度够但版本或类型不符的视为其他协议，转交外部处理
func decodeDatagram(opts *Options, data []byte, addr net.Addr) *protocol.Packet {
	pkt, err := protocol.Decode(data)
	if err == nil {
		return pkt
	}
	if errors.Is(err, protocol.ErrShortPacket) {
		opts.Stats.inc(&opts.Stats.malformed)
		if spamLimiter.Allow() {
			opts.Logger.WithError(err).WithField("from", addr.String()).Debug("丢弃无效数据报")
		}
		return nil
	}
	reportUnrecognized(opts, data, addr)
	return nil
}

func (l *Listener) remove(key string, conn *Conn) {
	l.mu.Lock()
	if l.conns[key] == conn {
		delete(l.conns, key)
	}
	l.mu.Unlock()

	if l.tomb != nil {
		l.tomb.Add(key)
	}
}

func (l *Listener) unrecognized(data []byte, addr net.Addr) {
	reportUnrecognized(l.opts, data, addr)
}

// fail socket 读失败：主动关闭时为正常退出，否则销毁所有连接
func (l *Listener) fail(err error) {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	l.closing = true
	l.err = fmt.Errorf("读取失败: %w", err)
	close(l.closingCh)
	conns := l.snapshotLocked()
	l.mu.Unlock()

	l.log.WithError(err).Error("监听 socket 出错")
	for _, c := range conns {
		c.fail(err)
	}
}

func (l *Listener) snapshotLocked() []*Conn {
	conns := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	return conns
}

// Accept 实现 net.Listener
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptUTP()
}

// AcceptUTP 返回具体类型
func (l *Listener) AcceptUTP() (*Conn, error) {
	select {
	case c := <-l.acceptCh:
		return c, nil
	case <-l.closingCh:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return nil, ErrListenerClosed
}

// Close 停止接受新连接，优雅关闭所有连接并等待完成后释放 socket
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		alreadyFailed := l.closing
		if !alreadyFailed {
			l.closing = true
			close(l.closingCh)
		}
		conns := l.snapshotLocked()
		l.mu.Unlock()

		l.log.WithField("conns", len(conns)).Info("正在关闭监听器")

		var g errgroup.Group
		for _, c := range conns {
			c := c
			g.Go(c.Close)
		}
		l.closeErr = g.Wait()

		if err := l.pc.Close(); err != nil && l.closeErr == nil && !alreadyFailed {
			l.closeErr = err
		}
		<-l.readDone
		l.log.Info("监听器已关闭")
	})
	return l.closeErr
}

// Addr 实现 net.Listener
func (l *Listener) Addr() net.Addr {
	return l.pc.LocalAddr()
}

// Stats 统计
func (l *Listener) Stats() *Stats {
	return l.stats
}

// Len 当前管理的连接数
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

var _ net.Listener = (*Listener)(nil)
