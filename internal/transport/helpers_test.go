// =============================================================================
// 文件: internal/transport/helpers_test.go
// 描述: 测试辅助 - 内存数据报网络、抓包 socket
// =============================================================================
package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/utp/internal/clock"
	"github.com/mrcgq/utp/internal/logging"
	"github.com/mrcgq/utp/internal/protocol"
)

// =============================================================================
// 内存网络
// =============================================================================

// memFilter 返回投递份数: 0 丢弃, 1 正常, 2 重复
type memFilter func(from, to net.Addr, pkt *protocol.Packet) int

type memNetwork struct {
	mu       sync.Mutex
	conns    map[string]*memConn
	nextPort int
	filter   memFilter
}

func newMemNetwork() *memNetwork {
	return &memNetwork{conns: make(map[string]*memConn), nextPort: 20000}
}

func (n *memNetwork) setFilter(f memFilter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

func (n *memNetwork) listen() *memConn {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextPort++
	c := &memConn{
		net:    n,
		addr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.nextPort},
		inbox:  make(chan memDatagram, 4096),
		closed: make(chan struct{}),
	}
	n.conns[c.addr.String()] = c
	return c
}

func (n *memNetwork) deliver(from, to net.Addr, b []byte) {
	n.mu.Lock()
	target := n.conns[to.String()]
	filter := n.filter
	n.mu.Unlock()

	if target == nil {
		return
	}

	copies := 1
	if filter != nil {
		if pkt, err := protocol.Decode(b); err == nil {
			copies = filter(from, to, pkt)
		}
	}
	for i := 0; i < copies; i++ {
		data := make([]byte, len(b))
		copy(data, b)
		select {
		case target.inbox <- memDatagram{data: data, from: from}:
		default:
		}
	}
}

type memDatagram struct {
	data []byte
	from net.Addr
}

type memConn struct {
	net       *memNetwork
	addr      *net.UDPAddr
	inbox     chan memDatagram
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *memConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbox:
		return copy(b, d.data), d.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *memConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.net.deliver(c.addr, addr, b)
	return len(b), nil
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.net.mu.Lock()
		delete(c.net.conns, c.addr.String())
		c.net.mu.Unlock()
	})
	return nil
}

func (c *memConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *memConn) LocalAddr() net.Addr                { return c.addr }
func (c *memConn) SetDeadline(t time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }

// =============================================================================
// 抓包 socket (单连接单元测试)
// =============================================================================

type capturePC struct {
	mu      sync.Mutex
	addr    *net.UDPAddr
	sent    []*protocol.Packet
	raw     [][]byte
	failErr error
	closed  chan struct{}
}

func newCapturePC(port int) *capturePC {
	return &capturePC{
		addr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		closed: make(chan struct{}),
	}
}

func (p *capturePC) WriteTo(b []byte, addr net.Addr) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return 0, p.failErr
	}
	pkt, err := protocol.Decode(b)
	if err != nil {
		return 0, err
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	p.sent = append(p.sent, pkt)
	p.raw = append(p.raw, raw)
	return len(b), nil
}

func (p *capturePC) ReadFrom(b []byte) (int, net.Addr, error) {
	<-p.closed
	return 0, nil, net.ErrClosed
}

func (p *capturePC) Close() error                       { return nil }
func (p *capturePC) LocalAddr() net.Addr                { return p.addr }
func (p *capturePC) SetDeadline(t time.Time) error      { return nil }
func (p *capturePC) SetReadDeadline(t time.Time) error  { return nil }
func (p *capturePC) SetWriteDeadline(t time.Time) error { return nil }

func (p *capturePC) packets() []*protocol.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*protocol.Packet, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *capturePC) last() *protocol.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}

func (p *capturePC) count(typ protocol.PacketType) int {
	n := 0
	for _, pkt := range p.packets() {
		if pkt.Type == typ {
			n++
		}
	}
	return n
}

func (p *capturePC) ofType(typ protocol.PacketType) []*protocol.Packet {
	var out []*protocol.Packet
	for _, pkt := range p.packets() {
		if pkt.Type == typ {
			out = append(out, pkt)
		}
	}
	return out
}

func (p *capturePC) setFail(err error) {
	p.mu.Lock()
	p.failErr = err
	p.mu.Unlock()
}

// =============================================================================
// 公共
// =============================================================================

// unitOptions 定时器不会自行触发，由测试手动驱动
func unitOptions(clk *clock.Fake) *Options {
	return (&Options{
		Clock:              clk,
		RetransmitInterval: time.Hour,
		KeepAliveInterval:  time.Hour,
		CloseLinger:        2 * time.Second,
		Logger:             logging.For("Test"),
	}).withDefaults()
}

// fastOptions 集成测试用的短周期参数
func fastOptions() *Options {
	return &Options{
		RetransmitInterval: 20 * time.Millisecond,
		RetransmitTimeout:  40 * time.Millisecond,
		KeepAliveInterval:  time.Second,
		CloseGrace:         100 * time.Millisecond,
		CloseLinger:        3 * time.Second,
		Logger:             logging.For("Test"),
	}
}

var remoteAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}
