// =============================================================================
// 文件: internal/transport/listener_test.go
// 描述: 监听器 / 拨号 / 端到端测试
// =============================================================================
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrcgq/utp/internal/protocol"
)

func newMemListener(t *testing.T, n *memNetwork, opts *Options) *Listener {
	t.Helper()
	l, err := NewListener(n.listen(), opts)
	if err != nil {
		t.Fatalf("创建监听器失败: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func dialMem(t *testing.T, n *memNetwork, l *Listener, opts *Options) (*Conn, *memConn) {
	t.Helper()
	pc := n.listen()
	c, err := DialPacketConn(pc, l.Addr(), opts)
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	return c, pc
}

func acceptWithin(t *testing.T, l *Listener) *Conn {
	t.Helper()
	type result struct {
		c   *Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.AcceptUTP()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Accept 失败: %v", r.err)
		}
		return r.c
	case <-time.After(3 * time.Second):
		t.Fatal("Accept 超时")
	}
	return nil
}

func TestEchoServerSaysHello(t *testing.T) {
	l, err := Listen("udp", "127.0.0.1:0", fastOptions())
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer l.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			serverErr <- err
			return
		}
		if _, err := conn.Write(append([]byte("server says "), buf...)); err != nil {
			serverErr <- err
			return
		}
		io.Copy(io.Discard, conn)
		serverErr <- conn.Close()
	}()

	c, err := Dial("udp", l.Addr().String(), fastOptions())
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	want := "server says hello"
	got := make([]byte, len(want))
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if err := c.Close(); err != nil {
		t.Errorf("客户端关闭失败: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Errorf("服务端出错: %v", err)
	}
}

func TestTransferOverLossyNetwork(t *testing.T) {
	n := newMemNetwork()
	var mu sync.Mutex
	dataCount := 0
	n.setFilter(func(from, to net.Addr, pkt *protocol.Packet) int {
		if pkt.Type != protocol.TypeData {
			return 1
		}
		mu.Lock()
		defer mu.Unlock()
		dataCount++
		switch {
		case dataCount%5 == 0:
			return 0
		case dataCount%3 == 0:
			return 2
		}
		return 1
	})

	l := newMemListener(t, n, fastOptions())
	clientOpts := fastOptions()
	c, _ := dialMem(t, n, l, clientOpts)
	sc := acceptWithin(t, l)

	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i * 7)
	}

	go func() {
		c.Write(data)
		c.CloseWrite()
	}()

	sc.SetReadDeadline(time.Now().Add(10 * time.Second))
	got, err := io.ReadAll(sc)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("数据不一致: got %d 字节, want %d", len(got), len(data))
	}
	if c.stats.Snapshot().Retransmits == 0 {
		t.Error("丢包环境下应发生重传")
	}

	sc.Close()
	c.Close()
}

func TestRetransmitDroppedData(t *testing.T) {
	n := newMemNetwork()
	var dropped int32
	n.setFilter(func(from, to net.Addr, pkt *protocol.Packet) int {
		if pkt.Type == protocol.TypeData && atomic.CompareAndSwapInt32(&dropped, 0, 1) {
			return 0
		}
		return 1
	})

	l := newMemListener(t, n, fastOptions())
	c, _ := dialMem(t, n, l, fastOptions())
	sc := acceptWithin(t, l)

	if _, err := c.Write([]byte("once")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	sc.SetReadDeadline(time.Now().Add(3 * time.Second))
	k, err := sc.Read(buf)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if string(buf[:k]) != "once" {
		t.Errorf("got %q", buf[:k])
	}
	if atomic.LoadInt32(&dropped) != 1 {
		t.Fatal("过滤器没有丢包")
	}

	waitFor(t, "重传被确认", func() bool { return c.InFlight() == 0 })
	if c.stats.Snapshot().Retransmits == 0 {
		t.Error("应发生重传")
	}

	// 没有重复交付
	sc.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if k, err := sc.Read(buf); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("不应重复交付: %q %v", buf[:k], err)
	}

	c.Abort()
}

func TestPeerResetEndsStream(t *testing.T) {
	n := newMemNetwork()
	l := newMemListener(t, n, fastOptions())
	c, _ := dialMem(t, n, l, fastOptions())
	sc := acceptWithin(t, l)

	if err := c.WaitConnected(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Abort()

	sc.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadAll(sc); err != nil {
		t.Fatalf("RESET 后读端应正常结束: %v", err)
	}
	select {
	case <-sc.Done():
	case <-time.After(time.Second):
		t.Fatal("RESET 后连接应关闭")
	}
	if _, err := sc.Write([]byte("x")); !errors.Is(err, ErrConnReset) {
		t.Errorf("期望 ErrConnReset, got %v", err)
	}
	waitFor(t, "注销连接", func() bool { return l.Len() == 0 })
}

func TestGracefulCloseBothSides(t *testing.T) {
	n := newMemNetwork()
	l := newMemListener(t, n, fastOptions())
	c, _ := dialMem(t, n, l, fastOptions())
	sc := acceptWithin(t, l)

	go func() {
		c.Write([]byte("last words"))
		c.Close()
	}()

	sc.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := io.ReadAll(sc)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if string(got) != "last words" {
		t.Errorf("got %q", got)
	}
	if err := sc.Close(); err != nil {
		t.Errorf("服务端关闭失败: %v", err)
	}

	for _, conn := range []*Conn{c, sc} {
		select {
		case <-conn.Done():
		case <-time.After(3 * time.Second):
			t.Fatal("双方都应进入关闭状态")
		}
		if conn.Err() != nil {
			t.Errorf("正常关闭不应有错误: %v", conn.Err())
		}
	}
	waitFor(t, "注销连接", func() bool { return l.Len() == 0 })
}

func TestListenerCloseEndsConnections(t *testing.T) {
	n := newMemNetwork()
	l, err := NewListener(n.listen(), fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	c, _ := dialMem(t, n, l, fastOptions())
	acceptWithin(t, l)

	closed := make(chan error, 1)
	go func() { closed <- l.Close() }()

	// 服务端 FIN 到达后客户端读到 EOF
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadAll(c); err != nil {
		t.Fatalf("客户端读取失败: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("客户端关闭失败: %v", err)
	}

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("监听器关闭失败: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("监听器关闭超时")
	}

	if l.Len() != 0 {
		t.Errorf("关闭后仍有 %d 个连接", l.Len())
	}
	if _, err := l.Accept(); !errors.Is(err, ErrListenerClosed) || !errors.Is(err, net.ErrClosed) {
		t.Errorf("期望 ErrListenerClosed, got %v", err)
	}
}

func TestListenerDuplicateSyn(t *testing.T) {
	n := newMemNetwork()
	l := newMemListener(t, n, fastOptions())
	raw := n.listen()

	syn := (&protocol.Packet{Type: protocol.TypeSyn, ConnectionID: 300, Seq: 10, Window: protocol.DefaultWindow}).Encode()
	raw.WriteTo(syn, l.Addr())
	sc := acceptWithin(t, l)
	raw.WriteTo(syn, l.Addr())

	var acks [][]byte
	buf := make([]byte, 1500)
	for len(acks) < 2 {
		k, _, err := raw.ReadFrom(buf)
		if err != nil {
			t.Fatal(err)
		}
		acks = append(acks, append([]byte(nil), buf[:k]...))
	}

	if !bytes.Equal(acks[0], acks[1]) {
		t.Error("重复 SYN 应收到相同的 SYN-ACK")
	}
	if sc.RecvID() != 301 {
		t.Errorf("RecvID = %d, want 301", sc.RecvID())
	}
	if l.Len() != 1 || l.Stats().Snapshot().ConnsAccepted != 1 {
		t.Error("重复 SYN 不应创建新连接")
	}
	sc.Abort()
}

func TestListenerUnrecognized(t *testing.T) {
	n := newMemNetwork()
	got := make(chan net.Addr, 4)
	opts := fastOptions()
	opts.OnUnrecognized = func(data []byte, from net.Addr) {
		got <- from
	}
	l := newMemListener(t, n, opts)
	stranger := n.listen()

	stranger.WriteTo([]byte{1, 2, 3}, l.Addr())
	state := (&protocol.Packet{Type: protocol.TypeState, ConnectionID: 777}).Encode()
	stranger.WriteTo(state, l.Addr())

	select {
	case from := <-got:
		if from.String() != stranger.LocalAddr().String() {
			t.Errorf("来源地址错误: %s", from)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("未知连接的包应转交外部处理")
	}

	snap := l.Stats().Snapshot()
	if snap.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", snap.Malformed)
	}
	if snap.Unrecognized != 1 {
		t.Errorf("Unrecognized = %d, want 1", snap.Unrecognized)
	}
	if l.Len() != 0 {
		t.Error("非 SYN 包不应创建连接")
	}
}

// dhtPing 与 uTP 共用端口的 DHT 查询 (bencode)
var dhtPing = []byte("d1:ad2:id20:abcdefghij0123456789e1:q4:ping1:t2:aa1:y1:qe")

func TestListenerForeignDatagram(t *testing.T) {
	n := newMemNetwork()
	got := make(chan []byte, 4)
	opts := fastOptions()
	opts.OnUnrecognized = func(data []byte, from net.Addr) {
		got <- append([]byte(nil), data...)
	}
	l := newMemListener(t, n, opts)
	stranger := n.listen()

	stranger.WriteTo(dhtPing, l.Addr())

	select {
	case data := <-got:
		if string(data) != string(dhtPing) {
			t.Errorf("转交的数据被改动: %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("其他协议的数据报应转交外部处理")
	}

	snap := l.Stats().Snapshot()
	if snap.Malformed != 0 {
		t.Errorf("Malformed = %d, want 0", snap.Malformed)
	}
	if snap.Unrecognized != 1 {
		t.Errorf("Unrecognized = %d, want 1", snap.Unrecognized)
	}
	if l.Len() != 0 {
		t.Error("不应创建连接")
	}

	// uTP 连接不受影响
	c, _ := dialMem(t, n, l, fastOptions())
	defer c.Abort()
	acceptWithin(t, l)
}

func TestListenerBacklog(t *testing.T) {
	n := newMemNetwork()
	opts := fastOptions()
	opts.AcceptBacklog = 1
	l := newMemListener(t, n, opts)

	c1, _ := dialMem(t, n, l, fastOptions())
	defer c1.Abort()
	waitFor(t, "第一个连接", func() bool { return l.Len() == 1 })

	c2, _ := dialMem(t, n, l, fastOptions())
	defer c2.Abort()
	waitFor(t, "丢弃 SYN", func() bool { return l.Stats().Snapshot().SynDropped > 0 })
	if l.Len() != 1 {
		t.Errorf("积压已满时不应创建连接, Len=%d", l.Len())
	}

	// 取走一个后，重传的 SYN 被接受
	acceptWithin(t, l)
	acceptWithin(t, l)
	if err := c2.WaitConnected(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSynTombstone(t *testing.T) {
	n := newMemNetwork()
	unrecognized := make(chan struct{}, 4)
	opts := fastOptions()
	opts.SynTombstone = true
	opts.OnUnrecognized = func(data []byte, from net.Addr) {
		if pkt, err := protocol.Decode(data); err == nil && pkt.Type == protocol.TypeSyn {
			unrecognized <- struct{}{}
		}
	}
	l := newMemListener(t, n, opts)
	raw := n.listen()

	syn := (&protocol.Packet{Type: protocol.TypeSyn, ConnectionID: 300, Seq: 10}).Encode()
	raw.WriteTo(syn, l.Addr())
	sc := acceptWithin(t, l)
	sc.Abort()
	waitFor(t, "注销连接", func() bool { return l.Len() == 0 })

	raw.WriteTo(syn, l.Addr())
	select {
	case <-unrecognized:
	case <-time.After(2 * time.Second):
		t.Fatal("迟到的 SYN 应转交外部处理")
	}
	if l.Stats().Snapshot().ConnsAccepted != 1 {
		t.Error("墓碑命中时不应新建连接")
	}
}

func TestDialerFiltersPrivateSocket(t *testing.T) {
	n := newMemNetwork()
	pc := n.listen()
	nowhere := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}

	got := make(chan net.Addr, 4)
	opts := fastOptions()
	opts.Stats = &Stats{}
	opts.OnUnrecognized = func(data []byte, from net.Addr) {
		got <- from
	}
	c, err := DialPacketConn(pc, nowhere, opts)
	if err != nil {
		t.Fatal(err)
	}
	if c.RecvID() != uint16(pc.addr.Port) || c.SendID() != c.RecvID()+1 {
		t.Errorf("ID 应取本地端口: recv=%d send=%d", c.RecvID(), c.SendID())
	}

	stranger := n.listen()
	syn := (&protocol.Packet{Type: protocol.TypeSyn, ConnectionID: c.RecvID()}).Encode()
	stranger.WriteTo(syn, pc.LocalAddr())
	foreign := (&protocol.Packet{Type: protocol.TypeState, ConnectionID: c.RecvID() + 5}).Encode()
	stranger.WriteTo(foreign, pc.LocalAddr())

	select {
	case from := <-got:
		if from.String() != stranger.LocalAddr().String() {
			t.Errorf("来源地址错误: %s", from)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ID 不匹配的包应转交外部处理")
	}
	select {
	case <-got:
		t.Error("SYN 应被忽略而不是转交")
	case <-time.After(50 * time.Millisecond):
	}
	if c.State() != StateConnecting {
		t.Errorf("状态应保持 CONNECTING, got %s", c.State())
	}

	stranger.WriteTo(dhtPing, pc.LocalAddr())
	select {
	case from := <-got:
		if from.String() != stranger.LocalAddr().String() {
			t.Errorf("来源地址错误: %s", from)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("私有 socket 上其他协议的数据报应转交外部处理")
	}
	if m := opts.Stats.Snapshot().Malformed; m != 0 {
		t.Errorf("Malformed = %d, want 0", m)
	}

	c.Abort()
	if pc.isClosed() {
		t.Error("私有 socket 应在宽限期后才关闭")
	}
	waitFor(t, "宽限期后关闭 socket", pc.isClosed)
}

func TestDialContextTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// 没有监听者，握手不会完成
	_, err := DialContext(ctx, "udp", "127.0.0.1:1", fastOptions())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("期望 DeadlineExceeded, got %v", err)
	}
}
