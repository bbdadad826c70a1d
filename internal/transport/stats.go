// =============================================================================
// 文件: internal/transport/stats.go
// 描述: 传输层统计 (原子计数，供 metrics 拉取)
// =============================================================================
package transport

import "sync/atomic"

// Stats 一个监听器或一组拨号连接共享的计数器
type Stats struct {
	packetsSent     uint64
	packetsReceived uint64
	bytesSent       uint64
	bytesReceived   uint64
	retransmits     uint64
	keepAlives      uint64
	duplicateSyns   uint64
	resetsSent      uint64
	resetsReceived  uint64
	malformed       uint64
	unrecognized    uint64
	ignoredAcks     uint64
	stalePackets    uint64
	synDropped      uint64
	sendErrors      uint64

	connsAccepted uint64
	connsDialed   uint64
	connsActive   int64
}

// StatsSnapshot 统计快照
type StatsSnapshot struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Retransmits     uint64
	KeepAlives      uint64
	DuplicateSyns   uint64
	ResetsSent      uint64
	ResetsReceived  uint64
	Malformed       uint64
	Unrecognized    uint64
	IgnoredAcks     uint64
	StalePackets    uint64
	SynDropped      uint64
	SendErrors      uint64

	ConnsAccepted uint64
	ConnsDialed   uint64
	ConnsActive   int64
}

// Snapshot 读取当前值
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsSent:     atomic.LoadUint64(&s.packetsSent),
		PacketsReceived: atomic.LoadUint64(&s.packetsReceived),
		BytesSent:       atomic.LoadUint64(&s.bytesSent),
		BytesReceived:   atomic.LoadUint64(&s.bytesReceived),
		Retransmits:     atomic.LoadUint64(&s.retransmits),
		KeepAlives:      atomic.LoadUint64(&s.keepAlives),
		DuplicateSyns:   atomic.LoadUint64(&s.duplicateSyns),
		ResetsSent:      atomic.LoadUint64(&s.resetsSent),
		ResetsReceived:  atomic.LoadUint64(&s.resetsReceived),
		Malformed:       atomic.LoadUint64(&s.malformed),
		Unrecognized:    atomic.LoadUint64(&s.unrecognized),
		IgnoredAcks:     atomic.LoadUint64(&s.ignoredAcks),
		StalePackets:    atomic.LoadUint64(&s.stalePackets),
		SynDropped:      atomic.LoadUint64(&s.synDropped),
		SendErrors:      atomic.LoadUint64(&s.sendErrors),
		ConnsAccepted:   atomic.LoadUint64(&s.connsAccepted),
		ConnsDialed:     atomic.LoadUint64(&s.connsDialed),
		ConnsActive:     atomic.LoadInt64(&s.connsActive),
	}
}

func (s *Stats) sent(n int) {
	atomic.AddUint64(&s.packetsSent, 1)
	atomic.AddUint64(&s.bytesSent, uint64(n))
}

func (s *Stats) received(n int) {
	atomic.AddUint64(&s.packetsReceived, 1)
	atomic.AddUint64(&s.bytesReceived, uint64(n))
}

func (s *Stats) inc(p *uint64) {
	atomic.AddUint64(p, 1)
}

func (s *Stats) connOpened(role Role) {
	if role == RoleAcceptor {
		atomic.AddUint64(&s.connsAccepted, 1)
	} else {
		atomic.AddUint64(&s.connsDialed, 1)
	}
	atomic.AddInt64(&s.connsActive, 1)
}

func (s *Stats) connClosed() {
	atomic.AddInt64(&s.connsActive, -1)
}
