// =============================================================================
// 文件: internal/transport/conn_recv.go
// 描述: uTP 连接 - 接收处理与累积确认
// =============================================================================
package transport

import (
	"github.com/mrcgq/utp/internal/protocol"
)

// handlePacket 处理一个已解码的包
// 返回 false 表示未处理 (连接已关闭或无关的 SYN)，由上层转交其他协议
func (c *Conn) handlePacket(pkt *protocol.Packet) bool {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateClosed {
		return false
	}

	switch pkt.Type {
	case protocol.TypeReset:
		c.stats.inc(&c.stats.resetsReceived)
		c.log.Debug("收到 RESET")
		c.reset = true
		c.pushEOFLocked()
		c.markReadEndedLocked()
		c.destroyLocked(nil)
		return true

	case protocol.TypeSyn:
		// 对端没收到 SYN-ACK，原样重发缓存
		if c.synack == nil {
			return false
		}
		c.stats.inc(&c.stats.duplicateSyns)
		c.transmitLocked(c.synack)
		return true
	}

	if c.state == StateConnecting {
		if pkt.Type != protocol.TypeState {
			// 握手未完成，无法判断顺序，先按 seq 暂存
			c.incoming.Put(pkt.Seq, pkt)
			return true
		}

		c.ack = pkt.Seq - 1
		c.recvAckLocked(pkt.Ack)
		c.state = StateConnected
		close(c.connected)
		c.log.Debug("连接已建立")
		c.tryFinLocked()

		if early := c.incoming.Del(pkt.Seq); early != nil {
			c.processLocked(early)
		}
		return true
	}

	c.processLocked(pkt)
	return true
}

// processLocked CONNECTED 状态下的接收流程
func (c *Conn) processLocked(pkt *protocol.Packet) {
	if c.state == StateClosed {
		return
	}

	// 窗口外 (过旧或远超前) 只回确认
	d := pkt.Seq - c.ack
	if int(d) >= c.incoming.Size() {
		c.stats.inc(&c.stats.stalePackets)
		c.sendAckLocked()
		return
	}

	c.recvAckLocked(pkt.Ack)
	if pkt.Type == protocol.TypeState {
		return
	}

	if d == 0 {
		// 已交付过的重复包
		c.stats.inc(&c.stats.stalePackets)
	} else {
		c.incoming.Put(pkt.Seq, pkt)
	}

	gotFin := false
	for {
		next := c.incoming.Del(c.ack + 1)
		if next == nil {
			break
		}
		if next.Seq != c.ack+1 {
			continue
		}
		c.ack++

		switch next.Type {
		case protocol.TypeData:
			c.pushDataLocked(next.Payload)
		case protocol.TypeFin:
			c.log.Debug("收到 FIN")
			c.pushEOFLocked()
			gotFin = true
		}
	}

	// 先确认 FIN 再计入关闭握手，销毁后监听器可能立即释放 socket
	c.sendAckLocked()
	if gotFin {
		c.markReadEndedLocked()
	}
}

// recvAckLocked 累积确认
// 越界确认直接忽略，保证在途计数不为负且单次最多移除 size-1 个
func (c *Conn) recvAckLocked(ack uint16) {
	base := c.seq - uint16(c.inflight)
	acked := int(ack - base + 1)

	if acked >= c.outgoing.Size() || acked > c.inflight {
		c.stats.inc(&c.stats.ignoredAcks)
		return
	}

	for i := 0; i < acked; i++ {
		c.outgoing.Del(base + uint16(i))
		c.inflight--
	}

	if c.inflight == 0 {
		c.onFlushLocked()
	}
}
