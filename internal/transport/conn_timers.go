// =============================================================================
// 文件: internal/transport/conn_timers.go
// 描述: uTP 连接 - 超时重传与保活
// =============================================================================
package transport

import (
	"time"

	"github.com/mrcgq/utp/internal/clock"
)

// retransmitLoop 周期扫描在途包
func (c *Conn) retransmitLoop() {
	ticker := time.NewTicker(c.opts.RetransmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.resendCheck()
		}
	}
}

// keepaliveLoop 周期保活
func (c *Conn) keepaliveLoop() {
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.keepAliveCheck()
		}
	}
}

// resendCheck 最老的在途包超时后，重传所有超时的在途包
// 固定超时，无退避
func (c *Conn) resendCheck() int {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateClosed || c.inflight == 0 {
		return 0
	}

	timeout := uint32(c.opts.RetransmitTimeout / time.Microsecond)
	now := c.clk.Now()
	base := c.seq - uint16(c.inflight)

	first := c.outgoing.Get(base)
	if first == nil || clock.Since(c.clk, first.sent) < timeout {
		return 0
	}

	resent := 0
	for i := 0; i < c.inflight && c.state != StateClosed; i++ {
		s := c.outgoing.Get(base + uint16(i))
		if s == nil || clock.Since(c.clk, s.sent) < timeout {
			continue
		}
		s.sent = now
		if c.transmitLocked(s.pkt) {
			c.stats.inc(&c.stats.retransmits)
			resent++
		}
	}

	if resent > 0 {
		c.log.WithField("count", resent).Debug("超时重传")
	}
	return resent
}

// keepAliveCheck 上个周期内没有发送过任何包则发一个纯确认
func (c *Conn) keepAliveCheck() bool {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateConnected {
		return false
	}
	if c.alive {
		c.alive = false
		return false
	}

	c.stats.inc(&c.stats.keepAlives)
	c.sendAckLocked()
	return true
}
