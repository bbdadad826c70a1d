// =============================================================================
// 文件: internal/clock/clock.go
// 描述: 微秒时钟 (32 位回绕)，可注入，测试使用 Fake
// =============================================================================

package clock

import (
	"sync"
	"time"
)

// Clock 时钟服务
type Clock interface {
	// Now 当前微秒值，模 2^32
	Now() uint32
}

// Since 回绕安全的时间差 (微秒)
func Since(c Clock, then uint32) uint32 {
	return c.Now() - then
}

// Monotonic 基于单调时钟的实现
// 构造时记录一次墙上时间，之后只累加单调流逝量
type Monotonic struct {
	epochMicros uint64
	start       time.Time
}

// New 创建单调时钟
func New() *Monotonic {
	now := time.Now()
	return &Monotonic{
		epochMicros: uint64(now.UnixMicro()),
		start:       now,
	}
}

// Now 实现 Clock
func (m *Monotonic) Now() uint32 {
	elapsed := uint64(time.Since(m.start) / time.Microsecond)
	return uint32(m.epochMicros + elapsed)
}

// Fake 可控时钟
type Fake struct {
	mu  sync.Mutex
	now uint32
}

// NewFake 创建可控时钟
func NewFake(start uint32) *Fake {
	return &Fake{now: start}
}

// Now 实现 Clock
func (f *Fake) Now() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set 设置当前值
func (f *Fake) Set(v uint32) {
	f.mu.Lock()
	f.now = v
	f.mu.Unlock()
}

// Advance 前进 d，超出 32 位时回绕
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now += uint32(d / time.Microsecond)
	f.mu.Unlock()
}
