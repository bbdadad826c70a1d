// =============================================================================
// 文件: internal/transport/tombstone.go
// 描述: 已关闭连接墓碑 - 双布隆过滤器轮换
// 迟到的重复 SYN 命中墓碑时不再新建连接
// =============================================================================
package transport

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	tombstoneExpectedItems = 10000
	tombstoneFalsePositive = 0.0001
)

// tombstones 最近 window ~ 2*window 内关闭的路由键
type tombstones struct {
	mu      sync.Mutex
	cur     *bloom.BloomFilter
	prev    *bloom.BloomFilter
	window  time.Duration
	rotated time.Time
	now     func() time.Time
}

func newTombstones(window time.Duration) *tombstones {
	return &tombstones{
		cur:     bloom.NewWithEstimates(tombstoneExpectedItems, tombstoneFalsePositive),
		prev:    bloom.NewWithEstimates(tombstoneExpectedItems, tombstoneFalsePositive),
		window:  window,
		rotated: time.Now(),
		now:     time.Now,
	}
}

// Add 记录关闭的路由键
func (t *tombstones) Add(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotateLocked()
	t.cur.AddString(key)
}

// Has 是否最近关闭过
func (t *tombstones) Has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotateLocked()
	return t.cur.TestString(key) || t.prev.TestString(key)
}

func (t *tombstones) rotateLocked() {
	elapsed := t.now().Sub(t.rotated)
	if elapsed < t.window {
		return
	}
	if elapsed >= 2*t.window {
		t.prev.ClearAll()
	} else {
		t.prev, t.cur = t.cur, t.prev
	}
	t.cur.ClearAll()
	t.rotated = t.now()
}
