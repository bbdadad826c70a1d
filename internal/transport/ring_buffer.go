// =============================================================================
// 文件: internal/transport/ring_buffer.go
// 描述: 序列号环形缓冲区 (发送待确认 / 接收乱序重组共用)
// =============================================================================
package transport

import "fmt"

// DefaultBufferSize 默认容量，同时决定在途包上限与接收窗口
const DefaultBufferSize = 512

// RingBuffer 按 16 位序列号寻址的稀疏环
// 槽位 = seq & (size-1)，Put 直接覆盖，不做扩容
// 调用方保证同时存活的序列号不超过容量
type RingBuffer[T any] struct {
	slots []*T
	mask  uint16
}

// NewRingBuffer 创建环形缓冲区，size 必须是 2 的幂且不超过 65536
func NewRingBuffer[T any](size int) (*RingBuffer[T], error) {
	if size < 2 || size > 1<<16 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBufferSize, size)
	}
	return &RingBuffer[T]{
		slots: make([]*T, size),
		mask:  uint16(size - 1),
	}, nil
}

// Size 容量
func (b *RingBuffer[T]) Size() int {
	return len(b.slots)
}

// Put 写入 (覆盖旧值)
func (b *RingBuffer[T]) Put(seq uint16, v *T) {
	b.slots[seq&b.mask] = v
}

// Get 查看，不移除
func (b *RingBuffer[T]) Get(seq uint16) *T {
	return b.slots[seq&b.mask]
}

// Del 移除并返回
func (b *RingBuffer[T]) Del(seq uint16) *T {
	idx := seq & b.mask
	v := b.slots[idx]
	b.slots[idx] = nil
	return v
}

// Len 已占用槽位数
func (b *RingBuffer[T]) Len() int {
	n := 0
	for _, v := range b.slots {
		if v != nil {
			n++
		}
	}
	return n
}
