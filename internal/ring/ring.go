// Package ring provides the bounded frame queue between the receive
// callback and the forwarder.
//
// The buffer is single-producer single-consumer: exactly one goroutine
// calls Push (the device receive callback) and exactly one calls Pop and
// TakeLost (the forwarder). Under that discipline no locking is needed;
// the indices are published atomically and each side mutates only its own.
package ring

import (
	"sync/atomic"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
)

// DefaultCapacity is the number of slots allocated when none is given.
const DefaultCapacity = 256

// Buffer is a fixed-size frame ring. One slot is kept unused so that
// head==tail always means empty; usable capacity is one less than the
// allocated slot count.
type Buffer struct {
	slots []can.Frame
	mask  uint32

	head atomic.Uint32 // next write slot, advanced only by the producer
	tail atomic.Uint32 // next read slot, advanced only by the consumer
	lost atomic.Bool   // a Push was refused since the last TakeLost
}

// New allocates a buffer with at least the requested capacity, rounded up
// to a power of two. Values below 2 select DefaultCapacity.
func New(capacity int) *Buffer {
	n := uint32(DefaultCapacity)
	if capacity >= 2 {
		n = 1
		for n < uint32(capacity) {
			n <<= 1
		}
	}
	return &Buffer{slots: make([]can.Frame, n), mask: n - 1}
}

// Push appends a frame. It never blocks: when the buffer is full the frame
// is discarded, the loss flag is raised and Push returns false. Producer
// side only.
func (b *Buffer) Push(f can.Frame) bool {
	head := b.head.Load()
	next := (head + 1) & b.mask
	if next == b.tail.Load() {
		b.lost.Store(true)
		return false
	}
	b.slots[head] = f
	b.head.Store(next)
	return true
}

// Pop removes the oldest frame. It returns false when the buffer is empty.
// Consumer side only.
func (b *Buffer) Pop() (can.Frame, bool) {
	tail := b.tail.Load()
	if tail == b.head.Load() {
		return can.Frame{}, false
	}
	f := b.slots[tail]
	b.tail.Store((tail + 1) & b.mask)
	return f, true
}

// TakeLost reports whether any frame was dropped since the previous call
// and clears the flag. Consumer side only.
func (b *Buffer) TakeLost() bool { return b.lost.Swap(false) }

// Len returns the number of buffered frames. Exact only while neither side
// is running.
func (b *Buffer) Len() int {
	return int((b.head.Load() - b.tail.Load()) & b.mask)
}

// Cap returns the number of frames the buffer can hold.
func (b *Buffer) Cap() int { return len(b.slots) - 1 }

// Reset discards all buffered frames and clears the loss flag. The caller
// must have quiesced the producer first.
func (b *Buffer) Reset() {
	b.head.Store(0)
	b.tail.Store(0)
	b.lost.Store(false)
}
