// Package device holds the pieces shared by the CAN device backends.
package device

import (
	"sync"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
)

// DefaultQueueDepth matches a typical controller receive FIFO.
const DefaultQueueDepth = 64

// Queue models a controller receive FIFO of fixed depth. Backends feed it
// from their transport goroutine; the capture path drains it from inside
// the receive notification. A full queue drops the incoming frame and
// latches the overrun flag, like hardware does.
type Queue struct {
	mu      sync.Mutex
	frames  []can.Frame
	head    int
	count   int
	overrun bool
	notify  func()
}

// NewQueue allocates a queue. Depth values below 1 select
// DefaultQueueDepth.
func NewQueue(depth int) *Queue {
	if depth < 1 {
		depth = DefaultQueueDepth
	}
	return &Queue{frames: make([]can.Frame, depth)}
}

// Put stores one received frame and fires the armed notification, once per
// frame, the way a per-message receive interrupt would. When the queue is
// full the frame is dropped and the overrun flag latched; the notification
// still fires so the drain side can observe the flag promptly.
func (q *Queue) Put(f can.Frame) bool {
	q.mu.Lock()
	ok := q.count < len(q.frames)
	if ok {
		q.frames[(q.head+q.count)%len(q.frames)] = f
		q.count++
	} else {
		q.overrun = true
	}
	fn := q.notify
	q.mu.Unlock()

	if fn != nil {
		fn()
	}
	return ok
}

// Get removes the oldest frame.
func (q *Queue) Get() (can.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return can.Frame{}, false
	}
	f := q.frames[q.head]
	q.head = (q.head + 1) % len(q.frames)
	q.count--
	return f, true
}

// Fill returns the number of frames waiting in the queue.
func (q *Queue) Fill() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// TakeOverrun reports whether a frame was dropped since the last call and
// clears the flag.
func (q *Queue) TakeOverrun() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := q.overrun
	q.overrun = false
	return v
}

// SetNotify arms fn as the receive notification. A nil fn disarms it.
// The callback runs on the goroutine that called Put, after the frame is
// stored and the lock released, so it may call Get and Fill freely.
func (q *Queue) SetNotify(fn func()) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

// Clear drops all queued frames and the overrun flag.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.head = 0
	q.count = 0
	q.overrun = false
	q.mu.Unlock()
}
