// Package sim provides a simulated CAN segment for development and tests.
// The bus carries traffic at one fixed bit rate; reception only hears it
// when the applied timing matches, which makes automatic detection behave
// like it does against real hardware.
package sim

import (
	"sync"
	"time"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
	"github.com/ZiakasSt/CAN-Sniffer/internal/device"
	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
)

const defaultPeriod = 5 * time.Millisecond

// Bus implements the sniffer device surface over a traffic generator.
type Bus struct {
	queue  *device.Queue
	actual uint32
	period time.Duration
	ids    []uint32

	mu      sync.Mutex
	timing  can.BitTimingEntry
	filter  uint32
	mask    uint32
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
	seq     uint32
}

type Option func(*Bus)

// WithPeriod sets the gap between generated frames.
func WithPeriod(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.period = d
		}
	}
}

// WithIdentifiers sets the identifiers the generator cycles through.
func WithIdentifiers(ids []uint32) Option {
	return func(b *Bus) {
		if len(ids) > 0 {
			b.ids = ids
		}
	}
}

// WithQueueDepth sizes the emulated receive FIFO.
func WithQueueDepth(n int) Option {
	return func(b *Bus) { b.queue = device.NewQueue(n) }
}

// NewBus creates a segment whose traffic runs at actualBitrate.
func NewBus(actualBitrate uint32, opts ...Option) *Bus {
	b := &Bus{
		queue:  device.NewQueue(device.DefaultQueueDepth),
		actual: actualBitrate,
		period: defaultPeriod,
		ids:    []uint32{0x0C9, 0x12A, 0x3D1},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) ApplyTiming(e can.BitTimingEntry) error {
	b.mu.Lock()
	b.timing = e
	b.mu.Unlock()
	b.queue.Clear()
	return nil
}

func (b *Bus) SetFilter(id, mask uint32) error {
	b.mu.Lock()
	b.filter = id & can.CAN_SFF_MASK
	b.mask = mask & can.CAN_SFF_MASK
	b.mu.Unlock()
	return nil
}

// Start opens reception. Traffic appears only when the applied timing
// matches the bus rate; a mismatched listener hears nothing.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	b.stop = make(chan struct{})
	if b.timing.Bitrate == b.actual {
		b.wg.Add(1)
		go b.generate(b.stop)
	} else {
		logging.L().Debug("sim_rate_mismatch", "applied", b.timing.Bitrate, "actual", b.actual)
	}
	return nil
}

// Stop halts reception. On return the generator goroutine has exited, so
// no receive notification is running.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stop)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *Bus) SetNotify(fn func())          { b.queue.SetNotify(fn) }
func (b *Bus) Fill() int                    { return b.queue.Fill() }
func (b *Bus) ReadFrame() (can.Frame, bool) { return b.queue.Get() }
func (b *Bus) TakeOverrun() bool            { return b.queue.TakeOverrun() }

func (b *Bus) Close() error { return b.Stop() }

// generate emits one frame per period until stopped. Byte 1 sweeps like a
// slow speed ramp so downstream displays show something plausible.
func (b *Bus) generate(stop <-chan struct{}) {
	defer b.wg.Done()
	t := time.NewTicker(b.period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			b.emitOne()
		}
	}
}

func (b *Bus) emitOne() {
	b.mu.Lock()
	seq := b.seq
	b.seq++
	id := b.ids[int(seq)%len(b.ids)]
	filter, mask := b.filter, b.mask
	b.mu.Unlock()

	if id&mask != filter&mask {
		return // acceptance filter rejects it before the FIFO
	}
	f := can.Frame{CANID: id, Len: 8}
	f.Data[0] = byte(seq)
	f.Data[1] = byte(seq % 181) // speed ramp for downstream displays
	f.Data[2] = byte(seq >> 8)
	b.queue.Put(f)
}
