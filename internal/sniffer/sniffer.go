// Package sniffer holds the capture engine: stored bus configuration,
// manual and automatic bit-rate setup, the receive path from the device
// FIFO into the capture buffer, and the forwarder that drains it.
package sniffer

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
	"github.com/ZiakasSt/CAN-Sniffer/internal/metrics"
	"github.com/ZiakasSt/CAN-Sniffer/internal/ring"
)

const (
	// DefaultDwell is how long one detection probe listens for traffic.
	DefaultDwell = 1500 * time.Millisecond
	// notifyDrainLimit bounds the frames moved per receive notification so
	// a flooded bus cannot monopolize the device goroutine.
	notifyDrainLimit = 32
)

// sleepFn is swapped out in tests to avoid real dwell delays.
var sleepFn = time.Sleep

// Status reports the stored bus configuration. FilterID and MaskID are
// kept even while Configured is false.
type Status struct {
	Configured bool
	Bitrate    uint32
	FilterID   uint32
	MaskID     uint32
}

// Printer is the text surface frames, notices and status lines are
// written to.
type Printer interface {
	Printf(format string, args ...any)
	Noticef(format string, args ...any)
}

type nopPrinter struct{}

func (nopPrinter) Printf(string, ...any)  {}
func (nopPrinter) Noticef(string, ...any) {}

// FrameSink receives every forwarded frame. Sinks must not block.
type FrameSink func(can.Frame)

// Sniffer owns one CAN device and the capture state machine around it.
// Configuration calls, Start, Stop and DrainAndReport belong to the
// control goroutine; the device's receive goroutine only runs the ingest
// notification.
type Sniffer struct {
	dev     Device
	table   can.TimingTable
	buf     *ring.Buffer
	printer Printer
	sinks   []FrameSink
	dwell   time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	status  Status
	timing  can.BitTimingEntry
	running bool

	hwLost atomic.Bool
}

type Option func(*Sniffer)

// WithTable replaces the compiled-in bit timing table.
func WithTable(t can.TimingTable) Option {
	return func(s *Sniffer) {
		if len(t) > 0 {
			s.table = t
		}
	}
}

// WithDwell sets how long one detection probe waits for traffic.
func WithDwell(d time.Duration) Option {
	return func(s *Sniffer) {
		if d > 0 {
			s.dwell = d
		}
	}
}

// WithRingSize sets the capture buffer capacity.
func WithRingSize(n int) Option {
	return func(s *Sniffer) {
		if n > 0 {
			s.buf = ring.New(n)
		}
	}
}

// WithPrinter directs user-facing output.
func WithPrinter(p Printer) Option {
	return func(s *Sniffer) {
		if p != nil {
			s.printer = p
		}
	}
}

// WithSink registers an additional consumer of forwarded frames.
func WithSink(fn FrameSink) Option {
	return func(s *Sniffer) {
		if fn != nil {
			s.sinks = append(s.sinks, fn)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sniffer) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(dev Device, opts ...Option) *Sniffer {
	s := &Sniffer{
		dev:     dev,
		table:   can.DefaultTimings,
		buf:     ring.New(ring.DefaultCapacity),
		printer: nopPrinter{},
		dwell:   DefaultDwell,
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Table returns the timing table in probe order.
func (s *Sniffer) Table() can.TimingTable { return s.table }

// Status returns a copy of the stored configuration.
func (s *Sniffer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Running reports whether capture is active.
func (s *Sniffer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PrintStatus writes the stored configuration to the printer and returns
// it. The filter and mask lines appear even while unconfigured.
func (s *Sniffer) PrintStatus() Status {
	st := s.Status()
	if st.Configured {
		s.printer.Printf("CAN configured.\r\n")
		s.printer.Printf("Baud Rate: %d\r\n", st.Bitrate)
	} else {
		s.printer.Printf("CAN not configured.\r\n")
		s.printer.Printf("Baud Rate not set.\r\n")
	}
	s.printer.Printf("Filter ID: 0x%03x\r\n", st.FilterID)
	s.printer.Printf("Mask ID: 0x%03x\r\n", st.MaskID)
	return st
}

// Configure selects the given bit rate if the table supports it. On a miss
// the configuration is cleared; the stored filter and mask survive either
// way. Nothing touches the device until Start.
func (s *Sniffer) Configure(bitrate uint32) Status {
	e, ok := s.table.Find(bitrate)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.timing = e
		s.status.Configured = true
		s.status.Bitrate = bitrate
	} else {
		s.status.Configured = false
		s.status.Bitrate = 0
	}
	s.logger.Info("configure_manual", "bitrate", bitrate, "ok", ok)
	return s.status
}

// SetFilterMask stores the acceptance filter, truncated to 11 bits. It
// takes effect at the next Start.
func (s *Sniffer) SetFilterMask(filter, mask uint32) Status {
	filter &= can.CAN_SFF_MASK
	mask &= can.CAN_SFF_MASK
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.FilterID = filter
	s.status.MaskID = mask
	s.logger.Info("filter_mask_set", "filter", filter, "mask", mask)
	return s.status
}

// Detect probes every table entry in order until one hears traffic: apply
// the timing, open the bus with an accept-all filter, wait one dwell
// interval and look at the receive FIFO fill. The stored filter and mask
// are not consulted and survive untouched. Capture must be stopped.
func (s *Sniffer) Detect(verbose bool) Status {
	s.logger.Info("detect_start", "entries", len(s.table), "dwell", s.dwell)
	for _, e := range s.table {
		if verbose {
			s.printer.Printf("Trying Baud Rate: %d\r\n", e.Bitrate)
		}
		metrics.IncProbe()
		if s.probe(e) {
			s.mu.Lock()
			s.timing = e
			s.status.Configured = true
			s.status.Bitrate = e.Bitrate
			st := s.status
			s.mu.Unlock()
			s.logger.Info("detect_done", "ok", true, "bitrate", e.Bitrate)
			return st
		}
	}
	s.mu.Lock()
	s.status.Configured = false
	s.status.Bitrate = 0
	st := s.status
	s.mu.Unlock()
	s.logger.Info("detect_done", "ok", false)
	return st
}

// probe listens at one timing for the dwell interval and reports whether
// any frame arrived. The device is left stopped.
func (s *Sniffer) probe(e can.BitTimingEntry) bool {
	if err := s.dev.ApplyTiming(e); err != nil {
		s.deviceError("apply_timing", err)
		return false
	}
	if err := s.dev.SetFilter(0, 0); err != nil {
		s.deviceError("set_filter", err)
		return false
	}
	if err := s.dev.Start(); err != nil {
		s.deviceError("start", err)
		return false
	}
	sleepFn(s.dwell)
	heard := s.dev.Fill() > 0
	if err := s.dev.Stop(); err != nil {
		s.deviceError("stop", err)
	}
	return heard
}

// Start applies the stored timing and filter and begins capture. It
// returns false when no bit rate is configured or the device refuses.
func (s *Sniffer) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Configured {
		return false
	}
	if s.running {
		return true
	}
	if err := s.dev.ApplyTiming(s.timing); err != nil {
		s.deviceError("apply_timing", err)
		return false
	}
	if err := s.dev.SetFilter(s.status.FilterID, s.status.MaskID); err != nil {
		s.deviceError("set_filter", err)
		return false
	}
	if err := s.dev.Start(); err != nil {
		s.deviceError("start", err)
		return false
	}
	s.dev.SetNotify(s.onReceive)
	s.running = true
	s.logger.Info("capture_start",
		"bitrate", s.status.Bitrate,
		"filter", s.status.FilterID,
		"mask", s.status.MaskID)
	return true
}

// Stop halts capture and empties the capture buffer. The stored
// configuration survives. Safe to call at any time, in any state.
func (s *Sniffer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.dev.Stop(); err != nil {
		s.deviceError("stop", err)
	}
	// Reception has ceased and no notification is in flight past this
	// point, per the Device contract, so resetting the buffer is safe.
	s.dev.SetNotify(nil)
	s.buf.Reset()
	s.hwLost.Store(false)
	if s.running {
		s.logger.Info("capture_stop")
	}
	s.running = false
}

// Close stops capture and releases the device.
func (s *Sniffer) Close() error {
	s.Stop()
	return s.dev.Close()
}

func (s *Sniffer) deviceError(op string, err error) {
	metrics.IncError(metrics.ErrDeviceSetup)
	s.logger.Error("device_error", "op", op, "error", err)
}
