package slcan

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
	"github.com/ZiakasSt/CAN-Sniffer/internal/device"
	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
	"github.com/ZiakasSt/CAN-Sniffer/internal/metrics"
)

var (
	// ErrUnsupportedBitrate marks a table entry the adapter cannot do.
	ErrUnsupportedBitrate = errors.New("slcan: bit rate not expressible")
	// ErrPortWrite wraps a failed command write.
	ErrPortWrite = errors.New("slcan: port write failed")
)

const (
	readBufSize  = 4096
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Port abstracts the serial line for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openPort is a hook for tests (overridden in unit tests).
var openPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}

// Adapter implements the sniffer device surface over an SLCAN serial
// adapter. Adapter firmwares disagree about the M/m acceptance commands,
// so the 11-bit filter is additionally enforced here on every received
// frame.
type Adapter struct {
	port   Port
	queue  *device.Queue
	parser Parser
	logger *slog.Logger

	listenOnly bool

	// gate orders frame delivery against Start/Stop: the pump holds the
	// read side around each delivery, Stop flips receiving under the
	// write side so its return guarantees no delivery is in flight.
	gate      sync.RWMutex
	receiving bool
	filter    uint32
	mask      uint32

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Adapter)

// WithListenOnly opens the channel without acknowledging bus traffic.
func WithListenOnly(v bool) Option {
	return func(a *Adapter) { a.listenOnly = v }
}

// WithQueueDepth sizes the emulated receive FIFO.
func WithQueueDepth(n int) Option {
	return func(a *Adapter) { a.queue = device.NewQueue(n) }
}

// Open opens the serial device and starts the receive pump.
func Open(name string, baud int, readTimeout time.Duration, opts ...Option) (*Adapter, error) {
	p, err := openPort(name, baud, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open slcan port: %w", err)
	}
	logging.L().Info("slcan_open", "device", name, "baud", baud)
	return New(p, opts...), nil
}

// New wraps an already-open port and starts the receive pump.
func New(p Port, opts ...Option) *Adapter {
	a := &Adapter{
		port:   p,
		queue:  device.NewQueue(device.DefaultQueueDepth),
		logger: logging.L(),
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.wg.Add(1)
	go a.pump()
	return a
}

// pump reads the serial stream, feeds the parser and delivers accepted
// frames into the receive FIFO.
func (a *Adapter) pump() {
	defer a.wg.Done()
	defer a.logger.Info("slcan_rx_end")
	buf := make([]byte, readBufSize)
	backoff := rxBackoffMin
	for {
		select {
		case <-a.closed:
			return
		default:
		}
		n, err := a.port.Read(buf)
		if n > 0 {
			a.parser.Feed(buf[:n], a.deliver)
			backoff = rxBackoffMin
		}
		if err != nil {
			select {
			case <-a.closed:
				return
			default:
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				return // device removed or fatal
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // ignore transient EOF
			}
			metrics.IncError(metrics.ErrDeviceRead)
			a.logger.Warn("slcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}

func (a *Adapter) deliver(f can.Frame) {
	a.gate.RLock()
	defer a.gate.RUnlock()
	if !a.receiving {
		return // channel closed, stale bytes
	}
	if f.ID11()&a.mask != a.filter&a.mask {
		metrics.IncFilterDrop()
		return
	}
	a.queue.Put(f)
}

// send writes one command line to the adapter.
func (a *Adapter) send(cmd []byte) error {
	if _, err := a.port.Write(cmd); err != nil {
		metrics.IncError(metrics.ErrDeviceWrite)
		return fmt.Errorf("%w: %v", ErrPortWrite, err)
	}
	return nil
}

// ApplyTiming closes the channel, programs the rate and clears the FIFO.
func (a *Adapter) ApplyTiming(e can.BitTimingEntry) error {
	cmd, err := SetupCommand(e)
	if err != nil {
		return err
	}
	_ = a.send(CloseCommand()) // make sure setup lands on a closed channel
	if err := a.send(cmd); err != nil {
		return err
	}
	a.queue.Clear()
	return nil
}

// SetFilter stores the 11-bit filter pair and pushes it to the adapter
// best effort. A zero mask accepts everything.
func (a *Adapter) SetFilter(id, mask uint32) error {
	id &= can.CAN_SFF_MASK
	mask &= can.CAN_SFF_MASK
	a.gate.Lock()
	a.filter = id
	a.mask = mask
	a.gate.Unlock()
	for _, cmd := range AcceptanceCommands(id, mask) {
		if err := a.send(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Start opens the channel and begins accepting frames.
func (a *Adapter) Start() error {
	a.gate.Lock()
	a.receiving = true
	a.gate.Unlock()
	if err := a.send(OpenCommand(a.listenOnly)); err != nil {
		a.gate.Lock()
		a.receiving = false
		a.gate.Unlock()
		return err
	}
	return nil
}

// Stop closes the channel. On return no frame delivery is in flight.
func (a *Adapter) Stop() error {
	err := a.send(CloseCommand())
	a.gate.Lock()
	a.receiving = false
	a.gate.Unlock()
	return err
}

func (a *Adapter) SetNotify(fn func())          { a.queue.SetNotify(fn) }
func (a *Adapter) Fill() int                    { return a.queue.Fill() }
func (a *Adapter) ReadFrame() (can.Frame, bool) { return a.queue.Get() }
func (a *Adapter) TakeOverrun() bool            { return a.queue.TakeOverrun() }

// Close stops the pump and releases the port.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		_ = a.send(CloseCommand())
		err = a.port.Close()
		a.wg.Wait()
	})
	return err
}
