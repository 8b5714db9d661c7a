//go:build linux

// Package socketcan captures frames from a Linux SocketCAN interface
// through a raw AF_CAN socket. Bit timing belongs to the kernel here: the
// link is clocked by ip link, so ApplyTiming verifies the requested rate
// against the declared link rate instead of programming hardware.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
	"github.com/ZiakasSt/CAN-Sniffer/internal/device"
	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
	"github.com/ZiakasSt/CAN-Sniffer/internal/metrics"
)

// ErrRateMismatch reports a timing request that disagrees with the rate
// the link was declared to run at.
var ErrRateMismatch = errors.New("socketcan: interface runs a different bit rate")

const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond

	// readTimeout is the SO_RCVTIMEO on the raw socket. It bounds how
	// long Stop waits for the RX goroutine to notice the stop channel.
	readTimeout = 200 * time.Millisecond
)

// sleepFn is swapped in tests.
var sleepFn = time.Sleep

// conn is the raw-socket surface the adapter drives. *rawConn implements
// it over an AF_CAN file descriptor; tests substitute a fake.
type conn interface {
	read(buf []byte) (int, error)
	setFilter(id, mask uint32) error
	drain()
	close() error
}

// Adapter owns one raw CAN socket and feeds received frames into a
// receive FIFO with per-frame notification.
type Adapter struct {
	conn   conn
	queue  *device.Queue
	logger *slog.Logger

	// linkRate is the bit rate the interface was declared to run at.
	// Zero means unchecked: every timing request is accepted, which
	// makes manual configuration work but rate probing meaningless.
	linkRate uint32

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Adapter)

// WithBitrate declares the rate the interface is clocked at. Timing
// requests for any other rate are refused, which is what lets rate
// probing find the true one.
func WithBitrate(rate uint32) Option {
	return func(a *Adapter) { a.linkRate = rate }
}

// WithQueueDepth sets the receive FIFO depth.
func WithQueueDepth(n int) Option {
	return func(a *Adapter) { a.queue = device.NewQueue(n) }
}

// Open binds a raw CAN socket to the named interface.
func Open(iface string, opts ...Option) (*Adapter, error) {
	c, err := dial(iface)
	if err != nil {
		return nil, err
	}
	logging.L().Info("socketcan_open", "if", iface)
	return newAdapter(c, opts...), nil
}

func newAdapter(c conn, opts ...Option) *Adapter {
	a := &Adapter{
		conn:   c,
		queue:  device.NewQueue(64),
		logger: logging.L(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ApplyTiming checks the requested rate against the declared link rate
// and flushes the receive FIFO. The kernel owns the actual timing.
func (a *Adapter) ApplyTiming(e can.BitTimingEntry) error {
	if a.linkRate != 0 && e.Bitrate != a.linkRate {
		return fmt.Errorf("%w: asked for %d, link runs %d", ErrRateMismatch, e.Bitrate, a.linkRate)
	}
	a.queue.Clear()
	return nil
}

// SetFilter installs a single kernel-side CAN_RAW_FILTER. The kernel
// matches (can_id & mask) == (id & mask), so a zero mask accepts all.
func (a *Adapter) SetFilter(id, mask uint32) error {
	id &= can.CAN_SFF_MASK
	mask &= can.CAN_SFF_MASK
	if err := a.conn.setFilter(id, mask); err != nil {
		metrics.IncError(metrics.ErrDeviceSetup)
		return fmt.Errorf("CAN_RAW_FILTER: %w", err)
	}
	return nil
}

// Start discards frames the kernel buffered while reception was off and
// launches the RX goroutine.
func (a *Adapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.conn.drain()
	a.stop = make(chan struct{})
	a.running = true
	a.wg.Add(1)
	go a.pump(a.stop)
	return nil
}

// Stop ends reception. When it returns the RX goroutine has exited, so
// no further frames or notifications can arrive.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	close(a.stop)
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}

func (a *Adapter) SetNotify(fn func())          { a.queue.SetNotify(fn) }
func (a *Adapter) Fill() int                    { return a.queue.Fill() }
func (a *Adapter) ReadFrame() (can.Frame, bool) { return a.queue.Get() }
func (a *Adapter) TakeOverrun() bool            { return a.queue.TakeOverrun() }

// Close stops reception and releases the socket.
func (a *Adapter) Close() error {
	_ = a.Stop()
	return a.conn.close()
}

// pump reads raw frames until the stop channel closes. Read timeouts are
// the normal idle case; other errors back off exponentially.
func (a *Adapter) pump(stop chan struct{}) {
	defer a.wg.Done()
	defer a.logger.Info("socketcan_rx_end")
	var buf [unix.CAN_MTU]byte
	backoff := rxBackoffMin
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := a.conn.read(buf[:])
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if err == unix.EAGAIN || err == unix.EINTR {
				continue // SO_RCVTIMEO expired, poll stop again
			}
			metrics.IncError(metrics.ErrDeviceRead)
			a.logger.Warn("socketcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		f, err := decodeFrame(buf[:n])
		if err != nil {
			metrics.IncMalformed()
			a.logger.Debug("socketcan_bad_frame", "error", err)
			continue
		}
		a.queue.Put(f)
		backoff = rxBackoffMin
	}
}

// decodeFrame unpacks a classic can_frame:
//
//	can_id  u32  [0:4]   includes EFF/RTR/ERR flags
//	can_dlc u8   [4]
//	pad          [5:8]
//	data    [8]  [8:16]
//
// The kernel hands fields over in host byte order; little-endian covers
// the platforms this runs on.
func decodeFrame(buf []byte) (can.Frame, error) {
	var f can.Frame
	if len(buf) != unix.CAN_MTU {
		return f, fmt.Errorf("can_frame is %d bytes, want %d", len(buf), unix.CAN_MTU)
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	if id&can.CAN_ERR_FLAG != 0 {
		return f, fmt.Errorf("error frame 0x%08X", id)
	}
	n := int(buf[4])
	if n > 8 {
		n = 8
	}
	f.CANID = id
	f.Len = uint8(n)
	copy(f.Data[:], buf[8:8+n])
	return f, nil
}

// rawConn is the production conn over an AF_CAN raw socket.
type rawConn struct {
	fd int
}

func dial(iface string) (*rawConn, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	tv := unix.NsecToTimeval(int64(readTimeout))
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set SO_RCVTIMEO: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &rawConn{fd: fd}, nil
}

func (c *rawConn) read(buf []byte) (int, error) {
	return unix.Read(c.fd, buf)
}

func (c *rawConn) setFilter(id, mask uint32) error {
	f := []unix.CanFilter{{Id: id, Mask: mask}}
	return unix.SetsockoptCanRawFilter(c.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, f)
}

// drain empties the kernel-side socket buffer without blocking.
func (c *rawConn) drain() {
	var buf [unix.CAN_MTU]byte
	for {
		n, _, err := unix.Recvfrom(c.fd, buf[:], unix.MSG_DONTWAIT)
		if n <= 0 || err != nil {
			return
		}
	}
}

func (c *rawConn) close() error { return unix.Close(c.fd) }
