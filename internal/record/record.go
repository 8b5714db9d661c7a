// Package record persists captured frames as a stream of CBOR records.
// Encoding and disk writes happen on one worker goroutine behind a
// bounded queue, so the capture path never waits on storage.
package record

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
	"github.com/ZiakasSt/CAN-Sniffer/internal/metrics"
)

const defaultQueueDepth = 256

// Record is one captured frame as stored on disk. Integer keys keep the
// per-frame overhead small.
type Record struct {
	Stamp    int64  `cbor:"1,keyasint"` // unix milliseconds at capture
	ID       uint32 `cbor:"2,keyasint"`
	Len      uint8  `cbor:"3,keyasint"`
	Data     []byte `cbor:"4,keyasint"`
	Extended bool   `cbor:"5,keyasint,omitempty"`
	Remote   bool   `cbor:"6,keyasint,omitempty"`
}

type item struct {
	f  can.Frame
	at time.Time
}

// Recorder writes capture files. All fields past the queue belong to the
// worker goroutine.
type Recorder struct {
	ch     chan item
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	w      io.WriteCloser
	enc    *cbor.Encoder
	logger *slog.Logger

	path    string // empty when writing to a caller-supplied writer
	seq     int
	perFile uint64 // rotation threshold in frames, zero disables
	written uint64 // frames in the current file
	total   uint64
}

type Option func(*Recorder)

// WithQueueDepth sets how many frames may wait for the disk worker.
func WithQueueDepth(n int) Option {
	return func(r *Recorder) { r.ch = make(chan item, n) }
}

// WithRotateEvery starts a new file after this many frames. Rotation
// needs a path, so it has no effect on a caller-supplied writer.
func WithRotateEvery(frames uint64) Option {
	return func(r *Recorder) { r.perFile = frames }
}

// New records into w.
func New(w io.WriteCloser, opts ...Option) *Recorder {
	r := &Recorder{
		ch:     make(chan item, defaultQueueDepth),
		done:   make(chan struct{}),
		w:      w,
		logger: logging.L(),
	}
	for _, o := range opts {
		o(r)
	}
	r.enc = cbor.NewEncoder(r.w)
	r.wg.Add(1)
	go r.loop()
	return r
}

// Open creates or truncates path and records into it.
func Open(path string, opts ...Option) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("record open: %w", err)
	}
	logging.L().Info("record_open", "path", path)
	r := New(f, opts...)
	r.path = path
	return r, nil
}

// Publish queues one frame for persistence. A full queue drops the frame
// rather than stalling the caller.
func (r *Recorder) Publish(f can.Frame) {
	if r.closed.Load() {
		return
	}
	select {
	case r.ch <- item{f: f, at: time.Now()}:
	default:
		metrics.IncRecordDrop()
	}
}

// Close drains everything already queued to disk and closes the file.
func (r *Recorder) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	close(r.done)
	r.wg.Wait()
	r.logger.Info("record_closed", "frames", r.total)
	if r.w == nil {
		return nil
	}
	return r.w.Close()
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case it := <-r.ch:
			r.write(it)
		case <-r.done:
			for {
				select {
				case it := <-r.ch:
					r.write(it)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(it item) {
	if r.w == nil {
		metrics.IncRecordDrop()
		return
	}
	rec := Record{
		Stamp:    it.at.UnixMilli(),
		ID:       it.f.CANID & can.CAN_EFF_MASK,
		Len:      it.f.Len,
		Data:     it.f.Payload(),
		Extended: it.f.Extended(),
		Remote:   it.f.Remote(),
	}
	if err := r.enc.Encode(rec); err != nil {
		metrics.IncError(metrics.ErrRecordWrite)
		r.logger.Warn("record_write_error", "error", err)
		return
	}
	metrics.IncRecorded()
	r.written++
	r.total++
	if r.perFile > 0 && r.path != "" && r.written >= r.perFile {
		r.rotate()
	}
}

// rotate closes the active file, renames it with the next sequence
// suffix and reopens the base path fresh.
func (r *Recorder) rotate() {
	_ = r.w.Close()
	r.seq++
	if err := os.Rename(r.path, fmt.Sprintf("%s.%d", r.path, r.seq)); err != nil {
		r.logger.Warn("record_rotate_error", "error", err)
	}
	f, err := os.Create(r.path)
	if err != nil {
		metrics.IncError(metrics.ErrRecordWrite)
		r.logger.Error("record_reopen_error", "path", r.path, "error", err)
		r.w = nil
		return
	}
	r.w = f
	r.enc = cbor.NewEncoder(f)
	r.written = 0
	r.logger.Info("record_rotated", "path", r.path, "seq", r.seq)
}

// ReadAll decodes every record in a capture stream, typically a file
// written by this package.
func ReadAll(rd io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(rd)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, rec)
	}
}
