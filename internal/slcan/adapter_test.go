package slcan

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
)

// fakePort feeds scripted bytes to the RX pump and records every command
// the adapter writes. Read blocks until the test injects data or the port
// is closed, matching how a real serial port behaves with no traffic.
type fakePort struct {
	mu    sync.Mutex
	wrote bytes.Buffer
	rx    chan []byte
	once  sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{rx: make(chan []byte, 16)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	chunk, ok := <-p.rx
	if !ok {
		return 0, &os.PathError{Op: "read", Path: "fake", Err: errors.New("port closed")}
	}
	return copy(b, chunk), nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wrote.Write(b)
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.rx) })
	return nil
}

func (p *fakePort) inject(s string) { p.rx <- []byte(s) }

func (p *fakePort) pending() int { return len(p.rx) }

// commands returns everything written so far, split on CR.
func (p *fakePort) commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw := strings.TrimSuffix(p.wrote.String(), "\r")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\r")
}

func (p *fakePort) wroteCommand(cmd string) bool {
	for _, c := range p.commands() {
		if c == cmd {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func timing(t *testing.T, bitrate uint32) can.BitTimingEntry {
	t.Helper()
	e, ok := can.DefaultTimings.Find(bitrate)
	if !ok {
		t.Fatalf("no table entry for %d", bitrate)
	}
	return e
}

func TestApplyTimingSendsResetThenSetup(t *testing.T) {
	p := newFakePort()
	a := New(p)
	defer a.Close()

	if err := a.ApplyTiming(timing(t, 500000)); err != nil {
		t.Fatal(err)
	}
	got := p.commands()
	if len(got) != 2 || got[0] != "C" || got[1] != "S6" {
		t.Fatalf("commands=%v", got)
	}
}

func TestApplyTimingFlushesFIFO(t *testing.T) {
	p := newFakePort()
	a := New(p)
	defer a.Close()

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	p.inject("t0861AA\r")
	waitFor(t, "frame queued", func() bool { return a.Fill() == 1 })

	if err := a.ApplyTiming(timing(t, 125000)); err != nil {
		t.Fatal(err)
	}
	if a.Fill() != 0 {
		t.Fatalf("fill=%d after retiming", a.Fill())
	}
}

func TestApplyTimingUnsupportedRate(t *testing.T) {
	p := newFakePort()
	a := New(p)
	defer a.Close()

	err := a.ApplyTiming(timing(t, 5000))
	if !errors.Is(err, ErrUnsupportedBitrate) {
		t.Fatalf("err=%v", err)
	}
	if got := p.commands(); got != nil {
		t.Fatalf("unsupported rate still wrote %v", got)
	}
}

func TestStartStopCommands(t *testing.T) {
	p := newFakePort()
	a := New(p)
	defer a.Close()

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
	got := p.commands()
	if len(got) != 2 || got[0] != "O" || got[1] != "C" {
		t.Fatalf("commands=%v", got)
	}
}

func TestListenOnlyOpen(t *testing.T) {
	p := newFakePort()
	a := New(p, WithListenOnly(true))
	defer a.Close()

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if !p.wroteCommand("L") || p.wroteCommand("O") {
		t.Fatalf("commands=%v", p.commands())
	}
}

func TestFramesFlowToFIFO(t *testing.T) {
	p := newFakePort()
	a := New(p)
	defer a.Close()

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	p.inject("t0862AABB\r")
	waitFor(t, "frame queued", func() bool { return a.Fill() == 1 })

	f, ok := a.ReadFrame()
	if !ok {
		t.Fatal("queue empty")
	}
	if f.CANID != 0x086 || f.Len != 2 || f.Data[0] != 0xAA || f.Data[1] != 0xBB {
		t.Fatalf("frame=%+v", f)
	}
}

func TestStoppedAdapterDiscardsTraffic(t *testing.T) {
	p := newFakePort()
	a := New(p)
	defer a.Close()

	// Traffic before Start must not reach the FIFO. The empty chunk is a
	// barrier: once consumed, the pump has finished parsing the frame.
	p.inject("t7771AA\r")
	p.inject("")
	waitFor(t, "pump to drain", func() bool { return p.pending() == 0 })
	if a.Fill() != 0 {
		t.Fatalf("fill=%d before start", a.Fill())
	}

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	p.inject("t1231BB\r")
	waitFor(t, "frame queued", func() bool { return a.Fill() == 1 })
	f, _ := a.ReadFrame()
	if f.ID11() != 0x123 {
		t.Fatalf("got 0x%03X, want the post-start frame", f.ID11())
	}
}

func TestSoftwareFilterEnforced(t *testing.T) {
	p := newFakePort()
	a := New(p)
	defer a.Close()

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := a.SetFilter(0x100, 0x700); err != nil {
		t.Fatal(err)
	}
	if !p.wroteCommand("M20000000") || !p.wroteCommand("m1FFFFFFF") {
		t.Fatalf("acceptance commands missing: %v", p.commands())
	}

	// 0x299 fails the mask, 0x1FF passes it. Rejection is checked by
	// ordering: the rejected frame arrives first.
	p.inject("t2991AA\rt1FF1BB\r")
	waitFor(t, "accepted frame", func() bool { return a.Fill() == 1 })
	f, _ := a.ReadFrame()
	if f.ID11() != 0x1FF {
		t.Fatalf("got 0x%03X, want 0x1FF", f.ID11())
	}
}

func TestNotifyFiresPerFrame(t *testing.T) {
	p := newFakePort()
	a := New(p)
	defer a.Close()

	var notified atomic.Int32
	a.SetNotify(func() { notified.Add(1) })
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	p.inject("t0011AA\rt0021BB\r")
	waitFor(t, "two notifications", func() bool { return notified.Load() == 2 })
}

func TestCloseShutsDownPump(t *testing.T) {
	p := newFakePort()
	a := New(p)

	// Close waits for the pump, so returning at all proves shutdown.
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if !p.wroteCommand("C") {
		t.Fatalf("no close command: %v", p.commands())
	}
	if err := a.Close(); err != nil {
		t.Fatal("second close must be a no-op")
	}
}

func TestOpenUsesSerialHook(t *testing.T) {
	orig := openPort
	t.Cleanup(func() { openPort = orig })

	var gotName string
	var gotBaud int
	p := newFakePort()
	openPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
		gotName, gotBaud = name, baud
		return p, nil
	}

	a, err := Open("/dev/ttyACM0", 115200, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if gotName != "/dev/ttyACM0" || gotBaud != 115200 {
		t.Fatalf("hook saw %q %d", gotName, gotBaud)
	}
}

func TestOpenPortError(t *testing.T) {
	orig := openPort
	t.Cleanup(func() { openPort = orig })

	openPort = func(string, int, time.Duration) (Port, error) {
		return nil, errors.New("no such device")
	}
	if _, err := Open("/dev/ttyACM9", 115200, 5*time.Millisecond); err == nil {
		t.Fatal("expected open error")
	}
}

// scriptPort returns a scripted error per Read call, then blocks until
// closed. It drives the pump's backoff and fatal-error paths.
type scriptPort struct {
	mu    sync.Mutex
	errs  []error
	reads atomic.Int32
	done  chan struct{}
	once  sync.Once
}

func newScriptPort(errs ...error) *scriptPort {
	return &scriptPort{errs: errs, done: make(chan struct{})}
}

func (p *scriptPort) Read(b []byte) (int, error) {
	p.reads.Add(1)
	p.mu.Lock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		p.mu.Unlock()
		return 0, err
	}
	p.mu.Unlock()
	<-p.done
	return 0, &os.PathError{Op: "read", Path: "script", Err: errors.New("port closed")}
}

func (p *scriptPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *scriptPort) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func TestReadErrorBackoffDoubles(t *testing.T) {
	var mu sync.Mutex
	var slept []time.Duration
	orig := sleepFn
	t.Cleanup(func() { sleepFn = orig })
	sleepFn = func(d time.Duration) {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
	}

	glitch := errors.New("bus glitch")
	p := newScriptPort(glitch, glitch, glitch, glitch, glitch, glitch)
	a := New(p)
	defer a.Close()

	waitFor(t, "six backoff sleeps", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(slept) == 6
	})
	want := []time.Duration{
		20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond,
		160 * time.Millisecond, 320 * time.Millisecond, 500 * time.Millisecond,
	}
	mu.Lock()
	defer mu.Unlock()
	for i, d := range want {
		if slept[i] != d {
			t.Fatalf("sleep[%d]=%v, want %v", i, slept[i], d)
		}
	}
}

func TestReadEOFDoesNotBackOff(t *testing.T) {
	var slept atomic.Int32
	orig := sleepFn
	t.Cleanup(func() { sleepFn = orig })
	sleepFn = func(time.Duration) { slept.Add(1) }

	p := newScriptPort(io.EOF, io.EOF, io.EOF)
	a := New(p)
	defer a.Close()

	waitFor(t, "pump past the EOFs", func() bool { return p.reads.Load() >= 4 })
	if slept.Load() != 0 {
		t.Fatalf("slept %d times on EOF", slept.Load())
	}
}

func TestFatalReadEndsPump(t *testing.T) {
	p := newScriptPort(&os.PathError{Op: "read", Path: "gone", Err: errors.New("unplugged")})
	a := New(p)
	defer a.Close()

	waitFor(t, "fatal read", func() bool { return p.reads.Load() == 1 })
	time.Sleep(10 * time.Millisecond)
	if got := p.reads.Load(); got != 1 {
		t.Fatalf("pump kept reading after fatal error: %d reads", got)
	}
}
