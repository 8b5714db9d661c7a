package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
)

// ErrListen is returned when the console listener cannot be created.
var ErrListen = errors.New("console: listen failed")

// TCP serves the dialog to one remote operator at a time. A new connection
// replaces the current one; Transmit while nobody is attached is silently
// discarded; ReceiveByte waits for the next client.
type TCP struct {
	addr string

	readyOnce sync.Once
	readyCh   chan struct{}

	mu  sync.Mutex
	ln  net.Listener
	cur *tcpClient

	avail     chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	nextConnID atomic.Uint64
}

type tcpClient struct {
	conn net.Conn
	br   *bufio.Reader
	id   uint64
}

func NewTCP(addr string) *TCP {
	return &TCP{
		addr:    addr,
		readyCh: make(chan struct{}),
		avail:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Addr returns the bound listen address once Serve is up.
func (t *TCP) Addr() string { t.mu.Lock(); defer t.mu.Unlock(); return t.addr }

// Ready is closed once the listener is bound.
func (t *TCP) Ready() <-chan struct{} { return t.readyCh }

// Serve accepts operator connections until ctx is done or Close is called.
func (t *TCP) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListen, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.addr = ln.Addr().String()
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.readyCh) })
	logging.L().Info("console_listen", "addr", t.Addr())
	go func() {
		select {
		case <-ctx.Done():
		case <-t.done:
		}
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-t.done:
				return nil
			default:
			}
			if _, ok := err.(net.Error); ok { // transient
				time.Sleep(200 * time.Millisecond)
				continue
			}
			return fmt.Errorf("%w: %v", ErrListen, err)
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(30 * time.Second)
		}
		t.attach(conn)
	}
}

// attach makes conn the current operator, displacing any previous one.
func (t *TCP) attach(conn net.Conn) {
	id := t.nextConnID.Add(1)
	c := &tcpClient{conn: conn, br: bufio.NewReader(conn), id: id}
	t.mu.Lock()
	old := t.cur
	t.cur = c
	t.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
		logging.L().Info("console_client_displaced", "conn_id", old.id)
	}
	logging.L().Info("console_client_connected", "conn_id", id, "remote", conn.RemoteAddr().String())
	select {
	case t.avail <- struct{}{}:
	default:
	}
}

func (t *TCP) detach(c *tcpClient, err error) {
	t.mu.Lock()
	if t.cur == c {
		t.cur = nil
	}
	t.mu.Unlock()
	_ = c.conn.Close()
	logging.L().Info("console_client_closed", "conn_id", c.id, "error", err)
}

func (t *TCP) client() *tcpClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// Transmit writes to the attached operator, dropping the output when no
// one is connected.
func (t *TCP) Transmit(p []byte) error {
	c := t.client()
	if c == nil {
		return nil
	}
	if _, err := c.conn.Write(p); err != nil {
		t.detach(c, err)
		return err
	}
	return nil
}

// ReceiveByte returns the next byte from the attached operator, waiting
// for a connection when none is present.
func (t *TCP) ReceiveByte() (byte, error) {
	for {
		c := t.client()
		if c == nil {
			select {
			case <-t.avail:
				continue
			case <-t.done:
				return 0, ErrClosed
			}
		}
		b, err := c.br.ReadByte()
		if err == nil {
			return b, nil
		}
		t.detach(c, err)
	}
}

// Close shuts the listener and the attached client down.
func (t *TCP) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	t.mu.Lock()
	ln := t.ln
	cur := t.cur
	t.cur = nil
	t.mu.Unlock()
	if cur != nil {
		_ = cur.conn.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

var _ Transport = (*TCP)(nil)
var _ Transport = (*IOTransport)(nil)
