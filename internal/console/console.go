// Package console implements the operator dialog surface: a byte-oriented
// transport, printf-style output with a bounded formatting buffer, and
// line-buffered input.
package console

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
	"github.com/ZiakasSt/CAN-Sniffer/internal/metrics"
)

const (
	// PrintBufferSize bounds one Printf output. Longer output is cut off
	// silently.
	PrintBufferSize = 128
	// LineBufferSize bounds one input line. Excess bytes before the
	// terminator are discarded silently.
	LineBufferSize = 128
)

// ErrClosed is returned when the transport is no longer usable.
var ErrClosed = errors.New("console: transport closed")

// Transport moves bytes between the dialog and the operator. Transmit
// blocks until the payload is handed off; ReceiveByte blocks until one
// byte arrives.
type Transport interface {
	Transmit(p []byte) error
	ReceiveByte() (byte, error)
}

// IOTransport adapts a plain reader/writer pair (stdio, a serial port, a
// test pipe) to the Transport interface.
type IOTransport struct {
	R io.Reader
	W io.Writer
}

func (t *IOTransport) Transmit(p []byte) error {
	_, err := t.W.Write(p)
	return err
}

func (t *IOTransport) ReceiveByte() (byte, error) {
	var b [1]byte
	for {
		n, err := t.R.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// Console provides formatted output and line input over a Transport.
// Not safe for concurrent use; the dialog owns it.
type Console struct {
	t Transport
}

func New(t Transport) *Console { return &Console{t: t} }

// Printf formats and transmits. Output beyond PrintBufferSize bytes is
// dropped without notice. Transmit failures are logged and counted, not
// returned; the dialog has no useful recovery.
func (c *Console) Printf(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	if len(s) > PrintBufferSize {
		s = s[:PrintBufferSize]
	}
	if err := c.t.Transmit([]byte(s)); err != nil {
		metrics.IncError(metrics.ErrConsoleWrite)
		logging.L().Debug("console_write_failed", "error", err)
	}
}

// ReadLine accumulates bytes until CR or LF and returns the line without
// the terminator. Only the first LineBufferSize bytes are kept. An empty
// line is returned as "".
func (c *Console) ReadLine() (string, error) {
	var b strings.Builder
	for {
		ch, err := c.t.ReceiveByte()
		if err != nil {
			return "", err
		}
		if ch == '\r' || ch == '\n' {
			return b.String(), nil
		}
		if b.Len() < LineBufferSize {
			b.WriteByte(ch)
		}
	}
}

// Banner lines wrapped around diagnostic notices.
const (
	noticeHead = "\n\n\n$$$$$$$$$ DEBUG print START $$$$$$$$$\r\n"
	noticeTail = "$$$$$$$$$ DEBUG print END $$$$$$$$$$$\r\n\n\n"
)

// Noticef transmits a diagnostic message framed between fixed banner
// lines so it stands out from the frame stream.
func (c *Console) Noticef(format string, args ...any) {
	c.Printf(noticeHead)
	c.Printf(format, args...)
	c.Printf(noticeTail)
}

// ParseDec parses an unsigned decimal.
func ParseDec(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// ParseHex parses an unsigned hexadecimal, with or without a 0x prefix.
func ParseHex(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
