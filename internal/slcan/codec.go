// Package slcan drives a Lawicel-style serial CAN adapter. The wire
// protocol is ASCII lines: one-letter commands and t/T frame records, each
// terminated by CR; the adapter answers CR for success and BEL for a
// rejected command.
package slcan

import (
	"bytes"
	"fmt"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
	"github.com/ZiakasSt/CAN-Sniffer/internal/metrics"
)

const (
	cr  = '\r'
	bel = 0x07

	// maxAccumulate bounds the parser buffer. SLCAN lines are short; a
	// run of this many bytes without a CR is garbage, not a frame.
	maxAccumulate = 256
)

// SetupCommand renders the bit timing as an adapter setup line: one of
// the fixed Sn rate codes where one exists, otherwise an sxxyy BTR pair
// for the usual 16 MHz adapter clock. Rates expressible neither way are
// refused.
func SetupCommand(e can.BitTimingEntry) ([]byte, error) {
	switch e.Bitrate {
	case 10000:
		return []byte("S0\r"), nil
	case 20000:
		return []byte("S1\r"), nil
	case 50000:
		return []byte("S2\r"), nil
	case 100000:
		return []byte("S3\r"), nil
	case 125000:
		return []byte("S4\r"), nil
	case 250000:
		return []byte("S5\r"), nil
	case 500000:
		return []byte("S6\r"), nil
	case 800000:
		return []byte("S7\r"), nil
	case 1000000:
		return []byte("S8\r"), nil
	case 200000:
		return []byte("s0414\r"), nil // BRP=5, TSEG1=5, TSEG2=2
	case 400000:
		return []byte("s0116\r"), nil // BRP=2, TSEG1=7, TSEG2=2
	default:
		return nil, fmt.Errorf("%w: %d bit/s", ErrUnsupportedBitrate, e.Bitrate)
	}
}

// OpenCommand opens the channel. Listen-only keeps the adapter from
// acknowledging frames on the bus.
func OpenCommand(listenOnly bool) []byte {
	if listenOnly {
		return []byte("L\r")
	}
	return []byte("O\r")
}

func CloseCommand() []byte { return []byte("C\r") }

// AcceptanceCommands renders the 11-bit filter and mask as SJA1000
// acceptance registers: the identifier sits in bits 31..21 and a mask
// register bit of one means "don't care", the inverse of ours.
func AcceptanceCommands(filter, mask uint32) [][]byte {
	filter &= can.CAN_SFF_MASK
	mask &= can.CAN_SFF_MASK
	code := filter << 21
	maskReg := ^(mask << 21)
	return [][]byte{
		[]byte(fmt.Sprintf("M%08X\r", code)),
		[]byte(fmt.Sprintf("m%08X\r", maskReg)),
	}
}

// Parser reassembles the adapter byte stream into frames. Command echoes
// and rejections are consumed silently; unparsable lines are counted and
// skipped, with the next CR as the resync point.
type Parser struct {
	acc bytes.Buffer
}

// Feed appends raw bytes and emits every complete frame via out.
func (p *Parser) Feed(data []byte, out func(can.Frame)) {
	p.acc.Write(data)
	for {
		raw := p.acc.Bytes()
		i := bytes.IndexByte(raw, cr)
		if i < 0 {
			if p.acc.Len() > maxAccumulate {
				metrics.IncMalformed()
				p.acc.Reset()
			}
			return
		}
		line := raw[:i]
		p.parseLine(line, out)
		p.acc.Next(i + 1)
	}
}

func (p *Parser) parseLine(line []byte, out func(can.Frame)) {
	// A BEL anywhere marks a rejected command; the rest of the line, if
	// any, still gets a chance.
	for len(line) > 0 && line[0] == bel {
		logging.L().Debug("slcan_command_rejected")
		line = line[1:]
	}
	if len(line) == 0 {
		return // bare CR, a successful command echo
	}
	switch line[0] {
	case 't', 'T', 'r', 'R':
		f, err := parseFrame(line)
		if err != nil {
			metrics.IncMalformed()
			logging.L().Debug("slcan_malformed", "line", string(line), "error", err)
			return
		}
		out(f)
	case 'z', 'Z', 'F', 'V', 'v', 'N':
		// transmit acks and status/version replies, nothing to forward
	default:
		metrics.IncMalformed()
		logging.L().Debug("slcan_malformed", "line", string(line))
	}
}

// parseFrame decodes one t/T/r/R record.
func parseFrame(line []byte) (can.Frame, error) {
	var f can.Frame
	kind := line[0]
	ext := kind == 'T' || kind == 'R'
	remote := kind == 'r' || kind == 'R'

	idLen := 3
	if ext {
		idLen = 8
	}
	if len(line) < 1+idLen+1 {
		return f, fmt.Errorf("short record")
	}
	id, err := parseHexField(line[1 : 1+idLen])
	if err != nil {
		return f, err
	}
	if !ext && id > can.CAN_SFF_MASK {
		return f, fmt.Errorf("standard identifier 0x%X out of range", id)
	}
	if ext && id > can.CAN_EFF_MASK {
		return f, fmt.Errorf("extended identifier 0x%X out of range", id)
	}

	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return f, fmt.Errorf("bad DLC %q", dlc)
	}
	n := int(dlc - '0')

	f.CANID = id
	if ext {
		f.CANID |= can.CAN_EFF_FLAG
	}
	if remote {
		f.CANID |= can.CAN_RTR_FLAG
	}
	f.Len = uint8(n)

	if remote {
		if len(line) != 1+idLen+1 {
			return f, fmt.Errorf("trailing bytes on remote record")
		}
		return f, nil
	}
	if len(line) != 1+idLen+1+2*n {
		return f, fmt.Errorf("payload length mismatch")
	}
	for i := 0; i < n; i++ {
		b, err := parseHexField(line[1+idLen+1+2*i : 1+idLen+1+2*i+2])
		if err != nil {
			return f, err
		}
		f.Data[i] = byte(b)
	}
	return f, nil
}

func parseHexField(s []byte) (uint32, error) {
	var v uint32
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint32(c-'0')
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint32(c-'a'+10)
		case c >= 'A' && c <= 'F':
			v = v<<4 | uint32(c-'A'+10)
		default:
			return 0, fmt.Errorf("bad hex %q", s)
		}
	}
	return v, nil
}
