package sniffer

import (
	"fmt"
	"strings"
	"time"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
	"github.com/ZiakasSt/CAN-Sniffer/internal/metrics"
)

// onReceive is the armed receive notification. It runs on the device's
// receive goroutine and must stay short and non-blocking: note a FIFO
// overrun, then move at most notifyDrainLimit frames into the capture
// buffer. A full buffer drops the incoming frame and latches the software
// loss flag inside the ring.
func (s *Sniffer) onReceive() {
	if s.dev.TakeOverrun() {
		s.hwLost.Store(true)
		metrics.IncHwOverflow()
	}
	for i := 0; i < notifyDrainLimit; i++ {
		f, ok := s.dev.ReadFrame()
		if !ok {
			break
		}
		if s.buf.Push(f) {
			metrics.IncCaptured()
		} else {
			metrics.IncSwOverflow()
		}
	}
}

// DrainAndReport empties the capture buffer in arrival order, forwarding
// each frame to the printer and the registered sinks, and returns how many
// frames it moved. Loss since the previous call is reported first, one
// notice per flag. Control goroutine only.
func (s *Sniffer) DrainAndReport() int {
	start := time.Now()
	if s.hwLost.Swap(false) {
		s.printer.Noticef("Hardware CAN FIFO overflow!\r\n")
		s.logger.Warn("hardware_overflow")
	}
	if s.buf.TakeLost() {
		s.printer.Noticef("Software CAN buffer overflow!\r\n")
		s.logger.Warn("software_overflow")
	}
	n := 0
	for {
		f, ok := s.buf.Pop()
		if !ok {
			break
		}
		s.emit(f)
		metrics.IncForwarded()
		n++
	}
	if n > 0 {
		metrics.ObserveDrain(time.Since(start))
	}
	return n
}

// emit writes one frame in the fixed text form downstream tools parse and
// hands it to the sinks.
func (s *Sniffer) emit(f can.Frame) {
	var b strings.Builder
	fmt.Fprintf(&b, "ID: 0x%03X, DLC: %d, Data:", f.CANID&can.CAN_EFF_MASK, f.Len)
	for _, d := range f.Payload() {
		fmt.Fprintf(&b, " %02X", d)
	}
	b.WriteString("\r\n\n")
	s.printer.Printf("%s", b.String())
	for _, sink := range s.sinks {
		sink(f)
	}
}
