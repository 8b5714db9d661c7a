package sniffer

import "github.com/ZiakasSt/CAN-Sniffer/internal/can"

// Device is the controller surface the sniffer drives. Implementations
// wrap a real adapter (SLCAN, SocketCAN) or a simulated bus.
//
// Contract:
//   - ApplyTiming programs the bit timing with reception halted and resets
//     the receive FIFO, like a peripheral re-init does.
//   - SetFilter programs the 11-bit acceptance filter; a zero mask accepts
//     every identifier.
//   - The receive notification armed with SetNotify fires on the device's
//     receive goroutine, once per stored frame. ReadFrame, Fill and
//     TakeOverrun are safe to call from inside it.
//   - Stop returns only after reception has ceased and no notification is
//     executing, so the caller may safely tear down what the notification
//     touches.
type Device interface {
	ApplyTiming(e can.BitTimingEntry) error
	SetFilter(id, mask uint32) error
	Start() error
	Stop() error
	SetNotify(fn func())
	Fill() int
	ReadFrame() (can.Frame, bool)
	TakeOverrun() bool
	Close() error
}
