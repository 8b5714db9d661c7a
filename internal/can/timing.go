package can

// BitTimingEntry describes one supported nominal bit rate in terms of the
// controller prescaler and segment lengths (sync segment excluded).
type BitTimingEntry struct {
	Bitrate   uint32
	Prescaler uint16
	TimeSeg1  uint8
	TimeSeg2  uint8
}

// Quanta returns the number of time quanta per bit, including the sync
// segment.
func (e BitTimingEntry) Quanta() uint32 {
	return 1 + uint32(e.TimeSeg1) + uint32(e.TimeSeg2)
}

// TimingTable is an ordered list of supported bit rates. Order matters:
// automatic detection probes entries first to last.
type TimingTable []BitTimingEntry

// Find returns the entry whose bit rate matches exactly.
func (t TimingTable) Find(bitrate uint32) (BitTimingEntry, bool) {
	for _, e := range t {
		if e.Bitrate == bitrate {
			return e, true
		}
	}
	return BitTimingEntry{}, false
}

// Bitrates returns the supported bit rates in table order.
func (t TimingTable) Bitrates() []uint32 {
	out := make([]uint32, len(t))
	for i, e := range t {
		out[i] = e.Bitrate
	}
	return out
}

// DefaultTimings lists the supported bit rates slowest first, assuming a
// 40 MHz peripheral kernel clock (bitrate = 40 MHz / (prescaler * quanta)).
var DefaultTimings = TimingTable{
	{Bitrate: 5000, Prescaler: 200, TimeSeg1: 34, TimeSeg2: 5},
	{Bitrate: 10000, Prescaler: 100, TimeSeg1: 34, TimeSeg2: 5},
	{Bitrate: 20000, Prescaler: 50, TimeSeg1: 34, TimeSeg2: 5},
	{Bitrate: 50000, Prescaler: 20, TimeSeg1: 34, TimeSeg2: 5},
	{Bitrate: 100000, Prescaler: 10, TimeSeg1: 34, TimeSeg2: 5},
	{Bitrate: 125000, Prescaler: 8, TimeSeg1: 34, TimeSeg2: 5},
	{Bitrate: 200000, Prescaler: 5, TimeSeg1: 34, TimeSeg2: 5},
	{Bitrate: 250000, Prescaler: 4, TimeSeg1: 34, TimeSeg2: 5},
	{Bitrate: 400000, Prescaler: 4, TimeSeg1: 19, TimeSeg2: 5},
	{Bitrate: 500000, Prescaler: 2, TimeSeg1: 34, TimeSeg2: 5},
	{Bitrate: 800000, Prescaler: 2, TimeSeg1: 19, TimeSeg2: 5},
	{Bitrate: 1000000, Prescaler: 1, TimeSeg1: 34, TimeSeg2: 5},
}
