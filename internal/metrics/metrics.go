package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
)

// Prometheus counters
var (
	CapturedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "captured_frames_total",
		Help: "Total CAN frames moved from the device receive FIFO into the capture buffer.",
	})
	ForwardedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forwarded_frames_total",
		Help: "Total CAN frames drained from the capture buffer and forwarded.",
	})
	HardwareOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hardware_overflows_total",
		Help: "Times the device receive FIFO overran since start.",
	})
	SoftwareOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "software_overflows_total",
		Help: "Times the capture buffer was full and a frame was dropped.",
	})
	DetectProbes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "detect_probes_total",
		Help: "Bit rates probed during automatic detection.",
	})
	FilterDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filter_rejected_frames_total",
		Help: "Frames rejected by the software identifier filter.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Rejected malformed adapter messages (bad framing, invalid length).",
	})
	StreamDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_dropped_frames_total",
		Help: "Frames not delivered to a stream client because its queue was full.",
	})
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stream_active_clients",
		Help: "Current number of connected stream clients.",
	})
	RecordedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorded_frames_total",
		Help: "Frames written to the capture log.",
	})
	RecordDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "record_dropped_frames_total",
		Help: "Frames not written to the capture log because the writer was backlogged.",
	})
	DrainSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drain_duration_seconds",
		Help:    "Duration of one forwarder drain pass.",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrDeviceRead   = "device_read"
	ErrDeviceWrite  = "device_write"
	ErrDeviceSetup  = "device_setup"
	ErrConsoleRead  = "console_read"
	ErrConsoleWrite = "console_write"
	ErrRecordWrite  = "record_write"
	ErrStreamWrite  = "stream_write"
)

// StartHTTP serves Prometheus metrics at /metrics on the given mux.
// If mux is nil, a default mux is created and registered.
func StartHTTP(addr string, mux *http.ServeMux) *http.Server {
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCaptured    uint64
	localForwarded   uint64
	localHwOverflow  uint64
	localSwOverflow  uint64
	localProbes      uint64
	localFilterDrop  uint64
	localMalformed   uint64
	localStreamDrop  uint64
	localStreamConns uint64
	localRecorded    uint64
	localRecordDrop  uint64
	localErrors      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Captured      uint64
	Forwarded     uint64
	HwOverflows   uint64
	SwOverflows   uint64
	Probes        uint64
	FilterDrops   uint64
	Malformed     uint64
	StreamDrops   uint64
	StreamClients uint64
	Recorded      uint64
	RecordDrops   uint64
	Errors        uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		Captured:      atomic.LoadUint64(&localCaptured),
		Forwarded:     atomic.LoadUint64(&localForwarded),
		HwOverflows:   atomic.LoadUint64(&localHwOverflow),
		SwOverflows:   atomic.LoadUint64(&localSwOverflow),
		Probes:        atomic.LoadUint64(&localProbes),
		FilterDrops:   atomic.LoadUint64(&localFilterDrop),
		Malformed:     atomic.LoadUint64(&localMalformed),
		StreamDrops:   atomic.LoadUint64(&localStreamDrop),
		StreamClients: atomic.LoadUint64(&localStreamConns),
		Recorded:      atomic.LoadUint64(&localRecorded),
		RecordDrops:   atomic.LoadUint64(&localRecordDrop),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCaptured() {
	CapturedFrames.Inc()
	atomic.AddUint64(&localCaptured, 1)
}

func IncForwarded() {
	ForwardedFrames.Inc()
	atomic.AddUint64(&localForwarded, 1)
}

func IncHwOverflow() {
	HardwareOverflows.Inc()
	atomic.AddUint64(&localHwOverflow, 1)
}

func IncSwOverflow() {
	SoftwareOverflows.Inc()
	atomic.AddUint64(&localSwOverflow, 1)
}

func IncProbe() {
	DetectProbes.Inc()
	atomic.AddUint64(&localProbes, 1)
}

func IncFilterDrop() {
	FilterDrops.Inc()
	atomic.AddUint64(&localFilterDrop, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncStreamDrop() {
	StreamDropped.Inc()
	atomic.AddUint64(&localStreamDrop, 1)
}

func SetStreamClients(n int) {
	StreamClients.Set(float64(n))
	atomic.StoreUint64(&localStreamConns, uint64(n))
}

func IncRecorded() {
	RecordedFrames.Inc()
	atomic.AddUint64(&localRecorded, 1)
}

func IncRecordDrop() {
	RecordDropped.Inc()
	atomic.AddUint64(&localRecordDrop, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// ObserveDrain records the duration of one forwarder pass.
func ObserveDrain(d time.Duration) {
	DrainSeconds.Observe(d.Seconds())
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register the known error label series so the first increment
	// does not pay the series creation cost.
	for _, lbl := range []string{
		ErrDeviceRead, ErrDeviceWrite, ErrDeviceSetup,
		ErrConsoleRead, ErrConsoleWrite,
		ErrRecordWrite, ErrStreamWrite,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
