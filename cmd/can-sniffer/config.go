package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
)

type appConfig struct {
	backend      string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	listenOnly   bool
	canIf        string
	linkRate     uint
	simRate      uint
	simPeriod    time.Duration

	listenAddr string

	bitrate     uint
	filterRaw   string
	maskRaw     string
	ringSize    int
	detectDwell time.Duration

	recordPath   string
	recordRotate uint64

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string

	// Resolved by validate from filterRaw/maskRaw.
	filterID uint32
	maskID   uint32
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	configPath := flag.String("config", "", "YAML config file path (or CAN_SNIFFER_CONFIG)")
	backend := flag.String("backend", "socketcan", "CAN backend: socketcan|slcan|sim")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (slcan backend)")
	baud := flag.Int("baud", 115200, "Serial baud rate (slcan backend)")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout (slcan backend)")
	listenOnly := flag.Bool("listen-only", false, "Open the slcan channel without acknowledging traffic")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	linkRate := flag.Uint("link-rate", 0, "Bit rate the SocketCAN link is clocked at; 0 skips the check")
	simRate := flag.Uint("sim-rate", 500000, "Bit rate the simulated bus answers to (sim backend)")
	simPeriod := flag.Duration("sim-period", 5*time.Millisecond, "Frame period of the simulated bus")
	listen := flag.String("listen", "", "Console TCP listen address; empty uses stdin/stdout")
	bitrate := flag.Uint("bitrate", 0, "Configure this bit rate at startup (0 = start unconfigured)")
	filterID := flag.String("filter-id", "", "Acceptance filter identifier set at startup (e.g. 0x123)")
	maskID := flag.String("mask-id", "", "Acceptance mask set at startup; 0 accepts every identifier")
	ringSize := flag.Int("ring-size", 256, "Capture buffer capacity (frames)")
	detectDwell := flag.Duration("detect-dwell", 1500*time.Millisecond, "Listen window per probed bit rate during auto detection")
	recordPath := flag.String("record", "", "CBOR capture log path; empty disables recording")
	recordRotate := flag.Uint64("record-rotate", 0, "Rotate the capture log every N recorded frames (0 = never)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the console listener")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-sniffer-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over
	// the config file and env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.listenOnly = *listenOnly
	cfg.canIf = *canIf
	cfg.linkRate = *linkRate
	cfg.simRate = *simRate
	cfg.simPeriod = *simPeriod
	cfg.listenAddr = *listen
	cfg.bitrate = *bitrate
	cfg.filterRaw = *filterID
	cfg.maskRaw = *maskID
	cfg.ringSize = *ringSize
	cfg.detectDwell = *detectDwell
	cfg.recordPath = *recordPath
	cfg.recordRotate = *recordRotate
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyFileConfig(cfg, *configPath, setFlags); err != nil {
		fmt.Printf("config file error: %v\n", err)
		return nil, *showVersion
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges and resolves the filter/mask fields.
// It does not attempt to open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan", "slcan", "sim":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.ringSize <= 0 {
		return fmt.Errorf("ring-size must be > 0 (got %d)", c.ringSize)
	}
	if c.detectDwell <= 0 {
		return fmt.Errorf("detect-dwell must be > 0")
	}
	if c.simPeriod <= 0 {
		return fmt.Errorf("sim-period must be > 0")
	}
	if c.bitrate != 0 {
		if _, ok := can.DefaultTimings.Find(uint32(c.bitrate)); !ok {
			return fmt.Errorf("unsupported bitrate: %d", c.bitrate)
		}
	}
	if c.linkRate != 0 {
		if _, ok := can.DefaultTimings.Find(uint32(c.linkRate)); !ok {
			return fmt.Errorf("unsupported link-rate: %d", c.linkRate)
		}
	}
	if c.backend == "sim" {
		if _, ok := can.DefaultTimings.Find(uint32(c.simRate)); !ok {
			return fmt.Errorf("unsupported sim-rate: %d", c.simRate)
		}
	}
	if c.filterRaw != "" {
		n, err := strconv.ParseUint(c.filterRaw, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid filter-id: %s", c.filterRaw)
		}
		c.filterID = uint32(n)
	}
	if c.maskRaw != "" {
		n, err := strconv.ParseUint(c.maskRaw, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid mask-id: %s", c.maskRaw)
		}
		c.maskID = uint32(n)
	}
	return nil
}

// applyEnvOverrides maps CAN_SNIFFER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing is lax:
// empty values ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	// mapping: env var -> apply func
	// Only apply if NOT in set (flag wins).
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["backend"]; !ok {
		if v, ok := get("CAN_SNIFFER_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("CAN_SNIFFER_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("CAN_SNIFFER_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SNIFFER_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("CAN_SNIFFER_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SNIFFER_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["listen-only"]; !ok {
		if v, ok := get("CAN_SNIFFER_LISTEN_ONLY"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.listenOnly = true
			case "0", "false", "no", "off":
				c.listenOnly = false
			}
		}
	}
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("CAN_SNIFFER_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["link-rate"]; !ok {
		if v, ok := get("CAN_SNIFFER_LINK_RATE"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				c.linkRate = uint(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SNIFFER_LINK_RATE: %w", err)
			}
		}
	}
	if _, ok := set["sim-rate"]; !ok {
		if v, ok := get("CAN_SNIFFER_SIM_RATE"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				c.simRate = uint(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SNIFFER_SIM_RATE: %w", err)
			}
		}
	}
	if _, ok := set["sim-period"]; !ok {
		if v, ok := get("CAN_SNIFFER_SIM_PERIOD"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.simPeriod = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SNIFFER_SIM_PERIOD: %w", err)
			}
		}
	}
	if _, ok := set["listen"]; !ok {
		if v, ok := get("CAN_SNIFFER_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["bitrate"]; !ok {
		if v, ok := get("CAN_SNIFFER_BITRATE"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				c.bitrate = uint(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SNIFFER_BITRATE: %w", err)
			}
		}
	}
	if _, ok := set["filter-id"]; !ok {
		if v, ok := get("CAN_SNIFFER_FILTER_ID"); ok && v != "" {
			c.filterRaw = v
		}
	}
	if _, ok := set["mask-id"]; !ok {
		if v, ok := get("CAN_SNIFFER_MASK_ID"); ok && v != "" {
			c.maskRaw = v
		}
	}
	if _, ok := set["ring-size"]; !ok {
		if v, ok := get("CAN_SNIFFER_RING_SIZE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.ringSize = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SNIFFER_RING_SIZE: %w", err)
			}
		}
	}
	if _, ok := set["detect-dwell"]; !ok {
		if v, ok := get("CAN_SNIFFER_DETECT_DWELL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.detectDwell = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SNIFFER_DETECT_DWELL: %w", err)
			}
		}
	}
	if _, ok := set["record"]; !ok {
		if v, ok := get("CAN_SNIFFER_RECORD"); ok && v != "" {
			c.recordPath = v
		}
	}
	if _, ok := set["record-rotate"]; !ok {
		if v, ok := get("CAN_SNIFFER_RECORD_ROTATE"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				c.recordRotate = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SNIFFER_RECORD_ROTATE: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CAN_SNIFFER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CAN_SNIFFER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_SNIFFER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAN_SNIFFER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SNIFFER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAN_SNIFFER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CAN_SNIFFER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
