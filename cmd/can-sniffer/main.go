package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ZiakasSt/CAN-Sniffer/internal/console"
	"github.com/ZiakasSt/CAN-Sniffer/internal/menu"
	"github.com/ZiakasSt/CAN-Sniffer/internal/metrics"
	"github.com/ZiakasSt/CAN-Sniffer/internal/record"
	"github.com/ZiakasSt/CAN-Sniffer/internal/sniffer"
	"github.com/ZiakasSt/CAN-Sniffer/internal/stream"
)

// Helper implementations live in dedicated files: version.go, config.go,
// config_file.go, logger.go, device.go, loop.go, mdns.go, metrics_logger.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-sniffer %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	dev, derr := openDevice(cfg, l)
	if derr != nil {
		l.Error("backend_init_error", "error", derr)
		return
	}

	// Operator console: a TCP listener when --listen is set, stdio
	// otherwise.
	var (
		tr  console.Transport
		tcp *console.TCP
	)
	if cfg.listenAddr != "" {
		tcp = console.NewTCP(cfg.listenAddr)
		tr = tcp
		go func() {
			if err := tcp.Serve(ctx); err != nil {
				l.Error("console_listener_error", "error", err)
				cancel()
			}
		}()
	} else {
		tr = &console.IOTransport{R: os.Stdin, W: os.Stdout}
	}
	con := console.New(tr)

	opts := []sniffer.Option{
		sniffer.WithPrinter(con),
		sniffer.WithLogger(l),
		sniffer.WithRingSize(cfg.ringSize),
		sniffer.WithDwell(cfg.detectDwell),
	}

	var rec *record.Recorder
	if cfg.recordPath != "" {
		r, err := record.Open(cfg.recordPath, record.WithRotateEvery(cfg.recordRotate))
		if err != nil {
			l.Error("record_open_error", "error", err)
			return
		}
		rec = r
		opts = append(opts, sniffer.WithSink(rec.Publish))
	}

	mux := http.NewServeMux()
	if cfg.metricsAddr != "" {
		hub := stream.NewHub()
		mux.Handle("/stream", hub.Handler())
		opts = append(opts, sniffer.WithSink(hub.Publish))
	}

	snif := sniffer.New(dev, opts...)

	// Startup presets. The dialog still runs first; a preset bit rate just
	// lets the operator quit straight into capture.
	if cfg.filterRaw != "" || cfg.maskRaw != "" {
		snif.SetFilterMask(cfg.filterID, cfg.maskID)
	}
	if cfg.bitrate != 0 {
		snif.Configure(uint32(cfg.bitrate))
	}

	// Start mDNS advertisement once the console listener is ready.
	go func() {
		if !cfg.mdnsEnable || tcp == nil {
			return
		}
		select {
		case <-tcp.Ready():
		case <-ctx.Done():
			return
		}
		// Extract port from bound address (host:port or :port)
		addr := tcp.Addr()
		var portNum int
		if _, p, err := net.SplitHostPort(addr); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		if portNum == 0 { // fallback attempt if format unexpected
			lastColon := strings.LastIndex(addr, ":")
			if lastColon >= 0 {
				if pn, perr := strconv.Atoi(addr[lastColon+1:]); perr == nil {
					portNum = pn
				}
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when the console surface is up and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		if tcp != nil {
			select {
			case <-tcp.Ready():
			default:
				return false
			}
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr, mux)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	state := menu.NewState()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runLoop(ctx, con, tr, snif, state, l)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-loopDone:
		l.Info("console_closed")
	}
	cancel()
	if tcp != nil {
		_ = tcp.Close()
	}
	// The loop leaves the capture engine alone once it observes the
	// cancellation; wait for that before tearing the engine down. A loop
	// parked in a stdio read never finishes, hence the deadline.
	select {
	case <-loopDone:
	case <-time.After(500 * time.Millisecond):
	}
	if err := snif.Close(); err != nil {
		l.Warn("device_close_error", "error", err)
	}
	if rec != nil {
		_ = rec.Close()
	}
	wg.Wait()
}
