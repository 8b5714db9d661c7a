package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ZiakasSt/CAN-Sniffer/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"captured", snap.Captured,
					"forwarded", snap.Forwarded,
					"hw_overflows", snap.HwOverflows,
					"sw_overflows", snap.SwOverflows,
					"probes", snap.Probes,
					"filter_drops", snap.FilterDrops,
					"malformed", snap.Malformed,
					"stream_drops", snap.StreamDrops,
					"stream_clients", snap.StreamClients,
					"recorded", snap.Recorded,
					"record_drops", snap.RecordDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
