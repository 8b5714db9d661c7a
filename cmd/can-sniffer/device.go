package main

import (
	"fmt"
	"log/slog"

	"github.com/ZiakasSt/CAN-Sniffer/internal/sim"
	"github.com/ZiakasSt/CAN-Sniffer/internal/slcan"
	"github.com/ZiakasSt/CAN-Sniffer/internal/sniffer"
)

// openDevice opens the CAN device selected by --backend. It returns an
// error instead of exiting the process to allow graceful handling by the
// caller.
func openDevice(cfg *appConfig, l *slog.Logger) (sniffer.Device, error) {
	switch cfg.backend {
	case "slcan":
		a, err := slcan.Open(cfg.serialDev, cfg.baud, cfg.serialReadTO,
			slcan.WithListenOnly(cfg.listenOnly))
		if err != nil {
			return nil, fmt.Errorf("open slcan: %w", err)
		}
		l.Info("backend_ready", "backend", "slcan", "device", cfg.serialDev, "baud", cfg.baud)
		return a, nil
	case "socketcan":
		return openSocketCAN(cfg, l)
	case "sim":
		b := sim.NewBus(uint32(cfg.simRate), sim.WithPeriod(cfg.simPeriod))
		l.Info("backend_ready", "backend", "sim", "rate", cfg.simRate, "period", cfg.simPeriod)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|slcan|sim)", cfg.backend)
	}
}
