//go:build linux

package main

import (
	"fmt"
	"log/slog"

	"github.com/ZiakasSt/CAN-Sniffer/internal/sniffer"
	"github.com/ZiakasSt/CAN-Sniffer/internal/socketcan"
)

func openSocketCAN(cfg *appConfig, l *slog.Logger) (sniffer.Device, error) {
	a, err := socketcan.Open(cfg.canIf, socketcan.WithBitrate(uint32(cfg.linkRate)))
	if err != nil {
		return nil, fmt.Errorf("open socketcan: %w", err)
	}
	l.Info("backend_ready", "backend", "socketcan", "interface", cfg.canIf, "link_rate", cfg.linkRate)
	return a, nil
}
