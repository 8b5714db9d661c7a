//go:build !linux

package main

import (
	"fmt"
	"log/slog"

	"github.com/ZiakasSt/CAN-Sniffer/internal/sniffer"
)

// Placeholder so non-linux builds compile; socketcan not supported.
func openSocketCAN(cfg *appConfig, l *slog.Logger) (sniffer.Device, error) {
	return nil, fmt.Errorf("socketcan backend unsupported on this platform")
}
