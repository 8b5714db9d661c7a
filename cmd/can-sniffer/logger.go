package main

import (
	"log/slog"
	"os"

	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "can-sniffer")
	logging.Set(l)
	return l
}
