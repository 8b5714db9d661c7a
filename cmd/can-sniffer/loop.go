package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/ZiakasSt/CAN-Sniffer/internal/console"
	"github.com/ZiakasSt/CAN-Sniffer/internal/menu"
	"github.com/ZiakasSt/CAN-Sniffer/internal/sniffer"
)

const (
	// capturePollInterval paces buffer drains while the stream is idle.
	capturePollInterval = time.Millisecond
	// menuRetryDelay spaces dialog restarts after a transport hiccup, such
	// as a TCP client dropping mid-dialog.
	menuRetryDelay = 50 * time.Millisecond
)

// sleepFn allows tests to intercept pacing sleeps.
var sleepFn = time.Sleep

// runLoop alternates between the settings dialog and capture until the
// console is gone or ctx is cancelled. The dialog owns the console while
// configuring; during capture a single-byte read waits in the background
// to bring the operator back to the dialog.
func runLoop(ctx context.Context, con *console.Console, tr console.Transport, snif *sniffer.Sniffer, state *menu.State, l *slog.Logger) {
	m := menu.New(con, snif, state)
	for ctx.Err() == nil {
		switch state.Mode() {
		case menu.Configuring:
			if err := m.Run(); err != nil {
				if errors.Is(err, console.ErrClosed) || errors.Is(err, io.EOF) {
					l.Info("console_gone", "error", err)
					return
				}
				// Client dropped mid-dialog; the next Run waits for a
				// replacement.
				l.Warn("menu_error", "error", err)
				sleepFn(menuRetryDelay)
			}
		case menu.Capturing:
			capture(ctx, tr, snif, state)
		}
	}
}

// capture forwards frames until a console byte arrives, the mode changes,
// or ctx ends. The wake goroutine reads exactly one byte: the byte that
// flips the state back to Configuring is consumed here, so the dialog's
// first read sees fresh input. A read error means the console is gone;
// the dialog discovers that on its own next read.
func capture(ctx context.Context, tr console.Transport, snif *sniffer.Sniffer, state *menu.State) {
	go func() {
		if _, err := tr.ReceiveByte(); err != nil {
			return
		}
		state.RequestConfigure()
	}()
	for ctx.Err() == nil && state.Mode() == menu.Capturing {
		if snif.DrainAndReport() == 0 {
			sleepFn(capturePollInterval)
		}
	}
}
