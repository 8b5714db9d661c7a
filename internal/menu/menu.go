// Package menu implements the operating state machine and the blocking
// settings dialog that drives the capture engine.
package menu

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
	"github.com/ZiakasSt/CAN-Sniffer/internal/console"
	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
	"github.com/ZiakasSt/CAN-Sniffer/internal/sniffer"
)

// Mode is the top-level operating state.
type Mode int32

const (
	// Configuring means the dialog is active and capture is stopped.
	Configuring Mode = iota
	// Capturing means frames are being forwarded and the dialog is idle.
	Capturing
)

func (m Mode) String() string {
	switch m {
	case Configuring:
		return "configuring"
	case Capturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// State holds the current mode. RequestConfigure may be called from any
// goroutine; the poll loop observes the change and quiesces capture by
// re-entering the dialog.
type State struct {
	mode atomic.Int32
}

// NewState starts in Configuring, so the dialog runs first.
func NewState() *State { return &State{} }

func (s *State) Mode() Mode { return Mode(s.mode.Load()) }

// RequestConfigure asks for a return to the dialog. Safe from signal
// handlers and other goroutines.
func (s *State) RequestConfigure() { s.mode.Store(int32(Configuring)) }

func (s *State) setCapturing() { s.mode.Store(int32(Capturing)) }

// Controller is the capture engine surface the dialog drives.
type Controller interface {
	Configure(bitrate uint32) sniffer.Status
	Detect(verbose bool) sniffer.Status
	SetFilterMask(filter, mask uint32) sniffer.Status
	PrintStatus() sniffer.Status
	Start() bool
	Stop()
	Table() can.TimingTable
}

var _ Controller = (*sniffer.Sniffer)(nil)

// Menu is the blocking settings dialog.
type Menu struct {
	con    *console.Console
	ctrl   Controller
	state  *State
	logger *slog.Logger
}

func New(con *console.Console, ctrl Controller, state *State) *Menu {
	return &Menu{con: con, ctrl: ctrl, state: state, logger: logging.L()}
}

func (m *Menu) printMenu() {
	m.con.Printf("*************************************\r\n")
	m.con.Printf("* CAN Sniffer - Settings menu       *\r\n")
	m.con.Printf("*                                   *\r\n")
	m.con.Printf("* a: Auto Configure CAN Baud Rate   *\r\n")
	m.con.Printf("* m: Manual Configure CAN Baud Rate *\r\n")
	m.con.Printf("* s: Set CAN Filter-Mask            *\r\n")
	m.con.Printf("* g: Get CAN Sniffer status         *\r\n")
	m.con.Printf("* q: Quit and Start CAN Sniffer     *\r\n")
	m.con.Printf("*************************************\r\n\n")
}

// readOption returns the first non-blank character of the next non-empty
// input line.
func (m *Menu) readOption() (byte, error) {
	for {
		line, err := m.con.ReadLine()
		if err != nil {
			return 0, err
		}
		line = strings.TrimSpace(line)
		if line != "" {
			return line[0], nil
		}
	}
}

// readValue prompts nothing; it reads one line for a numeric answer.
// Unparsable input yields zero, which downstream checks reject.
func (m *Menu) readValue(parse func(string) (uint32, error)) (uint32, error) {
	line, err := m.con.ReadLine()
	if err != nil {
		return 0, err
	}
	v, perr := parse(line)
	if perr != nil {
		return 0, nil
	}
	return v, nil
}

// Run stops capture and holds the operator in the settings dialog. It
// returns nil only after a quit with a successfully started capture, which
// also flips the state to Capturing. A transport failure surfaces as an
// error.
func (m *Menu) Run() error {
	// No traffic while configuring.
	m.ctrl.Stop()
	m.logger.Info("menu_enter")

	m.printMenu()
	for {
		opt, err := m.readOption()
		if err != nil {
			return err
		}
		switch opt {
		case 'a':
			if m.ctrl.Detect(true).Configured {
				m.con.Printf("\nCAN Detected!\r\n\n")
				m.ctrl.PrintStatus()
				m.con.Printf("\n")
			} else {
				m.con.Printf("\nNo CAN Detected!\r\n\n")
			}
			m.con.Printf("\n")
			m.printMenu()
		case 'm':
			m.con.Printf("Provide one of the supported Baud Rates:\r\n")
			for _, r := range m.ctrl.Table().Bitrates() {
				m.con.Printf("%d\r\n", r)
			}
			m.con.Printf("\n")
			baudrate, err := m.readValue(console.ParseDec)
			if err != nil {
				return err
			}
			if m.ctrl.Configure(baudrate).Configured {
				m.ctrl.PrintStatus()
				m.con.Printf("\n")
			} else {
				m.con.Printf("Configuration failed.\r\n\n")
			}
			m.con.Printf("\n")
			m.printMenu()
		case 's':
			m.con.Printf("Provide filter in 0x<filter_id> format\r\n")
			filterID, err := m.readValue(console.ParseHex)
			if err != nil {
				return err
			}
			m.con.Printf("\n")
			m.con.Printf("Provide mask in 0x<mask_id> format\r\n")
			maskID, err := m.readValue(console.ParseHex)
			if err != nil {
				return err
			}
			m.con.Printf("\n\n")
			m.ctrl.SetFilterMask(filterID, maskID)
			m.ctrl.PrintStatus()
			m.con.Printf("\n\n")
			m.printMenu()
		case 'g':
			m.ctrl.PrintStatus()
			m.con.Printf("\n")
			m.printMenu()
		case 'q':
			if m.ctrl.Start() {
				m.state.setCapturing()
				m.logger.Info("menu_exit", "mode", m.state.Mode().String())
				return nil
			}
			m.con.Printf("CAN not configured.\r\n\n")
			m.con.Printf("\n")
			m.printMenu()
		default:
			m.con.Printf("Option not found. Try again...\r\n\n")
			m.con.Printf("\n")
			m.printMenu()
		}
	}
}
