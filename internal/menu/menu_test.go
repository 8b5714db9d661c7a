package menu

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
	"github.com/ZiakasSt/CAN-Sniffer/internal/console"
	"github.com/ZiakasSt/CAN-Sniffer/internal/sniffer"
)

// fakeCtrl scripts the capture engine underneath the dialog.
type fakeCtrl struct {
	status       sniffer.Status
	acceptRate   uint32
	detectOK     bool
	startResults []bool

	stops       int
	starts      int
	prints      int
	detectCalls []bool
	configures  []uint32
	filterCalls [][2]uint32
}

func (c *fakeCtrl) Configure(bitrate uint32) sniffer.Status {
	c.configures = append(c.configures, bitrate)
	if bitrate != 0 && bitrate == c.acceptRate {
		c.status.Configured = true
		c.status.Bitrate = bitrate
	} else {
		c.status.Configured = false
		c.status.Bitrate = 0
	}
	return c.status
}

func (c *fakeCtrl) Detect(verbose bool) sniffer.Status {
	c.detectCalls = append(c.detectCalls, verbose)
	if c.detectOK {
		c.status.Configured = true
		c.status.Bitrate = 500000
	} else {
		c.status.Configured = false
		c.status.Bitrate = 0
	}
	return c.status
}

func (c *fakeCtrl) SetFilterMask(filter, mask uint32) sniffer.Status {
	c.filterCalls = append(c.filterCalls, [2]uint32{filter, mask})
	c.status.FilterID = filter & 0x7FF
	c.status.MaskID = mask & 0x7FF
	return c.status
}

func (c *fakeCtrl) PrintStatus() sniffer.Status {
	c.prints++
	return c.status
}

func (c *fakeCtrl) Start() bool {
	c.starts++
	if len(c.startResults) == 0 {
		return false
	}
	ok := c.startResults[0]
	c.startResults = c.startResults[1:]
	return ok
}

func (c *fakeCtrl) Stop() { c.stops++ }

func (c *fakeCtrl) Table() can.TimingTable { return can.DefaultTimings }

func runDialog(t *testing.T, input string, ctrl *fakeCtrl) (*State, string, error) {
	t.Helper()
	var out bytes.Buffer
	con := console.New(&console.IOTransport{R: strings.NewReader(input), W: &out})
	st := NewState()
	err := New(con, ctrl, st).Run()
	return st, out.String(), err
}

func TestRunStopsCaptureOnEntryAndStartsOnQuit(t *testing.T) {
	ctrl := &fakeCtrl{startResults: []bool{true}}
	st, _, err := runDialog(t, "q\r", ctrl)
	if err != nil {
		t.Fatal(err)
	}
	if ctrl.stops != 1 {
		t.Fatalf("Stop called %d times, want 1", ctrl.stops)
	}
	if ctrl.starts != 1 {
		t.Fatalf("Start called %d times, want 1", ctrl.starts)
	}
	if st.Mode() != Capturing {
		t.Fatalf("mode=%v after successful quit", st.Mode())
	}
}

func TestQuitRefusedUntilConfigured(t *testing.T) {
	ctrl := &fakeCtrl{startResults: []bool{false, true}}
	st, out, err := runDialog(t, "q\rq\r", ctrl)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "CAN not configured.\r\n") {
		t.Fatalf("missing refusal in %q", out)
	}
	if ctrl.starts != 2 {
		t.Fatalf("Start called %d times", ctrl.starts)
	}
	if st.Mode() != Capturing {
		t.Fatal("did not reach Capturing after second quit")
	}
}

func TestUnknownOptionRedisplaysMenu(t *testing.T) {
	ctrl := &fakeCtrl{startResults: []bool{true}}
	_, out, err := runDialog(t, "z\rq\r", ctrl)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Option not found. Try again...\r\n") {
		t.Fatalf("missing unknown-option reply in %q", out)
	}
	if n := strings.Count(out, "* CAN Sniffer - Settings menu       *"); n != 2 {
		t.Fatalf("menu shown %d times, want 2", n)
	}
}

func TestManualDialogListsRatesAndConfigures(t *testing.T) {
	ctrl := &fakeCtrl{acceptRate: 125000, startResults: []bool{true}}
	_, out, err := runDialog(t, "m\r125000\rq\r", ctrl)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Provide one of the supported Baud Rates:\r\n") {
		t.Fatalf("missing prompt in %q", out)
	}
	for _, r := range []string{"5000\r\n", "125000\r\n", "1000000\r\n"} {
		if !strings.Contains(out, r) {
			t.Fatalf("rate %q not listed", r)
		}
	}
	if len(ctrl.configures) != 1 || ctrl.configures[0] != 125000 {
		t.Fatalf("Configure calls %v", ctrl.configures)
	}
	if ctrl.prints == 0 {
		t.Fatal("status not shown after successful configuration")
	}
}

func TestManualDialogRejectsGarbage(t *testing.T) {
	ctrl := &fakeCtrl{acceptRate: 125000, startResults: []bool{true}}
	_, out, err := runDialog(t, "m\rnonsense\rq\r", ctrl)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Configuration failed.\r\n") {
		t.Fatalf("missing failure reply in %q", out)
	}
	if len(ctrl.configures) != 1 || ctrl.configures[0] != 0 {
		t.Fatalf("Configure calls %v, want one zero call", ctrl.configures)
	}
}

func TestFilterDialog(t *testing.T) {
	ctrl := &fakeCtrl{startResults: []bool{true}}
	_, out, err := runDialog(t, "s\r0x123\r0x7F0\rq\r", ctrl)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Provide filter in 0x<filter_id> format\r\n") {
		t.Fatalf("missing filter prompt in %q", out)
	}
	if !strings.Contains(out, "Provide mask in 0x<mask_id> format\r\n") {
		t.Fatalf("missing mask prompt in %q", out)
	}
	if len(ctrl.filterCalls) != 1 || ctrl.filterCalls[0] != [2]uint32{0x123, 0x7F0} {
		t.Fatalf("SetFilterMask calls %v", ctrl.filterCalls)
	}
}

func TestAutoDialogDetected(t *testing.T) {
	ctrl := &fakeCtrl{detectOK: true, startResults: []bool{true}}
	_, out, err := runDialog(t, "a\rq\r", ctrl)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "CAN Detected!\r\n") {
		t.Fatalf("missing detection reply in %q", out)
	}
	if len(ctrl.detectCalls) != 1 || !ctrl.detectCalls[0] {
		t.Fatalf("Detect calls %v, want one verbose call", ctrl.detectCalls)
	}
}

func TestAutoDialogNotDetected(t *testing.T) {
	ctrl := &fakeCtrl{detectOK: false, startResults: []bool{true}}
	_, out, err := runDialog(t, "a\rq\r", ctrl)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No CAN Detected!\r\n") {
		t.Fatalf("missing reply in %q", out)
	}
}

func TestStatusOption(t *testing.T) {
	ctrl := &fakeCtrl{startResults: []bool{true}}
	_, _, err := runDialog(t, "g\rq\r", ctrl)
	if err != nil {
		t.Fatal(err)
	}
	if ctrl.prints != 1 {
		t.Fatalf("PrintStatus called %d times, want 1", ctrl.prints)
	}
}

func TestBlankLinesSkipped(t *testing.T) {
	ctrl := &fakeCtrl{startResults: []bool{true}}
	_, _, err := runDialog(t, "\r\n   \rq\r", ctrl)
	if err != nil {
		t.Fatal(err)
	}
	if ctrl.starts != 1 {
		t.Fatalf("Start called %d times", ctrl.starts)
	}
}

func TestRunSurfacesTransportFailure(t *testing.T) {
	ctrl := &fakeCtrl{}
	_, _, err := runDialog(t, "g\r", ctrl) // input exhausted mid-dialog
	if err != io.EOF {
		t.Fatalf("err=%v, want io.EOF", err)
	}
}

func TestStateTransitions(t *testing.T) {
	st := NewState()
	if st.Mode() != Configuring {
		t.Fatalf("initial mode %v", st.Mode())
	}
	st.setCapturing()
	if st.Mode() != Capturing {
		t.Fatalf("mode %v after setCapturing", st.Mode())
	}
	st.RequestConfigure()
	if st.Mode() != Configuring {
		t.Fatalf("mode %v after RequestConfigure", st.Mode())
	}
}

func TestModeString(t *testing.T) {
	if Configuring.String() != "configuring" || Capturing.String() != "capturing" {
		t.Fatal("mode names changed")
	}
	if Mode(9).String() != "unknown" {
		t.Fatal("out-of-range mode name")
	}
}
