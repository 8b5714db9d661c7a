package console

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func newTestConsole(input string) (*Console, *bytes.Buffer) {
	var out bytes.Buffer
	c := New(&IOTransport{R: strings.NewReader(input), W: &out})
	return c, &out
}

func TestPrintfTruncates(t *testing.T) {
	c, out := newTestConsole("")
	c.Printf("%s", strings.Repeat("x", 300))
	if out.Len() != PrintBufferSize {
		t.Fatalf("wrote %d bytes, want %d", out.Len(), PrintBufferSize)
	}

	out.Reset()
	c.Printf("ID: 0x%03X", 0x2A)
	if got := out.String(); got != "ID: 0x02A" {
		t.Fatalf("got %q", got)
	}
}

func TestReadLineTerminators(t *testing.T) {
	cases := []struct {
		input string
		want  []string
	}{
		{"abc\r", []string{"abc"}},
		{"abc\n", []string{"abc"}},
		{"abc\r\ndef\n", []string{"abc", "", "def"}},
		{"\r", []string{""}},
	}
	for _, tc := range cases {
		c, _ := newTestConsole(tc.input)
		for i, want := range tc.want {
			got, err := c.ReadLine()
			if err != nil {
				t.Fatalf("input %q line %d: %v", tc.input, i, err)
			}
			if got != want {
				t.Errorf("input %q line %d: got %q, want %q", tc.input, i, got, want)
			}
		}
	}
}

func TestReadLineKeepsFirst128Bytes(t *testing.T) {
	long := strings.Repeat("a", 200)
	c, _ := newTestConsole(long + "\rnext\r")
	line, err := c.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if len(line) != LineBufferSize || line != long[:LineBufferSize] {
		t.Fatalf("kept %d bytes", len(line))
	}
	// The overflow must not bleed into the following line.
	next, err := c.ReadLine()
	if err != nil || next != "next" {
		t.Fatalf("next line %q, err %v", next, err)
	}
}

func TestReadLineEOF(t *testing.T) {
	c, _ := newTestConsole("unterminated")
	if _, err := c.ReadLine(); err != io.EOF {
		t.Fatalf("err=%v, want io.EOF", err)
	}
}

func TestNoticefBanners(t *testing.T) {
	c, out := newTestConsole("")
	c.Noticef("Hardware CAN FIFO overflow!\r\n")
	got := out.String()
	if !strings.Contains(got, "$$$$$$$$$ DEBUG print START $$$$$$$$$\r\n") {
		t.Errorf("missing start banner in %q", got)
	}
	if !strings.Contains(got, "Hardware CAN FIFO overflow!\r\n") {
		t.Errorf("missing body in %q", got)
	}
	if !strings.Contains(got, "$$$$$$$$$ DEBUG print END $$$$$$$$$$$\r\n") {
		t.Errorf("missing end banner in %q", got)
	}
	if strings.Index(got, "START") > strings.Index(got, "END") {
		t.Error("banners out of order")
	}
}

func TestParseDec(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"125000", 125000, true},
		{" 500000 ", 500000, true},
		{"0", 0, true},
		{"", 0, false},
		{"abc", 0, false},
		{"-5", 0, false},
		{"0x10", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseDec(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("ParseDec(%q): err=%v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParseDec(%q)=%d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseHex(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"0x7FF", 0x7FF, true},
		{"0X123", 0x123, true},
		{"7ff", 0x7FF, true},
		{"  0x1A  ", 0x1A, true},
		{"", 0, false},
		{"0x", 0, false},
		{"xyz", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseHex(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("ParseHex(%q): err=%v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParseHex(%q)=0x%X, want 0x%X", tc.in, got, tc.want)
		}
	}
}
