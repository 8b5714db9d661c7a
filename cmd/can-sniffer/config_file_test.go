package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "can-sniffer.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestApplyFileConfig_Basic(t *testing.T) {
	path := writeConfigFile(t, `
backend: sim
bitrate: 125000
filter_id: "0x123"
detect_dwell: 2s
listen: ":20000"
mdns_enable: true
record: /tmp/frames.cbor
record_rotate: 1000
`)
	base := &appConfig{backend: "socketcan", detectDwell: 1500 * time.Millisecond}
	if err := applyFileConfig(base, path, map[string]struct{}{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if base.backend != "sim" {
		t.Fatalf("expected backend sim got %q", base.backend)
	}
	if base.bitrate != 125000 {
		t.Fatalf("expected bitrate 125000 got %d", base.bitrate)
	}
	if base.filterRaw != "0x123" {
		t.Fatalf("expected filter 0x123 got %q", base.filterRaw)
	}
	if base.detectDwell != 2*time.Second {
		t.Fatalf("expected dwell 2s got %v", base.detectDwell)
	}
	if base.listenAddr != ":20000" {
		t.Fatalf("expected listen :20000 got %q", base.listenAddr)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.recordPath != "/tmp/frames.cbor" || base.recordRotate != 1000 {
		t.Fatalf("expected record settings got %q/%d", base.recordPath, base.recordRotate)
	}
}

func TestApplyFileConfig_UntouchedKeysKeepDefaults(t *testing.T) {
	path := writeConfigFile(t, "backend: sim\n")
	base := &appConfig{backend: "socketcan", baud: 115200, ringSize: 256}
	if err := applyFileConfig(base, path, map[string]struct{}{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if base.baud != 115200 || base.ringSize != 256 {
		t.Fatalf("expected untouched defaults got %d/%d", base.baud, base.ringSize)
	}
}

func TestApplyFileConfig_FlagPrecedence(t *testing.T) {
	path := writeConfigFile(t, "backend: sim\nbaud: 9600\n")
	base := &appConfig{backend: "socketcan", baud: 115200}
	set := map[string]struct{}{"backend": {}}
	if err := applyFileConfig(base, path, set); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if base.backend != "socketcan" {
		t.Fatalf("expected flag to win, got %q", base.backend)
	}
	if base.baud != 9600 {
		t.Fatalf("expected file baud 9600 got %d", base.baud)
	}
}

func TestApplyFileConfig_EnvPath(t *testing.T) {
	path := writeConfigFile(t, "backend: sim\n")
	os.Setenv("CAN_SNIFFER_CONFIG", path)
	t.Cleanup(func() { os.Unsetenv("CAN_SNIFFER_CONFIG") })
	base := &appConfig{backend: "socketcan"}
	if err := applyFileConfig(base, "", map[string]struct{}{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if base.backend != "sim" {
		t.Fatalf("expected env-named file applied, got %q", base.backend)
	}
}

func TestApplyFileConfig_NoPath(t *testing.T) {
	base := &appConfig{backend: "socketcan"}
	if err := applyFileConfig(base, "", map[string]struct{}{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if base.backend != "socketcan" {
		t.Fatalf("expected untouched config, got %q", base.backend)
	}
}

func TestApplyFileConfig_Errors(t *testing.T) {
	base := &appConfig{}
	if err := applyFileConfig(base, filepath.Join(t.TempDir(), "missing.yaml"), map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for missing file")
	}
	bad := writeConfigFile(t, ":::\tnot yaml")
	if err := applyFileConfig(base, bad, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad yaml")
	}
	badDur := writeConfigFile(t, "detect_dwell: xx\n")
	if err := applyFileConfig(base, badDur, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestFileThenEnvPrecedence(t *testing.T) {
	path := writeConfigFile(t, "baud: 9600\n")
	os.Setenv("CAN_SNIFFER_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("CAN_SNIFFER_BAUD") })
	base := &appConfig{baud: 115200}
	set := map[string]struct{}{}
	if err := applyFileConfig(base, path, set); err != nil {
		t.Fatalf("file: %v", err)
	}
	if err := applyEnvOverrides(base, set); err != nil {
		t.Fatalf("env: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected env to beat file, got %d", base.baud)
	}
}
