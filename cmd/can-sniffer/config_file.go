package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors appConfig for YAML loading. Pointer fields distinguish
// "absent" from zero values so the file only touches keys it names.
// Durations are strings in time.ParseDuration format.
type fileConfig struct {
	Backend         *string `yaml:"backend"`
	Serial          *string `yaml:"serial"`
	Baud            *int    `yaml:"baud"`
	SerialReadTO    *string `yaml:"serial_read_timeout"`
	ListenOnly      *bool   `yaml:"listen_only"`
	CANIf           *string `yaml:"can_if"`
	LinkRate        *uint   `yaml:"link_rate"`
	SimRate         *uint   `yaml:"sim_rate"`
	SimPeriod       *string `yaml:"sim_period"`
	Listen          *string `yaml:"listen"`
	Bitrate         *uint   `yaml:"bitrate"`
	FilterID        *string `yaml:"filter_id"`
	MaskID          *string `yaml:"mask_id"`
	RingSize        *int    `yaml:"ring_size"`
	DetectDwell     *string `yaml:"detect_dwell"`
	Record          *string `yaml:"record"`
	RecordRotate    *uint64 `yaml:"record_rotate"`
	LogFormat       *string `yaml:"log_format"`
	LogLevel        *string `yaml:"log_level"`
	MetricsAddr     *string `yaml:"metrics_addr"`
	LogMetricsEvery *string `yaml:"log_metrics_interval"`
	MDNSEnable      *bool   `yaml:"mdns_enable"`
	MDNSName        *string `yaml:"mdns_name"`
}

// applyFileConfig loads the YAML file at path (or $CAN_SNIFFER_CONFIG when
// path is empty) and fills config fields whose flags were not explicitly
// set. Missing path means no file; a named file that cannot be read or
// parsed is an error.
func applyFileConfig(c *appConfig, path string, set map[string]struct{}) error {
	if path == "" {
		if v, ok := os.LookupEnv("CAN_SNIFFER_CONFIG"); ok && strings.TrimSpace(v) != "" {
			path = strings.TrimSpace(v)
		}
	}
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	skip := func(flagName string) bool { _, ok := set[flagName]; return ok }
	dur := func(key, v string) (time.Duration, error) {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid %s: %w", path, key, err)
		}
		return d, nil
	}

	if fc.Backend != nil && !skip("backend") {
		c.backend = *fc.Backend
	}
	if fc.Serial != nil && !skip("serial") {
		c.serialDev = *fc.Serial
	}
	if fc.Baud != nil && !skip("baud") {
		c.baud = *fc.Baud
	}
	if fc.SerialReadTO != nil && !skip("serial-read-timeout") {
		d, err := dur("serial_read_timeout", *fc.SerialReadTO)
		if err != nil {
			return err
		}
		c.serialReadTO = d
	}
	if fc.ListenOnly != nil && !skip("listen-only") {
		c.listenOnly = *fc.ListenOnly
	}
	if fc.CANIf != nil && !skip("can-if") {
		c.canIf = *fc.CANIf
	}
	if fc.LinkRate != nil && !skip("link-rate") {
		c.linkRate = *fc.LinkRate
	}
	if fc.SimRate != nil && !skip("sim-rate") {
		c.simRate = *fc.SimRate
	}
	if fc.SimPeriod != nil && !skip("sim-period") {
		d, err := dur("sim_period", *fc.SimPeriod)
		if err != nil {
			return err
		}
		c.simPeriod = d
	}
	if fc.Listen != nil && !skip("listen") {
		c.listenAddr = *fc.Listen
	}
	if fc.Bitrate != nil && !skip("bitrate") {
		c.bitrate = *fc.Bitrate
	}
	if fc.FilterID != nil && !skip("filter-id") {
		c.filterRaw = *fc.FilterID
	}
	if fc.MaskID != nil && !skip("mask-id") {
		c.maskRaw = *fc.MaskID
	}
	if fc.RingSize != nil && !skip("ring-size") {
		c.ringSize = *fc.RingSize
	}
	if fc.DetectDwell != nil && !skip("detect-dwell") {
		d, err := dur("detect_dwell", *fc.DetectDwell)
		if err != nil {
			return err
		}
		c.detectDwell = d
	}
	if fc.Record != nil && !skip("record") {
		c.recordPath = *fc.Record
	}
	if fc.RecordRotate != nil && !skip("record-rotate") {
		c.recordRotate = *fc.RecordRotate
	}
	if fc.LogFormat != nil && !skip("log-format") {
		c.logFormat = *fc.LogFormat
	}
	if fc.LogLevel != nil && !skip("log-level") {
		c.logLevel = *fc.LogLevel
	}
	if fc.MetricsAddr != nil && !skip("metrics-addr") {
		c.metricsAddr = *fc.MetricsAddr
	}
	if fc.LogMetricsEvery != nil && !skip("log-metrics-interval") {
		d, err := dur("log_metrics_interval", *fc.LogMetricsEvery)
		if err != nil {
			return err
		}
		c.logMetricsEvery = d
	}
	if fc.MDNSEnable != nil && !skip("mdns-enable") {
		c.mdnsEnable = *fc.MDNSEnable
	}
	if fc.MDNSName != nil && !skip("mdns-name") {
		c.mdnsName = *fc.MDNSName
	}
	return nil
}
