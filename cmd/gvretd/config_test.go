package main

import (
	"os"
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		serialDev:    "/dev/null",
		baud:         115200,
		gvretAddr:    ":23",
		elmAddr:      ":1000",
		serialReadTO: 50 * time.Millisecond,
		logFormat:    "text",
		logLevel:     "info",
		backend:      "sim",
		canIf:        "can0",
		clientReadTO: 60 * time.Second,
		btName:       "GVRET",
		canFD:        false,
		canFDSpeed:   2_000_000,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badFDSpeed", func(c *appConfig) { c.canFD = true; c.canFDSpeed = 0 }},
	}
	for _, tc := range tests {
		c := baseConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfigValidate_FDSpeedIgnoredWhenFDDisabled(t *testing.T) {
	c := baseConfig()
	c.canFD = false
	c.canFDSpeed = 0
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok when can-fd is off regardless of can-fd-speed, got %v", err)
	}
}

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	os.Setenv("GVRETD_BAUD", "230400")
	os.Setenv("GVRETD_MDNS_ENABLE", "true")
	os.Setenv("GVRETD_SERIAL_READ_TIMEOUT", "100ms")
	os.Setenv("GVRETD_LOG_METRICS_INTERVAL", "5s")
	os.Setenv("GVRETD_CAN_FD", "true")
	os.Setenv("GVRETD_CAN_FD_SPEED", "5000000")
	t.Cleanup(func() {
		os.Unsetenv("GVRETD_BAUD")
		os.Unsetenv("GVRETD_MDNS_ENABLE")
		os.Unsetenv("GVRETD_SERIAL_READ_TIMEOUT")
		os.Unsetenv("GVRETD_LOG_METRICS_INTERVAL")
		os.Unsetenv("GVRETD_CAN_FD")
		os.Unsetenv("GVRETD_CAN_FD_SPEED")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if !base.canFD {
		t.Fatalf("expected canFD true")
	}
	if base.canFDSpeed != 5_000_000 {
		t.Fatalf("expected canFDSpeed 5000000 got %d", base.canFDSpeed)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := baseConfig()
	base.baud = 115200
	os.Setenv("GVRETD_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("GVRETD_BAUD") })
	// Simulate the user having passed -baud explicitly, so the env var must be ignored.
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_CanFDFlagPrecedence(t *testing.T) {
	base := baseConfig()
	base.canFD = false
	os.Setenv("GVRETD_CAN_FD", "true")
	t.Cleanup(func() { os.Unsetenv("GVRETD_CAN_FD") })
	if err := applyEnvOverrides(base, map[string]struct{}{"can-fd": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.canFD {
		t.Fatalf("expected canFD to remain false when -can-fd was explicitly set")
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := baseConfig()
	os.Setenv("GVRETD_BAUD", "notint")
	t.Cleanup(func() { os.Unsetenv("GVRETD_BAUD") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverrides_BadFDSpeed(t *testing.T) {
	base := baseConfig()
	os.Setenv("GVRETD_CAN_FD_SPEED", "notint")
	t.Cleanup(func() { os.Unsetenv("GVRETD_CAN_FD_SPEED") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverrides_BoolIgnoresGarbage(t *testing.T) {
	base := baseConfig()
	base.heartbeat = true
	os.Setenv("GVRETD_HEARTBEAT", "maybe")
	t.Cleanup(func() { os.Unsetenv("GVRETD_HEARTBEAT") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !base.heartbeat {
		t.Fatalf("expected heartbeat left unchanged on an unrecognized value, got false")
	}
}
