package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()

	os.Setenv("CAN_MONITOR_BACKEND", "sim")
	os.Setenv("CAN_MONITOR_BITRATE", "250000")
	os.Setenv("CAN_MONITOR_LISTEN_ONLY", "true")
	os.Setenv("CAN_MONITOR_UPLOAD_WINDOW", "30s")
	os.Setenv("CAN_MONITOR_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("CAN_MONITOR_BACKEND")
		os.Unsetenv("CAN_MONITOR_BITRATE")
		os.Unsetenv("CAN_MONITOR_LISTEN_ONLY")
		os.Unsetenv("CAN_MONITOR_UPLOAD_WINDOW")
		os.Unsetenv("CAN_MONITOR_LOG_METRICS_INTERVAL")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.backend != "sim" {
		t.Fatalf("expected backend override, got %q", base.backend)
	}
	if base.bitrate != 250000 {
		t.Fatalf("expected bitrate override, got %d", base.bitrate)
	}
	if !base.listenOnly {
		t.Fatalf("expected listenOnly true")
	}
	if base.uploadWindow != 30*time.Second {
		t.Fatalf("expected uploadWindow 30s got %v", base.uploadWindow)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{canIf: "can0"}
	os.Setenv("CAN_MONITOR_IF", "can1")
	t.Cleanup(func() { os.Unsetenv("CAN_MONITOR_IF") })
	// Simulate user passed -can-if flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"can-if": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.canIf != "can0" {
		t.Fatalf("expected canIf unchanged can0 got %q", base.canIf)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := &appConfig{uploadBaud: 115200}
	os.Setenv("CAN_MONITOR_UPLOAD_BAUD", "notint")
	t.Cleanup(func() { os.Unsetenv("CAN_MONITOR_UPLOAD_BAUD") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverrides_BadDuration(t *testing.T) {
	base := &appConfig{uploadWindow: time.Second}
	os.Setenv("CAN_MONITOR_UPLOAD_WINDOW", "soon")
	t.Cleanup(func() { os.Unsetenv("CAN_MONITOR_UPLOAD_WINDOW") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
