package main

import (
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		backend:      "socketcan",
		canIf:        "can0",
		configPath:   "/tmp/filter.bin",
		uploadBaud:   115200,
		uploadWindow: 10 * time.Second,
		serialReadTO: 50 * time.Millisecond,
		logFormat:    "text",
		logLevel:     "info",
	}
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*appConfig)
	}{
		{"bad log format", func(c *appConfig) { c.logFormat = "xml" }},
		{"bad log level", func(c *appConfig) { c.logLevel = "verbose" }},
		{"bad backend", func(c *appConfig) { c.backend = "serial" }},
		{"bad bitrate", func(c *appConfig) { c.bitrate = 9600 }},
		{"empty config path", func(c *appConfig) { c.configPath = "" }},
		{"bad upload baud", func(c *appConfig) { c.uploadBaud = 0 }},
		{"bad upload window", func(c *appConfig) { c.uploadWindow = 0 }},
		{"bad serial timeout", func(c *appConfig) { c.serialReadTO = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsSupportedBitrates(t *testing.T) {
	for _, b := range []uint{125000, 250000, 500000, 1000000} {
		cfg := validConfig()
		cfg.bitrate = b
		if err := cfg.validate(); err != nil {
			t.Fatalf("bitrate %d rejected: %v", b, err)
		}
	}
}

func TestValidateNil(t *testing.T) {
	var cfg *appConfig
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
