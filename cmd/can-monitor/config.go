package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-can-controller/config"
)

type appConfig struct {
	backend         string
	canIf           string
	bitrate         uint
	listenOnly      bool
	configPath      string
	uploadDev       string
	uploadBaud      int
	uploadWindow    time.Duration
	serialReadTO    time.Duration
	dumpFrames      bool
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "socketcan", "CAN backend: sim|socketcan (default socketcan)")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	bitrate := flag.Uint("bitrate", 0, "Bus bitrate; 0 uses the stored configuration")
	listenOnly := flag.Bool("listen-only", false, "Attach in listen-only mode (no ACK, no transmit)")
	configPath := flag.String("config", "/var/lib/can-monitor/filter.bin", "Path to the persisted filter record")
	uploadDev := flag.String("upload-serial", "", "Serial device for the configuration upload window; empty disables")
	uploadBaud := flag.Int("upload-baud", 115200, "Serial baud rate for the upload window")
	uploadWindow := flag.Duration("upload-window", 10*time.Second, "How long to accept configuration uploads at startup")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	dumpFrames := flag.Bool("dump", true, "Print accepted frames to stdout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the metrics endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-monitor-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.bitrate = *bitrate
	cfg.listenOnly = *listenOnly
	cfg.configPath = *configPath
	cfg.uploadDev = *uploadDev
	cfg.uploadBaud = *uploadBaud
	cfg.uploadWindow = *uploadWindow
	cfg.serialReadTO = *serialReadTO
	cfg.dumpFrames = *dumpFrames
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "sim", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.bitrate != 0 && !config.SupportedBitrate(uint32(c.bitrate)) {
		return fmt.Errorf("unsupported bitrate: %d", c.bitrate)
	}
	if c.configPath == "" {
		return fmt.Errorf("config path must not be empty")
	}
	if c.uploadBaud <= 0 {
		return fmt.Errorf("upload-baud must be > 0 (got %d)", c.uploadBaud)
	}
	if c.uploadWindow <= 0 {
		return fmt.Errorf("upload-window must be > 0")
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps CAN_MONITOR_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing is lax:
// empty values ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["backend"]; !ok {
		if v, ok := get("CAN_MONITOR_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("CAN_MONITOR_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["bitrate"]; !ok {
		if v, ok := get("CAN_MONITOR_BITRATE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.bitrate = uint(n)
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_MONITOR_BITRATE: %w", err)
			}
		}
	}
	if _, ok := set["listen-only"]; !ok {
		if v, ok := get("CAN_MONITOR_LISTEN_ONLY"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.listenOnly = true
			case "0", "false", "no", "off":
				c.listenOnly = false
			}
		}
	}
	if _, ok := set["config"]; !ok {
		if v, ok := get("CAN_MONITOR_CONFIG"); ok && v != "" {
			c.configPath = v
		}
	}
	if _, ok := set["upload-serial"]; !ok {
		if v, ok := get("CAN_MONITOR_UPLOAD_SERIAL"); ok {
			c.uploadDev = v
		}
	}
	if _, ok := set["upload-baud"]; !ok {
		if v, ok := get("CAN_MONITOR_UPLOAD_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.uploadBaud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_MONITOR_UPLOAD_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["upload-window"]; !ok {
		if v, ok := get("CAN_MONITOR_UPLOAD_WINDOW"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.uploadWindow = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_MONITOR_UPLOAD_WINDOW: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("CAN_MONITOR_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_MONITOR_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["dump"]; !ok {
		if v, ok := get("CAN_MONITOR_DUMP"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.dumpFrames = true
			case "0", "false", "no", "off":
				c.dumpFrames = false
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CAN_MONITOR_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CAN_MONITOR_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_MONITOR_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAN_MONITOR_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_MONITOR_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAN_MONITOR_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CAN_MONITOR_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
