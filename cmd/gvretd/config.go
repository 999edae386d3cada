package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	serialDev       string
	baud            int
	gvretAddr       string
	elmAddr         string
	serialReadTO    time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	backend         string
	canIf           string
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	btName          string
	btEnable        bool
	heartbeat       bool
	diagAddr        string
	canFD           bool
	canFDSpeed      int
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serialDev := flag.String("serial", "", "Serial device path carrying the GVRET byte stream (empty disables)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	gvretAddr := flag.String("gvret-listen", ":23", "GVRET TCP listen address (telnet port, MAX_CLIENTS=1)")
	elmAddr := flag.String("elm-listen", ":1000", "ELM327 TCP listen address (MAX_CLIENTS=1)")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	backend := flag.String("backend", "socketcan", "CAN bus backend: socketcan|sim (sim is an in-memory loopback for hosts without CAN hardware)")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the GVRET and ELM327 services")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default gvretd-<hostname>)")
	btName := flag.String("bt-name", "GVRET", "Bluetooth SPP device name recorded in the settings snapshot (no Bluetooth transport is opened)")
	btEnable := flag.Bool("bt-enable", false, "Mark Bluetooth SPP enabled in the settings snapshot (no Bluetooth transport is opened)")
	heartbeat := flag.Bool("heartbeat", true, "Broadcast the UDP presence heartbeat on 255.255.255.255:17222")
	diagAddr := flag.String("diag-addr", "", "Read-only diagnostic dashboard HTTP/websocket listen address (e.g., :8080); empty disables")
	canFD := flag.Bool("can-fd", false, "Configure bus 0 in CAN FD mode instead of classic CAN")
	canFDSpeed := flag.Int("can-fd-speed", 2_000_000, "CAN FD data-phase bit rate for bus 0 (when --can-fd)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.gvretAddr = *gvretAddr
	cfg.elmAddr = *elmAddr
	cfg.serialReadTO = *serialReadTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.clientReadTO = *clientReadTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.btName = *btName
	cfg.btEnable = *btEnable
	cfg.heartbeat = *heartbeat
	cfg.diagAddr = *diagAddr
	cfg.canFD = *canFD
	cfg.canFDSpeed = *canFDSpeed

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
// It does not attempt to open devices or listeners - only checks values/ranges.
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
	case "socketcan", "sim":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.canFD && c.canFDSpeed <= 0 {
		return fmt.Errorf("can-fd-speed must be > 0 when can-fd is set (got %d)", c.canFDSpeed)
	}
	return nil
}

// applyEnvOverrides maps GVRETD_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing is lax:
// empty values ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["serial"]; !ok {
		if v, ok := get("GVRETD_SERIAL"); ok {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("GVRETD_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GVRETD_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["gvret-listen"]; !ok {
		if v, ok := get("GVRETD_GVRET_LISTEN"); ok && v != "" {
			c.gvretAddr = v
		}
	}
	if _, ok := set["elm-listen"]; !ok {
		if v, ok := get("GVRETD_ELM_LISTEN"); ok && v != "" {
			c.elmAddr = v
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("GVRETD_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GVRETD_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("GVRETD_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("GVRETD_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("GVRETD_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["backend"]; !ok {
		if v, ok := get("GVRETD_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("GVRETD_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("GVRETD_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.clientReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GVRETD_CLIENT_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("GVRETD_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("GVRETD_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["bt-name"]; !ok {
		if v, ok := get("GVRETD_BT_NAME"); ok && v != "" {
			c.btName = v
		}
	}
	if _, ok := set["bt-enable"]; !ok {
		if v, ok := get("GVRETD_BT_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.btEnable = true
			case "0", "false", "no", "off":
				c.btEnable = false
			}
		}
	}
	if _, ok := set["heartbeat"]; !ok {
		if v, ok := get("GVRETD_HEARTBEAT"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.heartbeat = true
			case "0", "false", "no", "off":
				c.heartbeat = false
			}
		}
	}
	if _, ok := set["diag-addr"]; !ok {
		if v, ok := get("GVRETD_DIAG_ADDR"); ok {
			c.diagAddr = v
		}
	}
	if _, ok := set["can-fd"]; !ok {
		if v, ok := get("GVRETD_CAN_FD"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.canFD = true
			case "0", "false", "no", "off":
				c.canFD = false
			}
		}
	}
	if _, ok := set["can-fd-speed"]; !ok {
		if v, ok := get("GVRETD_CAN_FD_SPEED"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.canFDSpeed = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GVRETD_CAN_FD_SPEED: %w", err)
			}
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("GVRETD_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GVRETD_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
