package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// channelConfig describes one local CAN attachment. A bit rate of 0
// disables the channel entirely.
type channelConfig struct {
	backend string // socketcan|serial|off
	iface   string // socketcan interface name
	device  string // serial device path
	baud    int
	bitRate uint
}

type appConfig struct {
	ctrlAddr        string
	tick            time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	envFile         string
	serialReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	can0            channelConfig
	can1            channelConfig
}

func channelFlags(prefix string, defBackend, defIface string, defBitRate uint) *channelConfig {
	cfg := &channelConfig{}
	flag.StringVar(&cfg.backend, prefix+"-backend", defBackend, "Channel backend: socketcan|serial|off")
	flag.StringVar(&cfg.iface, prefix+"-if", defIface, "SocketCAN interface (when backend=socketcan)")
	flag.StringVar(&cfg.device, prefix+"-dev", "", "Serial device path (when backend=serial)")
	flag.IntVar(&cfg.baud, prefix+"-baud", 115200, "Serial baud rate (when backend=serial)")
	flag.UintVar(&cfg.bitRate, prefix+"-bitrate", defBitRate, "CAN bit rate; 0 disables the channel")
	return cfg
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	ctrlAddr := flag.String("ctrl-listen", ":20100", "Control-plane HTTP listen address")
	tick := flag.Duration("tick", time.Millisecond, "Forwarding loop tick interval")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	envFile := flag.String("env-file", "", "Optional dotenv file loaded before CAN_GW_* overrides")
	serialReadTO := flag.Duration("serial-read-timeout", 2*time.Millisecond, "Serial read timeout (keep short; reads happen inside the tick)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the control endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-gateway-<hostname>)")
	can0 := channelFlags("can0", "socketcan", "can0", 250000)
	can1 := channelFlags("can1", "off", "can1", 0)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.ctrlAddr = *ctrlAddr
	cfg.tick = *tick
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.envFile = *envFile
	cfg.serialReadTO = *serialReadTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.can0 = *can0
	cfg.can1 = *can1

	if cfg.envFile != "" {
		if err := godotenv.Load(cfg.envFile); err != nil {
			fmt.Printf("env file error: %v\n", err)
			return nil, *showVersion
		}
	}
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
	if c.tick <= 0 {
		return fmt.Errorf("tick must be > 0")
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	for name, ch := range map[string]channelConfig{"can0": c.can0, "can1": c.can1} {
		switch ch.backend {
		case "socketcan", "serial", "off":
		default:
			return fmt.Errorf("invalid %s-backend: %s", name, ch.backend)
		}
		if ch.backend == "serial" && ch.bitRate > 0 {
			if ch.device == "" {
				return fmt.Errorf("%s-dev required for serial backend", name)
			}
			if ch.baud <= 0 {
				return fmt.Errorf("%s-baud must be > 0 (got %d)", name, ch.baud)
			}
		}
	}
	return nil
}

// applyEnvOverrides maps CAN_GW_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are
// ignored; durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["ctrl-listen"]; !ok {
		if v, ok := get("CAN_GW_CTRL_LISTEN"); ok && v != "" {
			c.ctrlAddr = v
		}
	}
	if _, ok := set["tick"]; !ok {
		if v, ok := get("CAN_GW_TICK"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.tick = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_GW_TICK: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CAN_GW_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CAN_GW_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_GW_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAN_GW_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_GW_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAN_GW_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CAN_GW_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["can0-bitrate"]; !ok {
		if v, ok := get("CAN_GW_CAN0_BITRATE"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				c.can0.bitRate = uint(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_GW_CAN0_BITRATE: %w", err)
			}
		}
	}
	if _, ok := set["can1-bitrate"]; !ok {
		if v, ok := get("CAN_GW_CAN1_BITRATE"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				c.can1.bitRate = uint(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_GW_CAN1_BITRATE: %w", err)
			}
		}
	}
	if _, ok := set["can0-backend"]; !ok {
		if v, ok := get("CAN_GW_CAN0_BACKEND"); ok && v != "" {
			c.can0.backend = v
		}
	}
	if _, ok := set["can1-backend"]; !ok {
		if v, ok := get("CAN_GW_CAN1_BACKEND"); ok && v != "" {
			c.can1.backend = v
		}
	}
	return firstErr
}
