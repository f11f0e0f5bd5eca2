package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kisy/relaystats/model"
)

const defaultConfigFile = "relaystats.toml"

type Config struct {
	Listen          string       `toml:"listen"`
	Interface       string       `toml:"interface"`
	RelayPorts      []uint16     `toml:"relay_ports"`
	RefreshInterval int          `toml:"interval"`
	Autostart       bool         `toml:"autostart"`
	LogLevel        string       `toml:"log_level"`
	LogFormat       string       `toml:"log_format"`
	Params          model.Params `toml:"params"`
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

func defaultConfig() Config {
	return Config{
		Listen:          ":8080",
		RefreshInterval: 1,
		LogLevel:        "info",
		LogFormat:       "console",
		Params: model.Params{
			MaxClients: 2,
		},
	}
}

// loadConfig reads the TOML file named by -config and applies flag overrides.
func loadConfig(args []string, stderr io.Writer) (Config, error) {
	fs := flag.NewFlagSet("relaystats", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configFile string
		listenAddr string
		iface      string
		interval   int
		autostart  bool
		logLevel   string
		maxClients int
		ports      string
	)
	fs.StringVar(&configFile, "config", defaultConfigFile, "Path to configuration file")
	fs.StringVar(&listenAddr, "listen", "", "Server listen address (overrides config)")
	fs.StringVar(&iface, "interface", "", "Interface the relay listens on (overrides config)")
	fs.IntVar(&interval, "interval", 0, "Tick interval in seconds (default 1)")
	fs.BoolVar(&autostart, "autostart", false, "Start a relay session on launch")
	fs.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.IntVar(&maxClients, "max-clients", 0, "Maximum relay clients (overrides config)")
	fs.StringVar(&ports, "ports", "", "Comma separated relay ports (overrides config)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	if _, err := os.Stat(configFile); err == nil {
		if _, err := toml.DecodeFile(configFile, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if configFile != defaultConfigFile || !errors.Is(err, os.ErrNotExist) {
		// Only error if user explicitly provided a config file that doesn't exist
		return Config{}, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	// Flag overrides config
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if iface != "" {
		cfg.Interface = iface
	}
	if interval > 0 {
		cfg.RefreshInterval = interval
	}
	if autostart {
		cfg.Autostart = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if maxClients > 0 {
		cfg.Params.MaxClients = maxClients
	}
	if ports != "" {
		parsed, err := parsePorts(ports)
		if err != nil {
			return Config{}, err
		}
		cfg.RelayPorts = parsed
	}

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 1
	}
	if len(cfg.RelayPorts) == 0 {
		return Config{}, errors.New("relay_ports must list at least one port")
	}
	if err := cfg.Params.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parsePorts(s string) ([]uint16, error) {
	var ports []uint16
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		p, err := strconv.ParseUint(field, 10, 16)
		if err != nil || p == 0 {
			return nil, fmt.Errorf("invalid relay port %q", field)
		}
		ports = append(ports, uint16(p))
	}
	return ports, nil
}
