// Package config loads the YAML configuration shared by the nego binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/astromechza/nego/pkg/gesture"
	"github.com/astromechza/nego/pkg/reorder"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Sync    SyncConfig    `yaml:"sync"`
	Gesture GestureConfig `yaml:"gesture"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	DatabasePath   string   `yaml:"database_path"`
	Secret         string   `yaml:"secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	SweepInterval  string   `yaml:"sweep_interval"`
	PingInterval   string   `yaml:"ping_interval"`
}

type ClientConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Timeout string `yaml:"timeout"`
}

// SyncConfig tunes the reorder synchronizer.
type SyncConfig struct {
	Attempts  int    `yaml:"attempts"`
	BaseDelay string `yaml:"base_delay"`
	MaxDelay  string `yaml:"max_delay"`
	Timeout   string `yaml:"timeout"`
}

type GestureConfig struct {
	// Threshold is the pointer distance that turns a press into a drag.
	Threshold float64 `yaml:"threshold"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           "localhost:8080",
			DatabasePath:   "nego.sqlite3",
			AllowedOrigins: []string{"http://localhost:5173"},
			SweepInterval:  "1m",
			PingInterval:   "30s",
		},
		Client: ClientConfig{
			BaseURL: "http://localhost:8080",
			Timeout: "30s",
		},
		Sync: SyncConfig{
			Attempts:  3,
			BaseDelay: "200ms",
			MaxDelay:  "2s",
			Timeout:   "10s",
		},
		Gesture: GestureConfig{Threshold: gesture.DefaultThreshold},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, then applies NEGO_* environment overrides. An empty path only
// applies defaults and environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"NEGO_ADDR":       &c.Server.Addr,
		"NEGO_DATABASE":   &c.Server.DatabasePath,
		"NEGO_SECRET":     &c.Server.Secret,
		"NEGO_BASE_URL":   &c.Client.BaseURL,
		"NEGO_TOKEN":      &c.Client.Token,
		"NEGO_LOG_LEVEL":  &c.Logging.Level,
		"NEGO_LOG_FORMAT": &c.Logging.Format,
	}
	for k, dst := range str {
		if v, ok := lookup(k); ok {
			*dst = v
		}
	}
	if v, ok := lookup("NEGO_ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v, ok := lookup("NEGO_SYNC_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NEGO_SYNC_ATTEMPTS: %w", err)
		}
		c.Sync.Attempts = n
	}
	return nil
}

func duration(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return d, nil
}

func (c Config) Validate() error {
	for name, v := range map[string]string{
		"server.sweep_interval": c.Server.SweepInterval,
		"server.ping_interval":  c.Server.PingInterval,
		"client.timeout":        c.Client.Timeout,
		"sync.base_delay":       c.Sync.BaseDelay,
		"sync.max_delay":        c.Sync.MaxDelay,
		"sync.timeout":          c.Sync.Timeout,
	} {
		d, err := duration(name, v)
		if err != nil {
			return err
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	// both drive tickers
	if d, _ := duration("", c.Server.SweepInterval); d <= 0 {
		return fmt.Errorf("server.sweep_interval must be greater than 0")
	}
	if d, _ := duration("", c.Server.PingInterval); d <= 0 {
		return fmt.Errorf("server.ping_interval must be greater than 0")
	}
	if c.Sync.Attempts < 1 {
		return fmt.Errorf("sync.attempts must be at least 1")
	}
	if c.Gesture.Threshold < 0 {
		return fmt.Errorf("gesture.threshold must not be negative")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// The accessors below assume Validate passed.

func (s ServerConfig) Sweep() time.Duration {
	d, _ := time.ParseDuration(s.SweepInterval)
	return d
}

func (s ServerConfig) Ping() time.Duration {
	d, _ := time.ParseDuration(s.PingInterval)
	return d
}

func (c ClientConfig) RequestTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

func (s SyncConfig) Policy() reorder.Policy {
	p := reorder.Policy{Attempts: s.Attempts}
	p.BaseDelay, _ = time.ParseDuration(s.BaseDelay)
	p.MaxDelay, _ = time.ParseDuration(s.MaxDelay)
	p.Timeout, _ = time.ParseDuration(s.Timeout)
	return p
}
