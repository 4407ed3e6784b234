// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultStaleTimeoutSec            = 90
	DefaultTracerouteIntervalMinutes  = 15
	DefaultTracerouteStaleAfterMinute = 60
	DefaultDBPath                     = "meshmon.db"
	DefaultMetricsPath                = "meshmon-metrics.json"
	DefaultEventBuffer                = 256
)

// Config holds the gateway settings.
type Config struct {
	// NodeAddr is the radio node's stream endpoint, host:port.
	NodeAddr string `yaml:"node_addr"`
	// StaleTimeoutSec forces a reconnect after this many seconds of silence.
	StaleTimeoutSec int `yaml:"stale_timeout_sec"`
	// TracerouteIntervalMinutes drives the probe scheduler; 0 disables it.
	TracerouteIntervalMinutes int `yaml:"traceroute_interval_minutes"`
	// TracerouteStaleAfterMinutes is how old a node's last successful probe
	// may get before it is considered due again.
	TracerouteStaleAfterMinutes int `yaml:"traceroute_stale_after_minutes"`
	// DBPath is the sqlite database file.
	DBPath string `yaml:"db_path"`
	// FeedAddr, when set, serves the live event feed on this udp host:port.
	FeedAddr string `yaml:"feed_addr,omitempty"`
	// MetricsPath is where the counter snapshot is written for status reads.
	MetricsPath string `yaml:"metrics_path"`
	// EventBuffer is the per-subscriber event queue depth.
	EventBuffer int `yaml:"event_buffer"`
	// Debug lowers the log level to debug.
	Debug bool `yaml:"debug,omitempty"`

	// Channels are decryption keys loaded into the key registry at startup.
	Channels []ChannelConfig `yaml:"channels,omitempty"`
}

// ChannelConfig is one channel key as configured on disk. The PSK is
// base64, 16 or 32 bytes decoded.
type ChannelConfig struct {
	Name                  string `yaml:"name"`
	PSK                   string `yaml:"psk"`
	Enabled               *bool  `yaml:"enabled,omitempty"`
	EnforceNameValidation bool   `yaml:"enforce_name_validation,omitempty"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.NodeAddr == "" {
		return fmt.Errorf("node_addr is required")
	}
	if cfg.StaleTimeoutSec < 0 {
		return fmt.Errorf("stale_timeout_sec must not be negative")
	}
	if cfg.TracerouteIntervalMinutes < 0 {
		return fmt.Errorf("traceroute_interval_minutes must not be negative")
	}
	for i, ch := range cfg.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d].name is required", i)
		}
		if ch.PSK == "" {
			return fmt.Errorf("channels[%d].psk is required", i)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.StaleTimeoutSec == 0 {
		cfg.StaleTimeoutSec = DefaultStaleTimeoutSec
	}
	if cfg.TracerouteIntervalMinutes == 0 {
		cfg.TracerouteIntervalMinutes = DefaultTracerouteIntervalMinutes
	}
	if cfg.TracerouteStaleAfterMinutes == 0 {
		cfg.TracerouteStaleAfterMinutes = DefaultTracerouteStaleAfterMinute
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = DefaultMetricsPath
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
}
