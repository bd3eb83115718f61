// Package config loads disksurvey's YAML configuration file, falling back
// to built-in defaults, and validates the result. CLI flags are applied on
// top of the loaded Config by the command layer.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxDisks is a data-model invariant (the fixed disk slot slab size), not a
// tunable: it is never read from the config file.
const MaxDisks = 128

// Duration is time.Duration with YAML (de)serialization via
// time.ParseDuration, so config files write "30s" rather than nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds every daemon-wide setting that is not a hard-coded data
// model invariant.
type Config struct {
	SGGlob          string   `yaml:"sg_glob"`
	StateFile       string   `yaml:"state_file"`
	HTTPAddr        string   `yaml:"http_addr"`
	MCPEnabled      bool     `yaml:"mcp_enabled"`
	RescanInterval  Duration `yaml:"rescan_interval"`
	TURInterval     Duration `yaml:"tur_interval"`
	MonitorInterval Duration `yaml:"monitor_interval"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
}

// Default returns the built-in configuration, matching spec.md §6/§5.
func Default() *Config {
	return &Config{
		SGGlob:          "/dev/sg*",
		StateFile:       "./disksurvey.dat",
		HTTPAddr:        ":5001",
		MCPEnabled:      false,
		RescanInterval:  Duration(30 * time.Second),
		TURInterval:     Duration(1 * time.Second),
		MonitorInterval: Duration(3600 * time.Second),
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load reads path as YAML over the defaults. An empty path, or a path that
// does not exist, returns Default() unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants the daemon relies on at startup.
func (c *Config) Validate() error {
	if c.RescanInterval <= 0 {
		return fmt.Errorf("rescan_interval must be > 0, got %s", time.Duration(c.RescanInterval))
	}
	if c.TURInterval <= 0 {
		return fmt.Errorf("tur_interval must be > 0, got %s", time.Duration(c.TURInterval))
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be > 0, got %s", time.Duration(c.MonitorInterval))
	}
	if c.SGGlob == "" {
		return fmt.Errorf("sg_glob must not be empty")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state_file must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
		return fmt.Errorf("http_addr %q is not a valid host:port: %w", c.HTTPAddr, err)
	}
	return nil
}
