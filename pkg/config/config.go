// Package config holds the runtime configuration, the bonded-peripheral
// store and logger construction.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that round-trips through YAML as a string
// ("250ms", "3s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// RadioConfig bounds the time-slicing between the BLE and Wifi stacks. The
// exact split is a deployment decision, not a constant.
type RadioConfig struct {
	MinSlice        Duration `yaml:"min_slice"`
	MaxBudget       Duration `yaml:"max_budget"`
	MaxWait         Duration `yaml:"max_wait"`
	ExclusiveBudget Duration `yaml:"exclusive_budget"`
}

// PeerConfig bounds the connection lifecycle.
type PeerConfig struct {
	ConnectTimeout   Duration `yaml:"connect_timeout"`
	DiscoveryTimeout Duration `yaml:"discovery_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout"`
	NotifyBuffer     int      `yaml:"notify_buffer" default:"128"`
	ReconnectBackoff Duration `yaml:"reconnect_backoff"`
}

// ScanConfig controls peripheral discovery.
type ScanConfig struct {
	Duration       Duration `yaml:"duration"`
	PeripheralName string   `yaml:"peripheral_name" default:"SteamController"`
}

// Config holds application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"warn"`

	Radio RadioConfig `yaml:"radio"`
	Peer  PeerConfig  `yaml:"peer"`
	Scan  ScanConfig  `yaml:"scan"`

	// BondFile is where the bonded peripheral address is persisted.
	BondFile string `yaml:"bond_file"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	c := &Config{
		Radio: RadioConfig{
			MinSlice:        Duration(50 * time.Millisecond),
			MaxBudget:       Duration(250 * time.Millisecond),
			MaxWait:         Duration(500 * time.Millisecond),
			ExclusiveBudget: Duration(2 * time.Second),
		},
		Peer: PeerConfig{
			ConnectTimeout:   Duration(10 * time.Second),
			DiscoveryTimeout: Duration(15 * time.Second),
			WriteTimeout:     Duration(2 * time.Second),
			ReconnectBackoff: Duration(3 * time.Second),
		},
		Scan: ScanConfig{
			Duration: Duration(10 * time.Second),
		},
	}
	defaults.SetDefaults(c)
	return c
}

// Load reads a YAML config file, applying defaults for absent fields. A
// missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return c, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %q: %w", path, err)
	}
	return nil
}

// ParseLevel maps a level name onto a logrus level. Empty means warn.
func ParseLevel(name string) (logrus.Level, error) {
	switch name {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", name)
	}
}

// NewLogger creates a logger at the given level with the project's text
// formatter.
func NewLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// ParseLevel maps the configured log level onto a logrus level.
func (c *Config) ParseLevel() (logrus.Level, error) {
	return ParseLevel(c.LogLevel)
}

// NewLogger creates a logger at the configured level. An unparseable level
// falls back to warn.
func (c *Config) NewLogger() *logrus.Logger {
	level, err := c.ParseLevel()
	if err != nil {
		level = logrus.WarnLevel
	}
	return NewLogger(level)
}
