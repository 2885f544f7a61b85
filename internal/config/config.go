// Package config manages the refresh daemon's persisted configuration
// and the platform directories for config and cache data.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults are tunables preserved from long-standing behavior.
const (
	DefaultUpdateIntervalHours = 6
	DefaultProbeBatchSize      = 10
	DefaultProbePauseMillis    = 500
)

// Config is the daemon configuration, stored as yaml in the config dir.
type Config struct {
	// Enabled gates the background refresh loop. The daemon still
	// starts when disabled so status and forced updates keep working.
	Enabled bool `yaml:"enabled"`

	// UpdateIntervalHours is the refresh period and the staleness
	// threshold for the cached snapshot.
	UpdateIntervalHours int `yaml:"update_interval_hours"`

	// ProbeBatchSize and ProbePauseMillis throttle capability probing
	// against the automation bridge.
	ProbeBatchSize   int `yaml:"probe_batch_size"`
	ProbePauseMillis int `yaml:"probe_pause_ms"`
}

// Default returns the first-run configuration.
func Default() *Config {
	return &Config{
		Enabled:             true,
		UpdateIntervalHours: DefaultUpdateIntervalHours,
		ProbeBatchSize:      DefaultProbeBatchSize,
		ProbePauseMillis:    DefaultProbePauseMillis,
	}
}

// Interval returns the refresh period as a duration.
func (c *Config) Interval() time.Duration {
	hours := c.UpdateIntervalHours
	if hours <= 0 {
		hours = DefaultUpdateIntervalHours
	}
	return time.Duration(hours) * time.Hour
}

// ProbePause returns the inter-batch probe pause as a duration.
func (c *Config) ProbePause() time.Duration {
	ms := c.ProbePauseMillis
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// GetConfigDir returns the config directory, honoring the env override
// used by tests and portable installs.
func GetConfigDir() (string, error) {
	if override := os.Getenv("APPLE_MCP_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "apple-mcp"), nil
}

// GetDataDir returns the platform-specific data directory holding the
// cache snapshot and the daemon liveness marker.
func GetDataDir() (string, error) {
	if override := os.Getenv("APPLE_MCP_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "AppleMCP"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "apple-mcp"), nil
	}

	return filepath.Join(home, ".local", "share", "apple-mcp"), nil
}

// Path returns the config file location.
func Path() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file, returning defaults when it does not
// exist yet.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config file, creating the config directory if
// needed.
func (c *Config) Save() error {
	dir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Get returns a config value by key for the CLI config surface.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "enabled":
		return strconv.FormatBool(c.Enabled), nil
	case "update_interval_hours":
		return strconv.Itoa(c.UpdateIntervalHours), nil
	case "probe_batch_size":
		return strconv.Itoa(c.ProbeBatchSize), nil
	case "probe_pause_ms":
		return strconv.Itoa(c.ProbePauseMillis), nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

// Set updates a config value by key, validating the value shape.
func (c *Config) Set(key, value string) error {
	switch key {
	case "enabled":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("enabled must be true or false: %w", err)
		}
		c.Enabled = v
	case "update_interval_hours":
		v, err := strconv.Atoi(value)
		if err != nil || v <= 0 {
			return fmt.Errorf("update_interval_hours must be a positive integer")
		}
		c.UpdateIntervalHours = v
	case "probe_batch_size":
		v, err := strconv.Atoi(value)
		if err != nil || v <= 0 {
			return fmt.Errorf("probe_batch_size must be a positive integer")
		}
		c.ProbeBatchSize = v
	case "probe_pause_ms":
		v, err := strconv.Atoi(value)
		if err != nil || v < 0 {
			return fmt.Errorf("probe_pause_ms must be a non-negative integer")
		}
		c.ProbePauseMillis = v
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}
