// Package config loads Warden's configuration: coordinator defaults from
// ~/.warden/config.json and the optional named profile targets manifest
// from ~/.warden/profiles.yaml.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Duration is a time.Duration that marshals as a human-readable string
// ("30s", "1m") in both the JSON config file and the YAML targets
// manifest.
type Duration time.Duration

// UnmarshalJSON parses a duration string or a plain number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML parses a duration string or a plain number of nanoseconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case int:
		*d = Duration(time.Duration(value))
		return nil
	default:
		return fmt.Errorf("config: invalid duration value %v", v)
	}
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// BackoffConfig is the retry schedule for lock acquisition under
// contention.
type BackoffConfig struct {
	Initial    Duration `json:"initial"`
	Max        Duration `json:"max"`
	Multiplier float64  `json:"multiplier"`
}

// SessionConfig holds the coordinator defaults.
type SessionConfig struct {
	// StaleAfter is how old a heartbeat must be before a dead owner's
	// lock becomes reclaimable.
	StaleAfter Duration `json:"stale_after"`

	// AcquireTimeout bounds retrying when a directory is busy. Zero means
	// fail on the first conflict.
	AcquireTimeout Duration `json:"acquire_timeout"`

	// RenewFraction positions the heartbeat interval as a fraction of
	// StaleAfter.
	RenewFraction float64 `json:"renew_fraction"`

	// Backoff is the retry schedule under contention.
	Backoff BackoffConfig `json:"backoff"`
}

// BrowserConfig holds the launcher defaults.
type BrowserConfig struct {
	Headless  bool     `json:"headless"`
	ExtraArgs []string `json:"extra_args"`
}

// Config is Warden's top-level configuration.
type Config struct {
	Session SessionConfig `json:"session"`
	Browser BrowserConfig `json:"browser"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			StaleAfter:     Duration(30 * time.Second),
			AcquireTimeout: 0,
			RenewFraction:  1.0 / 3.0,
			Backoff: BackoffConfig{
				Initial:    Duration(100 * time.Millisecond),
				Max:        Duration(2 * time.Second),
				Multiplier: 2.0,
			},
		},
		Browser: BrowserConfig{
			Headless: false,
		},
	}
}

// DefaultPath returns ~/.warden/config.json.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".warden", "config.json"), nil
}

// Load reads the configuration file at path, applying defaults for
// anything unset. If path is empty the default location is used; a missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the coordinator cannot use.
func (c *Config) Validate() error {
	if c.Session.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive")
	}
	if c.Session.AcquireTimeout < 0 {
		return fmt.Errorf("acquire_timeout cannot be negative")
	}
	if c.Session.RenewFraction <= 0 || c.Session.RenewFraction >= 1 {
		return fmt.Errorf("renew_fraction must be between 0 and 1")
	}
	if c.Session.Backoff.Initial <= 0 {
		return fmt.Errorf("backoff initial must be positive")
	}
	if c.Session.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	if c.Session.Backoff.Max < c.Session.Backoff.Initial {
		return fmt.Errorf("backoff max must be at least backoff initial")
	}
	return nil
}
