package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Target is a named (directory, profile, family) triple so callers can
// open frequently used profiles by name instead of spelling out paths.
type Target struct {
	// Dir is the user data directory path. Tilde expansion is applied.
	Dir string `yaml:"dir"`

	// Profile optionally names a sub-profile inside Dir.
	Profile string `yaml:"profile"`

	// Family is the browser family ("chromium" or "other").
	// Defaults to chromium.
	Family string `yaml:"family"`

	// StaleAfter optionally overrides the configured staleness window
	// when opening this target.
	StaleAfter Duration `yaml:"stale_after"`

	// AcquireTimeout optionally overrides how long to retry when this
	// target's directory is busy.
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// Targets is the profiles manifest: target name to definition.
type Targets map[string]Target

// DefaultTargetsPath returns ~/.warden/profiles.yaml.
func DefaultTargetsPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".warden", "profiles.yaml"), nil
}

// LoadTargets reads the profiles manifest. If path is empty the default
// location is used; a missing file yields an empty manifest.
func LoadTargets(path string) (Targets, error) {
	if path == "" {
		defaultPath, err := DefaultTargetsPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Targets{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var targets Targets
	if err := yaml.Unmarshal(data, &targets); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	for name, t := range targets {
		if t.Dir == "" {
			return nil, fmt.Errorf("config: target %q has no dir", name)
		}
		if t.StaleAfter < 0 {
			return nil, fmt.Errorf("config: target %q has a negative stale_after", name)
		}
		if t.AcquireTimeout < 0 {
			return nil, fmt.Errorf("config: target %q has a negative acquire_timeout", name)
		}
	}
	return targets, nil
}

// Lookup resolves a target by name, expanding a leading ~ in its dir.
func (t Targets) Lookup(name string) (Target, error) {
	target, ok := t[name]
	if !ok {
		return Target{}, fmt.Errorf("config: unknown target %q", name)
	}

	if len(target.Dir) >= 2 && target.Dir[:2] == "~/" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return Target{}, fmt.Errorf("config: expand ~ in target %q: %w", name, err)
		}
		target.Dir = filepath.Join(homeDir, target.Dir[2:])
	}

	if target.Family == "" {
		target.Family = "chromium"
	}
	return target, nil
}
