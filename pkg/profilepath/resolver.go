// Package profilepath validates and canonicalizes the (user data
// directory, profile name) pair a session will bind to. Validation happens
// before any lock is attempted: a profile name with a browser family that
// has no sub-profile concept is rejected without touching the filesystem.
package profilepath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Family tags the browser family a directory belongs to. Only
// chromium-like browsers partition a user data directory into named
// sub-profiles.
type Family string

const (
	// ChromiumLike covers Chrome, Chromium, Edge, Brave and friends.
	ChromiumLike Family = "chromium"

	// Other covers families without sub-profile support (Firefox, WebKit).
	Other Family = "other"
)

// ParseFamily converts a configuration string into a Family.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(s) {
	case "chromium", "chrome", "chromium-like":
		return ChromiumLike, nil
	case "other", "firefox", "webkit":
		return Other, nil
	default:
		return "", fmt.Errorf("profilepath: unknown browser family %q", s)
	}
}

var (
	// ErrUnsupportedProfileFeature indicates a profile name was given for
	// a family without sub-profile support.
	ErrUnsupportedProfileFeature = errors.New("profilepath: profile names require a chromium-like browser")

	// ErrInvalidPath indicates the directory path (or profile name) cannot
	// name a usable user data directory.
	ErrInvalidPath = errors.New("profilepath: invalid user data directory")
)

// profileNamePatterns are the directory names chromium itself creates
// inside a user data directory.
var profileNamePatterns = []glob.Glob{
	glob.MustCompile("Default"),
	glob.MustCompile("Profile *"),
	glob.MustCompile("Guest Profile"),
	glob.MustCompile("System Profile"),
}

// ValidProfileName reports whether the name matches chromium's profile
// directory naming scheme.
func ValidProfileName(name string) bool {
	for _, p := range profileNamePatterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}

// Resolve returns the canonical absolute path of the user data directory,
// creating it (and its parent) when absent. The profile's internal
// contents are never created here; that is the browser's job on first
// launch.
func Resolve(dir, profile string, family Family) (string, error) {
	// Family constraints come first, regardless of filesystem state.
	if profile != "" {
		if family != ChromiumLike {
			return "", fmt.Errorf("%w: profile %q with family %q", ErrUnsupportedProfileFeature, profile, family)
		}
		if !ValidProfileName(profile) {
			return "", fmt.Errorf("%w: %q is not a chromium profile directory name", ErrInvalidPath, profile)
		}
	}

	if dir == "" {
		return "", fmt.Errorf("%w: directory path is empty", ErrInvalidPath)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	abs = filepath.Clean(abs)

	info, err := os.Stat(abs)
	switch {
	case err == nil:
		if !info.IsDir() {
			return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, abs)
		}
		// Resolve symlinks so two spellings of one directory share a lock.
		canonical, evalErr := filepath.EvalSymlinks(abs)
		if evalErr != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPath, evalErr)
		}
		return canonical, nil

	case errors.Is(err, os.ErrNotExist):
		// Creating the directory is idempotent and not rolled back on a
		// later failure.
		if mkErr := os.MkdirAll(abs, 0750); mkErr != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPath, mkErr)
		}
		return abs, nil

	default:
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
}
