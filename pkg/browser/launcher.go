// Package browser launches a chromium browser bound to a user data
// directory through Playwright. It implements the session.Launcher
// contract; lock coordination stays in pkg/session, this package only
// starts and stops the external process.
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/browserwarden/warden/pkg/logging"
	"github.com/browserwarden/warden/pkg/session"
)

// Default values for launched browsers
const (
	DefaultLaunchTimeout = 60000.0 // 60 seconds in milliseconds
)

// LaunchOptions configures launched browsers.
type LaunchOptions struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool

	// ExtraArgs are appended to the browser command line
	ExtraArgs []string

	// Timeout bounds browser startup (in milliseconds)
	Timeout float64
}

// Launcher starts persistent-context browsers. A single Launcher reuses
// one Playwright driver across launches.
type Launcher struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	opts        LaunchOptions
	log         *logging.Logger
	initialized bool
}

// NewLauncher creates a launcher with the given options.
func NewLauncher(opts LaunchOptions) *Launcher {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultLaunchTimeout
	}
	logger, _ := logging.NewLogger("browser")
	return &Launcher{opts: opts, log: logger}
}

// Initialize installs and starts the Playwright driver.
// This must be called before Launch.
func (l *Launcher) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized {
		return nil
	}

	// Driver output goes to the run log so it cannot interleave with CLI
	// output but stays available when a launch goes wrong
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  l.log.Writer(),
		Stderr:  l.log.Writer(),
	}

	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("browser: install playwright: %w", err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("browser: start playwright: %w", err)
	}

	l.pw = pw
	l.initialized = true
	return nil
}

// Launch starts a browser whose persistent profile data lives in
// userDataDir. For a named sub-profile the chromium --profile-directory
// switch selects it; the browser creates the profile's contents on first
// run.
func (l *Launcher) Launch(ctx context.Context, userDataDir, profile string) (session.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.initialized {
		return nil, fmt.Errorf("browser: launcher not initialized")
	}

	args := profileArgs(l.opts.ExtraArgs, profile)

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(l.opts.Headless),
		Args:     args,
		Timeout:  playwright.Float(l.opts.Timeout),
	}

	pctx, err := l.pw.Chromium.LaunchPersistentContext(userDataDir, launchOpts)
	if err != nil {
		return nil, fmt.Errorf("browser: launch persistent context: %w", err)
	}

	proc := newProcess(pctx)
	return proc, nil
}

// Shutdown stops the Playwright driver. Launched browsers must be
// terminated first.
func (l *Launcher) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.initialized || l.pw == nil {
		return nil
	}
	if err := l.pw.Stop(); err != nil {
		return fmt.Errorf("browser: stop playwright: %w", err)
	}
	l.pw = nil
	l.initialized = false
	return nil
}

// profileArgs returns the extra chromium arguments for a launch.
func profileArgs(extra []string, profile string) []string {
	args := append([]string{}, extra...)
	if profile != "" {
		args = append(args, "--profile-directory="+profile)
	}
	return args
}
