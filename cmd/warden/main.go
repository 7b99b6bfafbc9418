// Package main provides the warden CLI: it binds a browser session to a
// persistent user data directory, holding the cross-process lock for the
// browser's lifetime and releasing it on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/browserwarden/warden/pkg/browser"
	"github.com/browserwarden/warden/pkg/config"
	"github.com/browserwarden/warden/pkg/liveness"
	"github.com/browserwarden/warden/pkg/lockfile"
	"github.com/browserwarden/warden/pkg/lockmgr"
	"github.com/browserwarden/warden/pkg/profilepath"
	"github.com/browserwarden/warden/pkg/session"
)

const version = "0.1.0" // Version of the warden coordinator

// cliConfig holds the command line configuration
type cliConfig struct {
	Dir            string
	Profile        string
	Family         string
	Target         string
	TargetsFile    string
	ConfigFile     string
	StaleAfter     time.Duration
	AcquireTimeout time.Duration
	Headless       bool
	Inspect        bool
	ShowVersion    bool
}

func main() {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("warden v%s\n", version)
		return
	}

	if err := run(cli); err != nil {
		log.Fatalf("warden: %v", err)
	}
}

// parseFlags parses command line flags
func parseFlags() *cliConfig {
	cli := &cliConfig{}

	flag.StringVar(&cli.Dir, "dir", "", "User data directory to bind the session to")
	flag.StringVar(&cli.Profile, "profile", "", "Sub-profile name inside the directory (chromium only)")
	flag.StringVar(&cli.Family, "family", "chromium", "Browser family: chromium or other")
	flag.StringVar(&cli.Target, "target", "", "Named target from the profiles manifest")
	flag.StringVar(&cli.TargetsFile, "targets-file", "", "Path to the profiles manifest (default: ~/.warden/profiles.yaml)")
	flag.StringVar(&cli.ConfigFile, "config", "", "Path to the config file (default: ~/.warden/config.json)")
	flag.DurationVar(&cli.StaleAfter, "stale-after", 0, "Heartbeat age after which a dead owner's lock is reclaimable (default from config)")
	flag.DurationVar(&cli.AcquireTimeout, "acquire-timeout", 0, "How long to retry when the directory is busy (0 = fail immediately)")
	flag.BoolVar(&cli.Headless, "headless", false, "Run the browser headless")
	flag.BoolVar(&cli.Inspect, "inspect", false, "Print the current lock record for the directory and exit")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Warden - persistent browser profile session coordinator\n\n")
		fmt.Fprintf(os.Stderr, "Usage: warden [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  warden -dir ~/.config/automation-profile\n")
		fmt.Fprintf(os.Stderr, "  warden -dir ~/.config/automation-profile -profile \"Profile 1\"\n")
		fmt.Fprintf(os.Stderr, "  warden -target work -acquire-timeout 10s\n")
		fmt.Fprintf(os.Stderr, "  warden -dir ~/.config/automation-profile -inspect\n")
	}

	flag.Parse()
	return cli
}

// run executes the main application logic
func run(cli *cliConfig) error {
	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		return err
	}

	// Precedence for the timing knobs: config file, then target manifest,
	// then command line flags.
	staleAfter := cfg.Session.StaleAfter.Std()
	acquireTimeout := cfg.Session.AcquireTimeout.Std()

	if cli.Target != "" {
		targets, targetsErr := config.LoadTargets(cli.TargetsFile)
		if targetsErr != nil {
			return targetsErr
		}
		target, lookupErr := targets.Lookup(cli.Target)
		if lookupErr != nil {
			return lookupErr
		}
		cli.Dir = target.Dir
		cli.Profile = target.Profile
		cli.Family = target.Family
		if target.StaleAfter > 0 {
			staleAfter = target.StaleAfter.Std()
		}
		if target.AcquireTimeout > 0 {
			acquireTimeout = target.AcquireTimeout.Std()
		}
	}

	if cli.Dir == "" {
		return fmt.Errorf("a user data directory is required (use -dir or -target)")
	}

	if cli.Inspect {
		return inspect(cli)
	}

	family, err := profilepath.ParseFamily(cli.Family)
	if err != nil {
		return err
	}

	if cli.StaleAfter > 0 {
		staleAfter = cli.StaleAfter
	}
	if cli.AcquireTimeout > 0 {
		acquireTimeout = cli.AcquireTimeout
	}

	launcher := browser.NewLauncher(browser.LaunchOptions{
		Headless:  cli.Headless || cfg.Browser.Headless,
		ExtraArgs: cfg.Browser.ExtraArgs,
	})
	if err := launcher.Initialize(); err != nil {
		return err
	}
	defer launcher.Shutdown()

	coordinator := session.NewCoordinator(
		lockmgr.New(lockfile.NewStore(), liveness.NewProcessProber()),
		launcher,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	sess, err := coordinator.Open(ctx, session.Options{
		Dir:            cli.Dir,
		Profile:        cli.Profile,
		Family:         family,
		StaleAfter:     staleAfter,
		AcquireTimeout: acquireTimeout,
		Backoff: session.Backoff{
			Initial:    cfg.Session.Backoff.Initial.Std(),
			Max:        cfg.Session.Backoff.Max.Std(),
			Multiplier: cfg.Session.Backoff.Multiplier,
		},
		RenewFraction: cfg.Session.RenewFraction,
	})
	if err != nil {
		return err
	}

	sess.OnUnexpectedExit(func(cause error) {
		fmt.Fprintf(os.Stderr, "session lost: %v\n", cause)
	})

	fmt.Printf("Session active for %s\n", sess.Identity())

	select {
	case <-ctx.Done():
		if err := sess.Close(); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
	case <-sess.Done():
		if cause := sess.Err(); cause != nil {
			return cause
		}
	}
	return nil
}

// Styles for inspect output
var (
	inspectTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	inspectKeyStyle   = lipgloss.NewStyle().Bold(true)
	inspectFreeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	inspectHeldStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// inspect prints the lock record for a directory without acquiring it.
func inspect(cli *cliConfig) error {
	abs, err := filepath.Abs(cli.Dir)
	if err != nil {
		return err
	}
	id := lockfile.Identity{Dir: filepath.Clean(abs), Profile: cli.Profile}

	rec, err := lockfile.NewStore().Read(id)
	if err != nil {
		return err
	}

	fmt.Println(inspectTitleStyle.Render(id.String()))
	if rec == nil {
		fmt.Println(inspectFreeStyle.Render("no lock record"))
		return nil
	}
	if rec.Released {
		fmt.Println(inspectFreeStyle.Render("released"))
	} else {
		status := liveness.NewProcessProber().Probe(rec.PID)
		fmt.Println(inspectHeldStyle.Render(fmt.Sprintf("held (owner %s)", status)))
	}
	fmt.Printf("%s %s\n", inspectKeyStyle.Render("owner:"), rec.OwnerToken)
	fmt.Printf("%s %d on %s\n", inspectKeyStyle.Render("pid:"), rec.PID, rec.Hostname)
	fmt.Printf("%s %s\n", inspectKeyStyle.Render("created:"), rec.CreatedAt.Format(time.RFC3339))
	fmt.Printf("%s %s (%s ago)\n", inspectKeyStyle.Render("heartbeat:"),
		rec.HeartbeatAt.Format(time.RFC3339),
		time.Since(rec.HeartbeatAt).Round(time.Second))
	return nil
}
