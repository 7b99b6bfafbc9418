package session

import (
	"context"
	"time"

	"github.com/browserwarden/warden/pkg/profilepath"
)

// State tracks a session through its lifecycle.
type State int32

const (
	// StateResolving means the directory path is being validated.
	StateResolving State = iota

	// StateAcquiring means the coordinator is attempting (or retrying)
	// lock acquisition.
	StateAcquiring

	// StateActive means the lock is held and the renewer is running.
	StateActive

	// StateClosing means an orderly close is in progress.
	StateClosing

	// StateClosed is the terminal state after an orderly close.
	StateClosed

	// StateLost is the terminal state after the lock was reclaimed or the
	// supervised process exited unexpectedly.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateAcquiring:
		return "acquiring"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Backoff controls the retry schedule for acquisition under contention.
// The schedule is exponential: each wait is the previous one times
// Multiplier, capped at Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff is used when the caller leaves the backoff zeroed.
var DefaultBackoff = Backoff{
	Initial:    100 * time.Millisecond,
	Max:        2 * time.Second,
	Multiplier: 2.0,
}

// next returns the wait after the given one.
func (b Backoff) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * b.Multiplier)
	if n > b.Max {
		return b.Max
	}
	return n
}

// Options configures one Open call.
type Options struct {
	// Dir is the user data directory path. It is canonicalized, and
	// created if absent.
	Dir string

	// Profile optionally names a sub-profile inside Dir. Only valid for
	// chromium-like families.
	Profile string

	// Family is the browser family the directory belongs to.
	Family profilepath.Family

	// StaleAfter is the heartbeat age beyond which a dead owner's lock is
	// reclaimable. Defaults to 30 seconds.
	StaleAfter time.Duration

	// AcquireTimeout bounds retrying under contention. Zero means a
	// single attempt: the first Busy is returned immediately.
	AcquireTimeout time.Duration

	// Backoff is the retry schedule used while AcquireTimeout allows
	// retrying. Zero value means DefaultBackoff.
	Backoff Backoff

	// RenewFraction positions the renewal interval as a fraction of
	// StaleAfter. Defaults to 1/3 so a live holder never looks stale.
	RenewFraction float64
}

func (o *Options) applyDefaults() {
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Second
	}
	if o.RenewFraction <= 0 || o.RenewFraction >= 1 {
		o.RenewFraction = 1.0 / 3.0
	}
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff
	}
	if o.Family == "" {
		o.Family = profilepath.ChromiumLike
	}
}

// Launcher starts the external browser process bound to a user data
// directory. Implementations live outside this package; the coordinator
// only supervises the returned Process.
type Launcher interface {
	Launch(ctx context.Context, userDataDir, profile string) (Process, error)
}

// Process is the coordinator's view of a launched browser.
type Process interface {
	// IsAlive reports whether the process is still running.
	IsAlive() bool

	// Terminate asks the process to shut down.
	Terminate(ctx context.Context) error

	// Exited returns a channel closed when the process has exited.
	Exited() <-chan struct{}
}
