// Package session binds a browser automation session to an on-disk user
// data directory. It resolves and validates the directory, acquires the
// cross-process lock, launches and supervises the external browser, keeps
// the lock's heartbeat fresh in the background, and guarantees the lock is
// released exactly once on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/browserwarden/warden/pkg/lockfile"
	"github.com/browserwarden/warden/pkg/lockmgr"
	"github.com/browserwarden/warden/pkg/logging"
	"github.com/browserwarden/warden/pkg/profilepath"
)

var (
	// ErrAcquireTimeout indicates the lock stayed busy for the whole
	// acquire timeout.
	ErrAcquireTimeout = errors.New("session: acquire timed out")

	// ErrSessionLost indicates a session that was believed active became
	// unusable: the lock was reclaimed or the browser exited unexpectedly.
	ErrSessionLost = errors.New("session: session lost")
)

// terminateTimeout bounds how long Close waits for the browser to obey.
const terminateTimeout = 15 * time.Second

// Coordinator opens sessions. One coordinator may serve many sessions;
// each session owns its own renewal task and process binding.
type Coordinator struct {
	mgr      *lockmgr.Manager
	launcher Launcher
	log      *logging.Logger
}

// NewCoordinator creates a coordinator. The launcher may be nil, in which
// case sessions hold the lock without supervising a process (useful for
// tooling that only needs the mutual exclusion).
func NewCoordinator(mgr *lockmgr.Manager, launcher Launcher) *Coordinator {
	logger, _ := logging.NewLogger("session")
	return &Coordinator{
		mgr:      mgr,
		launcher: launcher,
		log:      logger,
	}
}

// Open resolves the directory, acquires its lock (retrying with backoff
// while AcquireTimeout allows), launches the browser, and returns the live
// session handle. Contention surfaces as *lockmgr.BusyError when the
// timeout is zero, or as ErrAcquireTimeout once retries are exhausted.
// Cancelling ctx aborts the retry loop; a created directory is left in
// place since directory creation is idempotent.
func (c *Coordinator) Open(ctx context.Context, opts Options) (*Session, error) {
	opts.applyDefaults()

	dir, err := profilepath.Resolve(opts.Dir, opts.Profile, opts.Family)
	if err != nil {
		return nil, err
	}

	id := lockfile.Identity{Dir: dir, Profile: opts.Profile}
	tok := lockmgr.NewToken()

	if err := c.acquire(ctx, id, tok, opts); err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     id,
		token:  tok,
		mgr:    c.mgr,
		log:    c.log,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.state.Store(int32(StateActive))

	if c.launcher != nil {
		proc, launchErr := c.launcher.Launch(ctx, dir, opts.Profile)
		if launchErr != nil {
			cancel()
			if relErr := c.mgr.Release(id, tok); relErr != nil && !errors.Is(relErr, lockmgr.ErrAlreadyReleased) {
				c.log.Errorf("release after failed launch of %s: %v", id, relErr)
			}
			return nil, fmt.Errorf("session: launch browser for %s: %w", id, launchErr)
		}
		s.proc = proc
		go s.watchProcess(sessCtx)
	}

	interval := time.Duration(float64(opts.StaleAfter) * opts.RenewFraction)
	go s.renewLoop(sessCtx, interval)

	c.log.Infof("session active for %s", id)
	return s, nil
}

// acquire runs the acquisition attempt, retrying busy results per the
// configured backoff until the timeout elapses.
func (c *Coordinator) acquire(ctx context.Context, id lockfile.Identity, tok lockmgr.Token, opts Options) error {
	err := c.mgr.Acquire(id, tok, opts.StaleAfter)
	var busy *lockmgr.BusyError
	if err == nil || !errors.As(err, &busy) {
		return err
	}
	if opts.AcquireTimeout == 0 {
		return err
	}

	deadline := time.Now().Add(opts.AcquireTimeout)
	delay := opts.Backoff.Initial
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		if time.Now().Add(delay).After(deadline) {
			return fmt.Errorf("%w after %s: %v", ErrAcquireTimeout, opts.AcquireTimeout, busy)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		err = c.mgr.Acquire(id, tok, opts.StaleAfter)
		if err == nil || !errors.As(err, &busy) {
			return err
		}

		delay = opts.Backoff.next(delay)
		timer.Reset(delay)
	}
}

// Session is the handle a caller holds while it owns a directory's lock.
// It exclusively owns the renewal task and the process binding; dropping
// it without Close leaks the claim until staleness recovery kicks in.
type Session struct {
	id    lockfile.Identity
	token lockmgr.Token
	mgr   *lockmgr.Manager
	log   *logging.Logger
	proc  Process

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	onLost   func(error)
	lostErr  error
	teardown sync.Once
	closeErr error
}

// Identity returns the profile identity this session has locked.
func (s *Session) Identity() lockfile.Identity {
	return s.id
}

// Path returns the canonical user data directory path.
func (s *Session) Path() string {
	return s.id.Dir
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done returns a channel closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the cause of an unexpected termination, nil after an orderly
// Close, and nil while the session is still active.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostErr
}

// Process returns the supervised browser process, or nil when the session
// was opened without a launcher.
func (s *Session) Process() Process {
	return s.proc
}

// OnUnexpectedExit registers a handler invoked when the session is lost
// asynchronously: the lock was reclaimed or the browser exited on its own.
// If the session is already lost, the handler fires immediately.
func (s *Session) OnUnexpectedExit(fn func(error)) {
	s.mu.Lock()
	already := s.lostErr
	if already == nil {
		s.onLost = fn
	}
	s.mu.Unlock()

	if already != nil {
		fn(already)
	}
}

// Close terminates the supervised browser, stops the renewal task, and
// releases the lock. It is safe to call multiple times and safe to call
// concurrently with an unexpected exit; release is attempted exactly once.
func (s *Session) Close() error {
	s.finish(StateClosed, nil)
	return s.closeErr
}

// fail moves the session to StateLost and runs the shared teardown.
func (s *Session) fail(cause error) {
	switch s.State() {
	case StateClosing, StateClosed, StateLost:
		// An orderly close is already tearing the session down; a browser
		// exit observed during it is not unexpected.
		return
	}

	s.mu.Lock()
	if s.lostErr == nil {
		s.lostErr = cause
	}
	handler := s.onLost
	s.mu.Unlock()

	s.finish(StateLost, cause)
	if handler != nil {
		handler(cause)
	}
}

// finish is the single teardown path shared by Close and fail.
func (s *Session) finish(terminal State, cause error) {
	s.teardown.Do(func() {
		s.state.Store(int32(StateClosing))
		s.cancel()

		if s.proc != nil {
			ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
			if err := s.proc.Terminate(ctx); err != nil {
				s.log.Warnf("terminate browser for %s: %v", s.id, err)
				s.closeErr = err
			}
			cancel()
		}

		if err := s.mgr.Release(s.id, s.token); err != nil && !errors.Is(err, lockmgr.ErrAlreadyReleased) {
			s.log.Errorf("release %s: %v", s.id, err)
			if s.closeErr == nil {
				s.closeErr = err
			}
		}

		s.state.Store(int32(terminal))
		if cause != nil {
			s.log.Warnf("session for %s ended: %v", s.id, cause)
		} else {
			s.log.Infof("session for %s closed", s.id)
		}
		close(s.done)
	})
}

// renewLoop keeps the heartbeat fresh at a fraction of the staleness
// window. A Lost renewal is terminal; transient store errors are logged
// and retried on the next tick since the claim may still be intact.
func (s *Session) renewLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.mgr.Renew(s.id, s.token)
			if err == nil {
				continue
			}
			if errors.Is(err, lockmgr.ErrLost) {
				s.fail(fmt.Errorf("%w: lock reclaimed by another owner", ErrSessionLost))
				return
			}
			s.log.Errorf("renew %s: %v", s.id, err)
		}
	}
}

// watchProcess observes the supervised browser and treats its unsupervised
// exit as a lost session.
func (s *Session) watchProcess(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.proc.Exited():
		s.fail(fmt.Errorf("%w: browser process exited", ErrSessionLost))
	}
}
