package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserwarden/warden/pkg/liveness"
	"github.com/browserwarden/warden/pkg/lockfile"
	"github.com/browserwarden/warden/pkg/lockmgr"
	"github.com/browserwarden/warden/pkg/profilepath"
)

// fakeProber returns a fixed status for every pid.
type fakeProber struct {
	status liveness.Status
}

func (f *fakeProber) Probe(int) liveness.Status {
	return f.status
}

// fakeProcess is a supervisable process the test controls.
type fakeProcess struct {
	mu         sync.Mutex
	exited     chan struct{}
	exitOnce   sync.Once
	terminated bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exited: make(chan struct{})}
}

func (p *fakeProcess) IsAlive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Terminate(context.Context) error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) Exited() <-chan struct{} {
	return p.exited
}

func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() { close(p.exited) })
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// fakeLauncher hands out fakeProcesses.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeProcess
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, _, _ string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	proc := newFakeProcess()
	l.launched = append(l.launched, proc)
	return proc, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.launched) == 0 {
		return nil
	}
	return l.launched[len(l.launched)-1]
}

func newTestCoordinator(launcher Launcher) (*Coordinator, *lockfile.Store) {
	store := lockfile.NewStore()
	mgr := lockmgr.New(store, &fakeProber{status: liveness.Alive})
	return NewCoordinator(mgr, launcher), store
}

func TestOpenAndClose(t *testing.T) {
	launcher := &fakeLauncher{}
	coordinator, store := newTestCoordinator(launcher)
	dir := t.TempDir()

	sess, err := coordinator.Open(context.Background(), Options{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, StateActive, sess.State())

	require.NoError(t, sess.Close())
	assert.Equal(t, StateClosed, sess.State())
	assert.True(t, launcher.last().wasTerminated())
	assert.NoError(t, sess.Err())

	rec, err := store.Read(sess.Identity())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Released)
}

func TestOpenBusyWithoutTimeout(t *testing.T) {
	coordinator, _ := newTestCoordinator(nil)
	dir := t.TempDir()

	first, err := coordinator.Open(context.Background(), Options{Dir: dir})
	require.NoError(t, err)
	defer first.Close()

	_, err = coordinator.Open(context.Background(), Options{Dir: dir})
	var busy *lockmgr.BusyError
	require.ErrorAs(t, err, &busy)
}

func TestOpenRetriesUntilHolderCloses(t *testing.T) {
	coordinator, _ := newTestCoordinator(nil)
	dir := t.TempDir()

	first, err := coordinator.Open(context.Background(), Options{Dir: dir})
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		first.Close()
	}()

	second, err := coordinator.Open(context.Background(), Options{
		Dir:            dir,
		AcquireTimeout: 5 * time.Second,
		Backoff:        Backoff{Initial: 25 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2.0},
	})
	require.NoError(t, err)
	defer second.Close()
}

func TestOpenAcquireTimeout(t *testing.T) {
	coordinator, _ := newTestCoordinator(nil)
	dir := t.TempDir()

	first, err := coordinator.Open(context.Background(), Options{Dir: dir})
	require.NoError(t, err)
	defer first.Close()

	_, err = coordinator.Open(context.Background(), Options{
		Dir:            dir,
		AcquireTimeout: 200 * time.Millisecond,
		Backoff:        Backoff{Initial: 25 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2.0},
	})
	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestOpenRetryCancellation(t *testing.T) {
	coordinator, _ := newTestCoordinator(nil)
	dir := t.TempDir()

	first, err := coordinator.Open(context.Background(), Options{Dir: dir})
	require.NoError(t, err)
	defer first.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = coordinator.Open(ctx, Options{
		Dir:            dir,
		AcquireTimeout: 10 * time.Second,
		Backoff:        Backoff{Initial: 25 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2.0},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenValidationErrors(t *testing.T) {
	coordinator, _ := newTestCoordinator(nil)

	_, err := coordinator.Open(context.Background(), Options{
		Dir:     t.TempDir(),
		Profile: "Default",
		Family:  profilepath.Other,
	})
	assert.ErrorIs(t, err, profilepath.ErrUnsupportedProfileFeature)
}

func TestOpenReclaimsStaleLock(t *testing.T) {
	store := lockfile.NewStore()
	dir := t.TempDir()

	resolved, err := profilepath.Resolve(dir, "", profilepath.ChromiumLike)
	require.NoError(t, err)
	id := lockfile.Identity{Dir: resolved}

	stale := &lockfile.Record{
		OwnerToken:  "crashed-owner",
		PID:         999999,
		Hostname:    "elsewhere",
		CreatedAt:   time.Now().Add(-time.Minute),
		HeartbeatAt: time.Now().Add(-time.Minute),
	}
	_, writeErr := store.WriteIfAbsentOrStale(id, stale, nil)
	require.NoError(t, writeErr)

	mgr := lockmgr.New(store, &fakeProber{status: liveness.Dead})
	coordinator := NewCoordinator(mgr, nil)

	sess, err := coordinator.Open(context.Background(), Options{Dir: dir, StaleAfter: 30 * time.Second})
	require.NoError(t, err)
	defer sess.Close()

	rec, err := store.Read(id)
	require.NoError(t, err)
	assert.NotEqual(t, "crashed-owner", rec.OwnerToken)
}

func TestSessionLostOnProcessExit(t *testing.T) {
	launcher := &fakeLauncher{}
	coordinator, store := newTestCoordinator(launcher)
	dir := t.TempDir()

	sess, err := coordinator.Open(context.Background(), Options{Dir: dir})
	require.NoError(t, err)

	var handlerErr error
	var handlerOnce sync.Once
	notified := make(chan struct{})
	sess.OnUnexpectedExit(func(cause error) {
		handlerOnce.Do(func() {
			handlerErr = cause
			close(notified)
		})
	})

	launcher.last().exit()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not reach a terminal state after process exit")
	}
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("OnUnexpectedExit handler was not invoked")
	}

	assert.Equal(t, StateLost, sess.State())
	assert.ErrorIs(t, handlerErr, ErrSessionLost)
	assert.ErrorIs(t, sess.Err(), ErrSessionLost)

	// The lock must still be released on this exit path
	rec, err := store.Read(sess.Identity())
	require.NoError(t, err)
	assert.True(t, rec.Released)

	// A close after the loss is benign
	assert.NoError(t, sess.Close())
}

func TestSessionLostOnReclamation(t *testing.T) {
	store := lockfile.NewStore()
	mgr := lockmgr.New(store, &fakeProber{status: liveness.Dead})
	coordinator := NewCoordinator(mgr, nil)
	dir := t.TempDir()

	// Short staleness window so the renewer ticks quickly
	sess, err := coordinator.Open(context.Background(), Options{Dir: dir, StaleAfter: 150 * time.Millisecond})
	require.NoError(t, err)

	// Age the heartbeat and let a rival reclaim. The renewer may refresh
	// the heartbeat between the two steps, so retry until the rival wins.
	id := sess.Identity()
	rival := lockmgr.NewToken()
	require.Eventually(t, func() bool {
		rec, readErr := store.Read(id)
		if readErr != nil || rec == nil || rec.Released {
			return false
		}
		if store.Heartbeat(id, rec.OwnerToken, time.Now().Add(-time.Minute)) != nil {
			return false
		}
		return mgr.Acquire(id, rival, 150*time.Millisecond) == nil
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Session did not detect the reclamation")
	}
	assert.Equal(t, StateLost, sess.State())
	assert.ErrorIs(t, sess.Err(), ErrSessionLost)
}

func TestOpenLaunchFailureReleasesLock(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("no browser installed")}
	coordinator, _ := newTestCoordinator(launcher)
	dir := t.TempDir()

	_, err := coordinator.Open(context.Background(), Options{Dir: dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no browser installed")

	// The claim must not leak: a second open succeeds immediately
	coordinator2, _ := newTestCoordinator(nil)
	sess, err := coordinator2.Open(context.Background(), Options{Dir: dir})
	require.NoError(t, err)
	defer sess.Close()
}

func TestCloseIdempotent(t *testing.T) {
	coordinator, _ := newTestCoordinator(nil)

	sess, err := coordinator.Open(context.Background(), Options{Dir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.Equal(t, StateClosed, sess.State())
}

func TestOnUnexpectedExitAfterLossFiresImmediately(t *testing.T) {
	launcher := &fakeLauncher{}
	coordinator, _ := newTestCoordinator(launcher)

	sess, err := coordinator.Open(context.Background(), Options{Dir: t.TempDir()})
	require.NoError(t, err)

	launcher.last().exit()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not reach a terminal state")
	}

	fired := make(chan error, 1)
	sess.OnUnexpectedExit(func(cause error) { fired <- cause })

	select {
	case cause := <-fired:
		assert.ErrorIs(t, cause, ErrSessionLost)
	case <-time.After(time.Second):
		t.Fatal("Late-registered handler was not invoked")
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: 400 * time.Millisecond, Multiplier: 2.0}

	assert.Equal(t, 200*time.Millisecond, b.next(100*time.Millisecond))
	assert.Equal(t, 400*time.Millisecond, b.next(200*time.Millisecond))
	assert.Equal(t, 400*time.Millisecond, b.next(400*time.Millisecond), "schedule caps at Max")
}
