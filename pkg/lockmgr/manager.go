// Package lockmgr acquires, renews, and releases claims on profile
// identities. It combines the on-disk record store with a liveness probe
// so that a crashed holder's claim can be reclaimed promptly while a
// slow-but-alive holder is never seized: a record is stale only when its
// heartbeat is older than the staleness window AND its owning process is
// provably dead.
package lockmgr

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/browserwarden/warden/pkg/liveness"
	"github.com/browserwarden/warden/pkg/lockfile"
	"github.com/browserwarden/warden/pkg/logging"
)

var (
	// ErrLost indicates the claim was reclaimed by another owner. The
	// holder must treat its session as unusable.
	ErrLost = errors.New("lockmgr: lock reclaimed by another owner")

	// ErrAlreadyReleased indicates the claim was already released.
	// Release is idempotent, so callers may ignore this.
	ErrAlreadyReleased = errors.New("lockmgr: lock already released")
)

// BusyError reports a live conflicting claim.
type BusyError struct {
	Identity    lockfile.Identity
	OwnerToken  string
	PID         int
	Hostname    string
	HeartbeatAt time.Time
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("lockmgr: %s is held by pid %d on %s (heartbeat %s)",
		e.Identity, e.PID, e.Hostname, e.HeartbeatAt.Format(time.RFC3339))
}

// Token identifies one lock holder. Value carries a random nonce so that
// two sessions of the same process are still distinguishable.
type Token struct {
	Value    string
	PID      int
	Hostname string
}

// NewToken creates a token for the current process.
func NewToken() Token {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return Token{
		Value:    uuid.New().String(),
		PID:      os.Getpid(),
		Hostname: hostname,
	}
}

// Manager coordinates lock acquisition against the record store.
type Manager struct {
	store  *lockfile.Store
	prober liveness.Prober
	log    *logging.Logger
	now    func() time.Time
}

// New creates a lock manager over the given store and prober.
func New(store *lockfile.Store, prober liveness.Prober) *Manager {
	logger, _ := logging.NewLogger("lockmgr")
	return &Manager{
		store:  store,
		prober: prober,
		log:    logger,
		now:    time.Now,
	}
}

// Acquire attempts to claim the identity for the token. A conflicting live
// claim is reported as *BusyError; contention is an expected outcome, not
// a failure. The store evaluates staleness inside its guarded critical
// section using the policy below, so concurrent reclaimers race safely
// and exactly one wins. A claim is stale only when its heartbeat is older
// than staleAfter AND the owning process is provably dead; an Unknown
// probe keeps the claim alive.
func (m *Manager) Acquire(id lockfile.Identity, tok Token, staleAfter time.Duration) error {
	stale := func(r *lockfile.Record) bool {
		return r.HeartbeatAge(m.now()) > staleAfter && m.prober.Probe(r.PID) == liveness.Dead
	}

	// The store reports the record the write displaced, observed under its
	// guard, so a release racing this acquire is never misreported as a
	// reclamation.
	displaced, err := m.store.WriteIfAbsentOrStale(id, m.newRecord(tok), stale)
	if err != nil {
		var conflict *lockfile.ConflictError
		if errors.As(err, &conflict) {
			return busyFromConflict(conflict)
		}
		return err
	}

	if displaced != nil {
		m.log.Warnf("reclaimed stale lock on %s from dead pid %d (heartbeat age %s)",
			id, displaced.PID, displaced.HeartbeatAge(m.now()).Round(time.Second))
	} else {
		m.log.Infof("acquired %s (token %s)", id, tok.Value)
	}
	return nil
}

// Renew refreshes the claim's heartbeat. Returns ErrLost if another party
// reclaimed the claim, which lets the holder fail fast instead of running
// on a lock it no longer owns.
func (m *Manager) Renew(id lockfile.Identity, tok Token) error {
	err := m.store.Heartbeat(id, tok.Value, m.now())
	if errors.Is(err, lockfile.ErrLost) {
		m.log.Warnf("renewal lost for %s (token %s)", id, tok.Value)
		return ErrLost
	}
	return err
}

// Release gives the claim up. Idempotent: releasing a claim that is
// already released (or reclaimed) returns ErrAlreadyReleased.
func (m *Manager) Release(id lockfile.Identity, tok Token) error {
	err := m.store.Clear(id, tok.Value)
	if errors.Is(err, lockfile.ErrLost) {
		return ErrAlreadyReleased
	}
	if err != nil {
		return err
	}
	m.log.Infof("released %s (token %s)", id, tok.Value)
	return nil
}

// busyFromConflict converts the store's conflict report into a BusyError.
// The reported identity may differ from the requested one when the
// conflict is cross-scope: a directory-wide claim blocking a sub-profile
// acquisition, or the reverse.
func busyFromConflict(conflict *lockfile.ConflictError) error {
	busy := &BusyError{Identity: conflict.Identity}
	if rec := conflict.Record; rec != nil {
		busy.OwnerToken = rec.OwnerToken
		busy.PID = rec.PID
		busy.Hostname = rec.Hostname
		busy.HeartbeatAt = rec.HeartbeatAt
	}
	return busy
}

func (m *Manager) newRecord(tok Token) *lockfile.Record {
	now := m.now()
	return &lockfile.Record{
		OwnerToken:  tok.Value,
		PID:         tok.PID,
		Hostname:    tok.Hostname,
		CreatedAt:   now,
		HeartbeatAt: now,
	}
}
