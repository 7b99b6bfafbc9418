package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

var (
	// ErrConflict indicates a live conflicting record exists, or another
	// writer won the race for the identity.
	ErrConflict = errors.New("lockfile: record held by another owner")

	// ErrLost indicates the record no longer belongs to the given owner
	// token: it was reclaimed, released, or removed.
	ErrLost = errors.New("lockfile: record no longer owned")
)

// ConflictError carries the conflicting claim alongside ErrConflict so
// callers can report who holds the lock. Record may be nil when the
// conflicting writer raced us and its record could not be re-read.
type ConflictError struct {
	Identity Identity
	Record   *Record
}

func (e *ConflictError) Error() string {
	if e.Record == nil {
		return fmt.Sprintf("lockfile: %s is held by another owner", e.Identity)
	}
	return fmt.Sprintf("lockfile: %s is held by pid %d on %s", e.Identity, e.Record.PID, e.Record.Hostname)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// StalePolicy reports whether a record may be disregarded by a new
// acquirer. The store applies it inside the guarded critical section, so
// the staleness decision and the write are atomic with respect to other
// processes. A nil policy treats every record as live.
type StalePolicy func(*Record) bool

// Store reads and mutates lock records on disk. All mutations for one
// user data directory take an exclusive advisory lock on a single guard
// file in that directory, so concurrent writers from other processes are
// serialized through the kernel rather than through a read-then-write
// race, and cross-scope checks (a directory-wide claim versus sub-profile
// claims) observe a consistent view. The record file itself is replaced
// via rename, so readers never see a partial write.
type Store struct{}

// NewStore creates a lock record store.
func NewStore() *Store {
	return &Store{}
}

// Read returns the current record for the identity, or nil if no record
// file exists. A released record is returned as-is; callers decide how to
// treat it.
func (s *Store) Read(id Identity) (*Record, error) {
	return readRecordFile(id.RecordPath(), id)
}

// WriteIfAbsentOrStale writes the record unless a live conflicting claim
// exists. A claim conflicts when it is for the same identity, or when the
// scopes overlap: a directory-wide claim conflicts with every sub-profile
// claim in that directory and vice versa. Released records and records
// the policy deems stale do not conflict. Returns *ConflictError (which
// unwraps to ErrConflict) when a live claim is in the way; on success it
// returns the stale record the write displaced, or nil when the identity
// was absent or released, so callers can report a reclamation truthfully.
func (s *Store) WriteIfAbsentOrStale(id Identity, rec *Record, stale StalePolicy) (*Record, error) {
	var displaced *Record
	err := s.withGuard(id, func() error {
		current, err := s.Read(id)
		if err != nil {
			return err
		}
		if blocks(current, stale) {
			return &ConflictError{Identity: id, Record: current}
		}

		if conflict, err := s.crossScopeConflict(id, stale); err != nil {
			return err
		} else if conflict != nil {
			return conflict
		}

		if current != nil && !current.Released {
			displaced = current
		}
		return s.writeRecord(id, rec)
	})
	if err != nil {
		return nil, err
	}
	return displaced, nil
}

// Heartbeat updates the record's renewal timestamp. Returns ErrLost if the
// record is gone, released, or owned by someone else, which tells the
// holder its claim was reclaimed.
func (s *Store) Heartbeat(id Identity, ownerToken string, now time.Time) error {
	return s.withGuard(id, func() error {
		current, err := s.Read(id)
		if err != nil {
			return err
		}
		if current == nil || current.Released || current.OwnerToken != ownerToken {
			return ErrLost
		}
		current.HeartbeatAt = now
		return s.writeRecord(id, current)
	})
}

// Clear marks the record released if the owner token still matches.
// Returns ErrLost if the claim is already gone or belongs to someone else.
// The record file is kept, with the released marker set, so a later reader
// can tell an orderly release from a crash.
func (s *Store) Clear(id Identity, ownerToken string) error {
	return s.withGuard(id, func() error {
		current, err := s.Read(id)
		if err != nil {
			return err
		}
		if current == nil || current.Released || current.OwnerToken != ownerToken {
			return ErrLost
		}
		current.Released = true
		return s.writeRecord(id, current)
	})
}

// blocks reports whether the record is a live claim the policy does not
// allow disregarding.
func blocks(r *Record, stale StalePolicy) bool {
	if r == nil || r.Released {
		return false
	}
	return stale == nil || !stale(r)
}

// crossScopeConflict finds a live claim in an overlapping scope that
// blocks acquiring id, or nil. Must be called with the directory guard
// held.
func (s *Store) crossScopeConflict(id Identity, stale StalePolicy) (*ConflictError, error) {
	if id.Profile != "" {
		// A sub-profile claim also conflicts with a directory-wide claim.
		whole := Identity{Dir: id.Dir}
		rec, err := s.Read(whole)
		if err != nil {
			return nil, err
		}
		if blocks(rec, stale) {
			return &ConflictError{Identity: whole, Record: rec}, nil
		}
		return nil, nil
	}

	// A directory-wide claim must respect every active sub-profile claim.
	others, err := s.readProfileRecords(id.Dir)
	if err != nil {
		return nil, err
	}
	for otherID, rec := range others {
		if blocks(rec, stale) {
			return &ConflictError{Identity: otherID, Record: rec}, nil
		}
	}
	return nil, nil
}

// readProfileRecords reads every sub-profile record in the directory. The
// listing is a plain ReadDir with name filtering, never a glob, so
// metacharacters in the directory path cannot corrupt the scan. The guard
// file and temp files fail the prefix/suffix filter.
func (s *Store) readProfileRecords(dir string) (map[Identity]*Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("lockfile: scan %s: %w", dir, err)
	}

	records := make(map[Identity]*Record)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "warden-") || !strings.HasSuffix(name, ".lock") {
			continue
		}
		profile := strings.TrimSuffix(strings.TrimPrefix(name, "warden-"), ".lock")
		id := Identity{Dir: dir, Profile: profile}

		rec, err := readRecordFile(filepath.Join(dir, name), id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records[id] = rec
		}
	}
	return records, nil
}

// withGuard runs fn while holding the directory's guard lock. Guard
// acquisition blocks; critical sections are a handful of small reads plus
// at most one rename, so contention windows are short.
func (s *Store) withGuard(id Identity, fn func() error) error {
	guard := flock.New(id.guardPath())
	if err := guard.Lock(); err != nil {
		return fmt.Errorf("lockfile: guard %s: %w", id, err)
	}
	defer func() {
		_ = guard.Unlock()
	}()
	return fn()
}

func readRecordFile(path string, id Identity) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("lockfile: read record for %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("lockfile: decode record for %s: %w", id, err)
	}
	return &rec, nil
}

// writeRecord atomically replaces the record file by writing a temp file
// in the same directory and renaming it into place.
func (s *Store) writeRecord(id Identity, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("lockfile: encode record for %s: %w", id, err)
	}
	data = append(data, '\n')

	path := id.RecordPath()
	tmp, err := os.CreateTemp(filepath.Dir(path), ".warden-lock-*")
	if err != nil {
		return fmt.Errorf("lockfile: create temp record for %s: %w", id, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("lockfile: write record for %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("lockfile: sync record for %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("lockfile: close temp record for %s: %w", id, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("lockfile: replace record for %s: %w", id, err)
	}
	return nil
}
