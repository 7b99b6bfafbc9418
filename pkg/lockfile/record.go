// Package lockfile provides the durable on-disk representation of a claim
// on a user data directory or a named sub-profile within it. The record
// file is the cross-process synchronization primitive: all mutations are
// serialized through an advisory guard lock and the record itself is
// replaced atomically, so a partially written record is never observable.
package lockfile

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Record is the persisted state of a claim on a profile identity.
// Staleness is derived by the lock manager from HeartbeatAt and a liveness
// probe; it is never stored.
type Record struct {
	// OwnerToken is the opaque token distinguishing one holder from another.
	OwnerToken string `json:"owner_token"`

	// PID is the process id of the holder, used for liveness probing.
	PID int `json:"pid"`

	// Hostname is the machine the holder runs on, for conflict reporting.
	Hostname string `json:"hostname"`

	// CreatedAt is when the claim was first acquired.
	CreatedAt time.Time `json:"created_at"`

	// HeartbeatAt is the holder's last renewal time.
	HeartbeatAt time.Time `json:"heartbeat_at"`

	// Released marks a claim that was explicitly given up. A released
	// record is acquirable by anyone without a staleness check.
	Released bool `json:"released"`
}

// HeartbeatAge returns how long ago the record was last renewed.
func (r *Record) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(r.HeartbeatAt)
}

// Identity names the unit of mutual exclusion: a canonical user data
// directory, optionally narrowed to a named sub-profile inside it.
type Identity struct {
	// Dir is the canonicalized absolute path of the user data directory.
	Dir string

	// Profile is the optional sub-profile name. Empty means the whole
	// directory is the exclusion unit.
	Profile string
}

func (id Identity) String() string {
	if id.Profile == "" {
		return id.Dir
	}
	return fmt.Sprintf("%s[%s]", id.Dir, id.Profile)
}

// RecordPath returns the path of the record file for this identity.
// Records live inside the user data directory itself so that anything
// operating on the directory can see active claims, including sub-profile
// claims, before touching it.
func (id Identity) RecordPath() string {
	if id.Profile == "" {
		return filepath.Join(id.Dir, "warden.lock")
	}
	return filepath.Join(id.Dir, "warden-"+sanitizeProfileName(id.Profile)+".lock")
}

// guardPath returns the path of the advisory lock file that serializes
// record mutations across processes. There is one guard per user data
// directory, shared by the directory-wide record and every sub-profile
// record, so overlapping scopes cannot race each other.
func (id Identity) guardPath() string {
	return filepath.Join(id.Dir, "warden.lock.guard")
}

// sanitizeProfileName makes a profile name safe to embed in a file name.
// Profile names have already been validated by the path resolver; this
// only defends the file name itself.
func sanitizeProfileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, name)
}
