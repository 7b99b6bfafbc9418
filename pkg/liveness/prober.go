// Package liveness determines whether the recorded owner of a lock is
// still a running process. Probing is inherently racy (pids get reused),
// so ambiguous results are reported as Unknown and callers are expected to
// treat Unknown as alive rather than seize a possibly active session.
package liveness

// Status is the outcome of a liveness probe.
type Status int

const (
	// Unknown means the probe could not determine liveness, for example
	// because signaling the process was not permitted.
	Unknown Status = iota

	// Alive means the process exists and is signalable.
	Alive

	// Dead means no such process exists.
	Dead
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Prober reports whether the process identified by a pid is still running.
type Prober interface {
	Probe(pid int) Status
}

// ProcessProber probes real operating system processes.
type ProcessProber struct{}

// NewProcessProber creates a prober backed by the local process table.
func NewProcessProber() *ProcessProber {
	return &ProcessProber{}
}

// Probe reports the liveness of the given pid.
func (p *ProcessProber) Probe(pid int) Status {
	if pid <= 0 {
		return Dead
	}
	return probe(pid)
}
