//go:build unix

package liveness

import (
	"errors"
	"os"
	"syscall"
)

// probe sends signal 0, which checks existence without delivering anything.
func probe(pid int) Status {
	proc, err := os.FindProcess(pid)
	if err != nil {
		// FindProcess never fails on Unix, but keep the conservative path.
		return Unknown
	}

	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return Alive
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return Dead
	case errors.Is(err, syscall.EPERM):
		// The process exists but belongs to someone else. It may also be a
		// reused pid; either way we cannot claim it is dead.
		return Unknown
	default:
		return Unknown
	}
}
