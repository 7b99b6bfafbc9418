//go:build windows

package liveness

import "os"

// probe checks whether the pid names an open-able process. On Windows
// os.FindProcess opens a handle and fails when no such process exists.
func probe(pid int) Status {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return Dead
	}
	proc.Release()
	return Alive
}
