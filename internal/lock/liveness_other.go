//go:build !linux

package lock

import (
	"os"
	"syscall"
)

// processAlive probes whether pid still identifies a live process by
// sending signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// currentBootID has no portable equivalent outside Linux; callers fall back
// to PID-liveness-only disambiguation on these platforms.
func currentBootID() string {
	return ""
}

// processStartTime has no portable equivalent outside Linux.
func processStartTime() int64 {
	return 0
}
