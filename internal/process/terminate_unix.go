//go:build !windows

package process

import (
	"errors"
	"syscall"
)

type signalTerminator struct{}

func newPlatformTerminator() Terminator { return signalTerminator{} }

func (signalTerminator) Graceful() bool { return true }

// Terminate sends SIGTERM or SIGKILL to the process group led by pid, falling
// back to the pid alone when it does not lead a group.
func (signalTerminator) Terminate(pid int, graceful bool) error {
	if pid <= 0 {
		return nil
	}
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// processExists checks pid with signal 0.
func processExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
