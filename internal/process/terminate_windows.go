//go:build windows

package process

import (
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

type nativeTerminator struct{}

func newPlatformTerminator() Terminator { return nativeTerminator{} }

func (nativeTerminator) Graceful() bool { return false }

// Terminate always force-terminates; Windows has no SIGTERM equivalent for a
// console-less child.
func (nativeTerminator) Terminate(pid int, _ bool) error {
	if pid <= 0 {
		return nil
	}
	h, err := syscall.OpenProcess(processTerminate, false, uint32(pid))
	if err != nil {
		// already gone
		return nil
	}
	defer func() { _ = syscall.CloseHandle(h) }()

	ret, _, callErr := procTerminateProcess.Call(uintptr(h), uintptr(1))
	if ret == 0 {
		return callErr
	}
	return nil
}

func processExists(pid int) bool {
	h, err := syscall.OpenProcess(processQueryInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}
