package process

// Terminator stops a backend by pid. Implementations are selected at build
// time: POSIX signals the process group, Windows uses TerminateProcess.
type Terminator interface {
	// Terminate asks the process to exit. graceful=false forces it. Targeting
	// a process that already exited is not an error.
	Terminate(pid int, graceful bool) error
	// Graceful reports whether graceful termination exists on this platform.
	// When false the caller should skip the grace window.
	Graceful() bool
}

// NewTerminator returns the platform Terminator.
func NewTerminator() Terminator { return newPlatformTerminator() }
