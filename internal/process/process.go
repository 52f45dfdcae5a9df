package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrLaunch marks failures of the spawn call itself.
var ErrLaunch = errors.New("launch failed")

const (
	eventBuffer  = 256
	maxLineBytes = 1 << 20
	// waitDelay bounds how long Wait keeps copying output after the process
	// exits, e.g. when a grandchild still holds the pipes.
	waitDelay = 2 * time.Second
)

// Handle is the view of a running backend that the rest of the system needs.
type Handle interface {
	PID() int
	// Events must be drained for the process lifetime; it is closed after the
	// EventTerminated event.
	Events() <-chan Event
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Process is one spawned generation of the backend.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	events    chan Event
	done      chan struct{}

	mu      sync.Mutex
	exitErr error
	exited  bool
}

// Start spawns spec and begins streaming its output. env is the complete
// environment of the child; nil inherits the host's.
func Start(spec Spec, env []string) (*Process, error) {
	cmd := spec.Command()
	if env != nil {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrLaunch, spec.Path, err)
	}

	p := &Process{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.scan(&wg, outR, EventStdout)
	go p.scan(&wg, errR, EventStderr)
	go p.wait(&wg, outW, errW)
	return p, nil
}

func (p *Process) PID() int              { return p.pid }
func (p *Process) Events() <-chan Event  { return p.events }
func (p *Process) Done() <-chan struct{} { return p.done }
func (p *Process) Spec() Spec            { return p.spec }
func (p *Process) StartedAt() time.Time  { return p.startedAt }

// Exited reports whether the process has been reaped, and its wait error.
func (p *Process) Exited() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitErr
}

func (p *Process) scan(wg *sync.WaitGroup, r io.Reader, kind EventKind) {
	defer wg.Done()
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for s.Scan() {
		p.events <- Event{Kind: kind, Line: s.Text()}
	}
	if err := s.Err(); err != nil {
		p.events <- Event{Kind: EventError, Err: fmt.Errorf("read %s: %w", kind, err)}
		// keep the writer side unblocked until the process goes away
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *Process) wait(wg *sync.WaitGroup, outW, errW *io.PipeWriter) {
	err := p.cmd.Wait()
	_ = outW.Close()
	_ = errW.Close()
	wg.Wait()

	ev := Event{Kind: EventTerminated, Code: -1}
	if ps := p.cmd.ProcessState; ps != nil {
		ev.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ev.Signal = ws.Signal().String()
		}
	}
	if err != nil && ev.Code == -1 && ev.Signal == "" {
		ev.Err = err
	}

	p.mu.Lock()
	p.exited = true
	p.exitErr = err
	p.mu.Unlock()

	p.events <- ev
	close(p.events)
	close(p.done)
}
