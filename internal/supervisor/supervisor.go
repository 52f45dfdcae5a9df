// Package supervisor drives the backend lifecycle: readiness, periodic health
// monitoring, bounded restarts and shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/relay"
	"github.com/loykin/sidecar/internal/status"
)

var (
	ErrStartupTimeout = errors.New("startup timeout")
	ErrHealthCheck    = errors.New("health check failed")
	ErrRestartLimit   = errors.New("restart limit reached")
	ErrShuttingDown   = errors.New("shutting down")
	ErrAlreadyStarted = errors.New("supervisor already started")
)

// Launcher spawns one backend generation bound to port.
type Launcher interface {
	Launch(port uint16) (process.Handle, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(port uint16) (process.Handle, error)

func (f LauncherFunc) Launch(port uint16) (process.Handle, error) { return f(port) }

// Options wires a Supervisor. Launcher, Checker and Port are required.
type Options struct {
	Config

	Port       uint16
	Launcher   Launcher
	Checker    health.Checker
	Publisher  status.Publisher
	Terminator process.Terminator
	Relay      relay.Relay
	// PIDFile is removed once shutdown has terminated the backend.
	PIDFile string
	Log     *slog.Logger

	// Sleep replaces real waiting; tests use it to run the timing budget
	// instantly.
	Sleep health.Sleeper
}

// Supervisor owns the current backend handle. The handle, the restart
// budget, the state and the shutdown flag live behind one mutex.
type Supervisor struct {
	cfg     Config
	port    uint16
	launch  Launcher
	checker health.Checker
	pub     status.Publisher
	term    process.Terminator
	relay   relay.Relay
	pidFile string
	sleep   health.Sleeper
	log     *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once

	mu           sync.Mutex
	handle       process.Handle
	restarts     int
	state        State
	started      bool
	shuttingDown bool
	// announcedReady is the ready flag of the last published status; used to
	// publish recovery only when it is a transition.
	announcedReady bool
	err            error
}

// New validates opts and builds an idle Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if opts.Checker == nil {
		return nil, errors.New("supervisor: checker is required")
	}
	if opts.Port == 0 {
		return nil, errors.New("supervisor: port is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = status.PublisherFunc(func(status.BackendStatus) {})
	}
	if opts.Terminator == nil {
		opts.Terminator = process.NewTerminator()
	}
	if opts.Sleep == nil {
		opts.Sleep = health.Sleep
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	log := opts.Log.With("component", "supervisor", "port", opts.Port)
	if opts.Relay.Log == nil {
		opts.Relay.Log = opts.Log.With("component", "backend")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     opts.Config.withDefaults(),
		port:    opts.Port,
		launch:  opts.Launcher,
		checker: opts.Checker,
		pub:     opts.Publisher,
		term:    opts.Terminator,
		relay:   opts.Relay,
		pidFile: opts.PIDFile,
		sleep:   opts.Sleep,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateStarting,
	}, nil
}

// Start publishes the initial not-ready status, spawns the first backend and
// begins monitoring in the background. A launch failure here is returned and
// nothing keeps running.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.shuttingDown {
		s.mu.Unlock()
		s.finish()
		return ErrShuttingDown
	}
	s.started = true
	s.mu.Unlock()

	s.publish(status.NotReady(s.port, ""))

	// Shutdown may have run while the lock was released; it found no handle.
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		s.finish()
		return ErrShuttingDown
	}
	h, err := s.launch.Launch(s.port)
	if err != nil {
		s.setStateLocked(StateFailed)
		s.err = err
		s.mu.Unlock()
		s.cancel()
		s.finish()
		s.publish(status.NotReady(s.port, err.Error()))
		return err
	}
	s.handle = h
	s.mu.Unlock()

	s.relay.Start(h)
	s.log.Info("backend spawned", "pid", h.PID())
	go s.run()
	return nil
}

// Port returns the port the backend is bound to. It never changes.
func (s *Supervisor) Port() uint16 { return s.port }

// Done is closed when monitoring has stopped for good.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns how much of the restart budget has been used.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// PID returns the current backend pid, or 0 when none is tracked.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}

// Err returns the terminal failure cause (ErrStartupTimeout, ErrRestartLimit
// or the initial launch error), or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) run() {
	defer s.finish()

	n, err := health.WaitReady(s.ctx, s.timed("startup"), s.cfg.StartupInterval, s.cfg.StartupAttempts, s.sleep,
		func(n int, err error) {
			if err != nil {
				s.log.Debug("backend not ready yet", "attempt", n, "error", err)
			}
		})
	if err != nil {
		if s.stopping() {
			return
		}
		s.fail(ErrStartupTimeout, status.ErrTextStartupTimeout)
		s.log.Error("backend never became ready", "attempts", n, "error", err)
		return
	}
	s.log.Info("backend ready", "attempts", n)
	s.markReady()

	if err := s.sleep(s.ctx, s.cfg.Warmup); err != nil {
		return
	}
	for !s.stopping() {
		if err := s.timed("monitor").Check(s.ctx); err != nil {
			if s.stopping() {
				return
			}
			s.log.Warn("backend health check failed", "error", fmt.Errorf("%w: %w", ErrHealthCheck, err))
			if err := s.restart(); err != nil {
				return
			}
			if err := s.sleep(s.ctx, s.cfg.RestartDelay); err != nil {
				return
			}
			if err := s.timed("confirm").Check(s.ctx); err != nil {
				// not retried; the next periodic poll decides
				s.log.Warn("backend not healthy after restart", "error", err)
			} else {
				s.markReady()
			}
		} else if !s.readyAnnounced() {
			s.markReady()
		}
		if err := s.sleep(s.ctx, s.cfg.Interval); err != nil {
			return
		}
	}
}

// restart spends one unit of budget and replaces the backend on the same
// port. It returns ErrRestartLimit once the budget is exhausted and
// ErrShuttingDown if shutdown has begun; both end monitoring.
func (s *Supervisor) restart() error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if s.restarts >= s.cfg.MaxRestarts {
		s.mu.Unlock()
		s.fail(ErrRestartLimit, status.ErrTextRestartLimit)
		s.log.Error("giving up on backend", "restarts", s.cfg.MaxRestarts)
		return ErrRestartLimit
	}
	s.restarts++
	attempt := s.restarts
	old := s.handle
	s.setStateLocked(StateDegraded)
	s.announcedReady = false
	s.mu.Unlock()

	metrics.IncRestart()
	s.publish(status.NotReady(s.port, fmt.Sprintf("crashed, restarting (attempt %d)", attempt)))
	s.log.Warn("restarting backend", "attempt", attempt, "max", s.cfg.MaxRestarts)

	// A hung backend still holds the port.
	if old != nil {
		if err := s.term.Terminate(old.PID(), false); err != nil {
			s.log.Warn("kill previous backend", "pid", old.PID(), "error", err)
		}
		select {
		case <-old.Done():
		case <-time.After(s.cfg.Grace):
		}
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	h, err := s.launch.Launch(s.port)
	if err != nil {
		s.handle = nil
		s.mu.Unlock()
		// counted against the budget; the confirmation poll will fail
		s.log.Error("relaunch failed", "attempt", attempt, "error", err)
		return nil
	}
	s.handle = h
	s.mu.Unlock()

	s.relay.Start(h)
	s.log.Info("backend respawned", "attempt", attempt, "pid", h.PID())
	return nil
}

// Shutdown takes the current handle and terminates it: a graceful signal,
// the grace window, then a forced kill. Restarts are suppressed from here
// on. Calling it again is a no-op.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	h := s.handle
	s.handle = nil
	started := s.started
	s.setStateLocked(StateStopped)
	s.mu.Unlock()
	s.cancel()
	if !started {
		s.finish()
	}

	if h == nil {
		return nil
	}
	pid := h.PID()
	s.log.Info("stopping backend", "pid", pid)
	var errs []error
	if s.term.Graceful() {
		if err := s.term.Terminate(pid, true); err != nil {
			errs = append(errs, fmt.Errorf("graceful terminate: %w", err))
		}
		select {
		case <-h.Done():
		case <-time.After(s.cfg.Grace):
		}
	}
	if err := s.term.Terminate(pid, false); err != nil {
		errs = append(errs, fmt.Errorf("kill: %w", err))
	}
	process.RemovePIDFile(s.pidFile)
	return errors.Join(errs...)
}

func (s *Supervisor) finish() { s.doneOnce.Do(func() { close(s.done) }) }

func (s *Supervisor) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown || s.state == StateFailed
}

func (s *Supervisor) readyAnnounced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.announcedReady
}

func (s *Supervisor) markReady() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateReady)
	s.announcedReady = true
	s.mu.Unlock()
	s.publish(status.Ready(s.port))
}

func (s *Supervisor) fail(cause error, text string) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateFailed)
	s.err = cause
	s.announcedReady = false
	s.mu.Unlock()
	s.publish(status.NotReady(s.port, text))
}

func (s *Supervisor) setStateLocked(to State) {
	if s.state == to {
		return
	}
	metrics.RecordStateTransition(s.state.String(), to.String())
	s.log.Debug("state", "from", s.state, "to", to)
	s.state = to
}

// publish never runs under mu so publishers may query the supervisor.
func (s *Supervisor) publish(st status.BackendStatus) {
	s.pub.Publish(st)
}

// timed wraps the checker with latency metrics for phase.
func (s *Supervisor) timed(phase string) health.Checker {
	return health.CheckerFunc(func(ctx context.Context) error {
		start := time.Now()
		err := s.checker.Check(ctx)
		metrics.ObserveHealthCheck(phase, err == nil, time.Since(start).Seconds())
		return err
	})
}
