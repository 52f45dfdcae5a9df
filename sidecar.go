// Package sidecar launches and supervises a backend server process on behalf
// of a desktop host and reports its liveness to the host UI.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/history/factory"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/port"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/relay"
	"github.com/loykin/sidecar/internal/server"
	"github.com/loykin/sidecar/internal/status"
	"github.com/loykin/sidecar/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = status.BackendStatus

type StatusRecord = status.Record

type Publisher = status.Publisher

type PublisherFunc = status.PublisherFunc

type State = supervisor.State

type Mode = process.Mode

type Handle = process.Handle

type Launcher = supervisor.Launcher

type LauncherFunc = supervisor.LauncherFunc

const (
	ModeDevelopment = process.ModeDevelopment
	ModeProduction  = process.ModeProduction
	EventName       = status.EventName
)

var (
	ErrNoPortAvailable = port.ErrNoPortAvailable
	ErrLaunch          = process.ErrLaunch
	ErrStartupTimeout  = supervisor.ErrStartupTimeout
	ErrRestartLimit    = supervisor.ErrRestartLimit
)

// LoadConfig reads a config file; an empty path yields defaults plus
// SIDECAR_* environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return config.Default() }

// Options customise New.
type Options struct {
	// Mode overrides backend.mode from the config.
	Mode Mode
	// Publisher receives every backend-status transition, e.g. the host's
	// UI event bridge. It must not block.
	Publisher Publisher
	Log       *slog.Logger
	// Launcher replaces the strategy-based launcher (embedding and tests).
	Launcher Launcher
}

// Sidecar wires port allocation, the supervisor, the status API, the history
// journal and metrics together.
type Sidecar struct {
	cfg      *Config
	log      *slog.Logger
	port     uint16
	sup      *supervisor.Supervisor
	statuses *status.Broadcaster
	recorder *history.Recorder
	sampler  *metrics.ResourceSampler
	api      *server.Server
	metrics  *http.Server
	closers  []io.Closer

	mu       sync.Mutex
	embedded []*server.Router
}

// New allocates the backend port and prepares the supervisor. Nothing is
// spawned until Start. A stale backend from a crashed previous run is
// terminated first when a pidfile is configured.
func New(cfg *Config, opts Options) (*Sidecar, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	mode := opts.Mode
	if mode == "" {
		mode = cfg.Mode()
	}

	term := process.NewTerminator()
	if pid, err := process.ReapStale(cfg.Backend.PIDFile, term, cfg.Shutdown.Grace, log); err != nil {
		log.Warn("stale backend cleanup failed", "pid", pid, "error", err)
	}

	p, err := port.FindAvailable(uint16(cfg.Port.Start), uint16(cfg.Port.Attempts))
	if err != nil {
		return nil, err
	}
	log.Info("backend port selected", "port", p)

	s := &Sidecar{cfg: cfg, log: log, port: p, statuses: status.NewBroadcaster()}

	launcher := opts.Launcher
	if launcher == nil {
		strategy, err := cfg.Strategy(mode)
		if err != nil {
			return nil, err
		}
		environment, err := cfg.Environment()
		if err != nil {
			return nil, err
		}
		launcher = process.NewLauncher(strategy, environment, cfg.Backend.PIDFile, log)
	}

	outW, errW, err := cfg.Log.ProcessWriters("backend")
	if err != nil {
		return nil, err
	}
	rl := relay.Relay{Log: log.With("component", "backend")}
	if outW != nil {
		rl.Stdout = outW
		s.closers = append(s.closers, outW)
	}
	if errW != nil {
		rl.Stderr = errW
		s.closers = append(s.closers, errW)
	}

	pubs := status.Multi{s.statuses}
	if cfg.History.Enabled && len(cfg.History.Sinks) > 0 {
		sinks, err := factory.NewSinks(cfg.History.Sinks)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.recorder = history.NewRecorder(sinks, cfg.History.Buffer, log)
		pubs = append(pubs, s.recorder)
	}
	if opts.Publisher != nil {
		pubs = append(pubs, opts.Publisher)
	}

	sup, err := supervisor.New(supervisor.Options{
		Config:     cfg.Supervisor(),
		Port:       p,
		Launcher:   launcher,
		Checker:    health.NewHTTPChecker(p, cfg.Health.Path, cfg.Health.Timeout),
		Publisher:  status.Counted(pubs),
		Terminator: term,
		Relay:      rl,
		PIDFile:    cfg.Backend.PIDFile,
		Log:        log,
	})
	if err != nil {
		s.closeAll()
		return nil, err
	}
	s.sup = sup
	if s.recorder != nil {
		s.recorder.State = func() string { return sup.State().String() }
		s.recorder.PID = sup.PID
	}
	return s, nil
}

// Start brings up metrics and the status API when enabled, then spawns the
// backend. Only a failure of the very first spawn (or a bind error) is
// returned; everything later is reported through status events.
func (s *Sidecar) Start() error {
	if s.cfg.Metrics.Enabled {
		if err := s.startMetrics(); err != nil {
			return err
		}
	}
	if s.cfg.Server.Enabled {
		api, err := server.NewServer(s.cfg.Server.Listen, server.NewRouter(backendView{s.sup}, s.statuses, s.cfg.Server.BasePath))
		if err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		s.api = api
		s.log.Info("status api listening", "addr", api.Addr(), "base_path", s.cfg.Server.BasePath)
	}
	return s.sup.Start()
}

func (s *Sidecar) startMetrics() error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	s.sampler = metrics.NewResourceSampler(s.cfg.Metrics.SampleInterval, s.sup.PID, s.log)
	if err := s.sampler.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	s.sampler.Start(context.Background())

	ln, err := net.Listen("tcp", s.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metrics = &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = s.metrics.Serve(ln) }()
	s.log.Info("metrics listening", "addr", ln.Addr().String())
	return nil
}

// APIHandler serves the status API under basePath for hosts that embed it in
// their own HTTP server instead of enabling server.enabled.
func (s *Sidecar) APIHandler(basePath string) http.Handler {
	r := server.NewRouter(backendView{s.sup}, s.statuses, basePath)
	s.mu.Lock()
	s.embedded = append(s.embedded, r)
	s.mu.Unlock()
	return r.Handler()
}

// Port returns the backend port; it never changes for the life of s.
func (s *Sidecar) Port() uint16 { return s.port }

// Status returns the last published status.
func (s *Sidecar) Status() (Status, bool) {
	rec, ok := s.statuses.Latest()
	return rec.Status, ok
}

// Subscribe streams status transitions, starting with the latest one.
func (s *Sidecar) Subscribe() (<-chan StatusRecord, func()) { return s.statuses.Subscribe() }

// APIAddr is the bound address of the status API, empty when disabled or
// not yet started.
func (s *Sidecar) APIAddr() string {
	if s.api == nil {
		return ""
	}
	return s.api.Addr()
}

func (s *Sidecar) State() State { return s.sup.State() }

// Err is the terminal failure cause, if monitoring gave up.
func (s *Sidecar) Err() error { return s.sup.Err() }

// Done is closed when monitoring has stopped.
func (s *Sidecar) Done() <-chan struct{} { return s.sup.Done() }

// Shutdown terminates the backend, then closes the API, metrics and journal.
// It is safe to call more than once.
func (s *Sidecar) Shutdown(ctx context.Context) error {
	errs := []error{s.sup.Shutdown()}
	s.mu.Lock()
	for _, r := range s.embedded {
		r.Close()
	}
	s.mu.Unlock()
	if s.api != nil {
		errs = append(errs, s.api.Shutdown(ctx))
	}
	if s.metrics != nil {
		errs = append(errs, s.metrics.Shutdown(ctx))
	}
	if s.sampler != nil {
		s.sampler.Stop()
	}
	if s.recorder != nil {
		errs = append(errs, s.recorder.Close())
	}
	s.closeAll()
	err := errors.Join(errs...)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Sidecar) closeAll() {
	for _, c := range s.closers {
		_ = c.Close()
	}
	s.closers = nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler { return metrics.Handler() }

// ServeMetrics serves /metrics from the default registry on addr in the
// caller goroutine, for hosts that keep metrics.enabled off and run their own.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

type backendView struct{ sup *supervisor.Supervisor }

func (b backendView) Port() uint16      { return b.sup.Port() }
func (b backendView) PID() int          { return b.sup.PID() }
func (b backendView) Restarts() int     { return b.sup.Restarts() }
func (b backendView) StateName() string { return b.sup.State().String() }
