package process

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/metrics"
)

// Launcher spawns one backend generation per call using its Strategy.
// It is safe for concurrent use.
type Launcher struct {
	strategy Strategy
	env      *env.Env
	pidFile  string
	log      *slog.Logger
}

// NewLauncher builds a Launcher. environment may be nil to pass the host
// environment through; pidFile may be empty to skip pidfile bookkeeping.
func NewLauncher(s Strategy, environment *env.Env, pidFile string, log *slog.Logger) *Launcher {
	if environment == nil {
		environment = env.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{strategy: s, env: environment, pidFile: pidFile, log: log.With("component", "launcher")}
}

// Strategy returns the configured strategy.
func (l *Launcher) Strategy() Strategy { return l.strategy }

// Launch spawns the backend bound to port.
func (l *Launcher) Launch(port uint16) (Handle, error) {
	spec, err := l.strategy.Spec(port)
	if err != nil {
		metrics.IncLaunch(l.strategy.Name(), false)
		return nil, err
	}

	// Paths are logged up front: a missing bundled binary is the most common
	// production failure and the spawn error alone does not name the path.
	attrs := []any{
		"strategy", l.strategy.Name(),
		"command", spec.String(),
		"workdir", spec.Dir,
		"port", port,
	}
	if filepath.IsAbs(spec.Path) {
		if _, statErr := os.Stat(spec.Path); statErr != nil {
			attrs = append(attrs, "binary", "missing")
		} else {
			attrs = append(attrs, "binary", "present")
		}
	}
	if home, ok := env.Lookup(spec.Env, "HOME"); ok {
		attrs = append(attrs, "home", home)
	}
	l.log.Info("starting backend", attrs...)

	p, err := Start(spec, l.env.Merge(spec.Env))
	if err != nil {
		metrics.IncLaunch(l.strategy.Name(), false)
		l.log.Error("backend spawn failed", "error", err)
		return nil, err
	}
	metrics.IncLaunch(l.strategy.Name(), true)
	l.log.Info("backend process spawned", "pid", p.PID())

	if l.pidFile != "" {
		if err := WritePIDFile(l.pidFile, p.PID()); err != nil {
			l.log.Warn("write pidfile failed", "path", l.pidFile, "error", err)
		}
	}
	return p, nil
}

// PIDFile returns the configured pidfile path, possibly empty.
func (l *Launcher) PIDFile() string { return l.pidFile }
