package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config is the logging section of the sidecar configuration.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

// SlogConfig controls the sidecar's own structured log.
type SlogConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // text or json
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
}

// FileConfig describes file destinations.
// Path receives the sidecar log. Backend output is mirrored to
// StdoutPath/StderrPath, or Dir/<name>.stdout.log and Dir/<name>.stderr.log
// when only Dir is set. Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout_path"`
	StderrPath string `mapstructure:"stderr_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// NewSlogger builds the sidecar logger. Output goes to stderr, and
// additionally to a rotating file when File.Path is set. The returned closer
// releases the file and is never nil.
func (c Config) NewSlogger() (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Slog.Level)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	color := c.Slog.Color
	if c.File.Path != "" {
		f := c.File.rotating(c.File.Path)
		w = io.MultiWriter(os.Stderr, f)
		closer = f
		// escape codes in a log file are noise
		color = false
	}
	return slog.New(c.handler(w, level, color)), closer, nil
}

func (c Config) handler(w io.Writer, level slog.Level, color bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	switch {
	case strings.EqualFold(c.Slog.Format, "json"):
		return slog.NewJSONHandler(w, opts)
	case color:
		return NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// ProcessWriters returns rotating writers mirroring the stdout and stderr of
// the named process. Either writer is nil when no destination is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotating(stdout)
	}
	if stderr != "" {
		errW = c.File.rotating(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel maps a config string to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
