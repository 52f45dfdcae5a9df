package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/supervisor"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. SIDECAR_HEALTH_PATH.
const EnvPrefix = "SIDECAR"

// Config represents the top-level configuration file.
type Config struct {
	Backend  BackendConfig  `toml:"backend" mapstructure:"backend"`
	Port     PortConfig     `toml:"port" mapstructure:"port"`
	Health   HealthConfig   `toml:"health" mapstructure:"health"`
	Shutdown ShutdownConfig `toml:"shutdown" mapstructure:"shutdown"`
	Log      logger.Config  `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
}

type BackendConfig struct {
	Mode         string   `toml:"mode" mapstructure:"mode"`
	Tool         string   `toml:"tool" mapstructure:"tool"`
	ToolArgs     []string `toml:"tool_args" mapstructure:"tool_args"`
	ProjectDir   string   `toml:"project_dir" mapstructure:"project_dir"`
	Binary       string   `toml:"binary" mapstructure:"binary"`
	ResourceDir  string   `toml:"resource_dir" mapstructure:"resource_dir"`
	ConfigSubdir string   `toml:"config_subdir" mapstructure:"config_subdir"`
	Args         []string `toml:"args" mapstructure:"args"`
	Env          []string `toml:"env" mapstructure:"env"`
	EnvFiles     []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv     bool     `toml:"use_os_env" mapstructure:"use_os_env"`
	PIDFile      string   `toml:"pid_file" mapstructure:"pid_file"`
}

type PortConfig struct {
	Start    int `toml:"start" mapstructure:"start"`
	Attempts int `toml:"attempts" mapstructure:"attempts"`
}

type HealthConfig struct {
	Path            string        `toml:"path" mapstructure:"path"`
	StartupInterval time.Duration `toml:"startup_interval" mapstructure:"startup_interval"`
	StartupAttempts int           `toml:"startup_attempts" mapstructure:"startup_attempts"`
	Warmup          time.Duration `toml:"warmup" mapstructure:"warmup"`
	Interval        time.Duration `toml:"interval" mapstructure:"interval"`
	RestartDelay    time.Duration `toml:"restart_delay" mapstructure:"restart_delay"`
	MaxRestarts     int           `toml:"max_restarts" mapstructure:"max_restarts"`
	Timeout         time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type ShutdownConfig struct {
	Grace time.Duration `toml:"grace" mapstructure:"grace"`
}

type MetricsConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	Listen         string        `toml:"listen" mapstructure:"listen"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// HistoryConfig lists journal sinks by DSN: sqlite://path, a bare file path,
// postgres://..., clickhouse://...
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string `toml:"sinks" mapstructure:"sinks"`
	Buffer  int      `toml:"buffer" mapstructure:"buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.mode", "")
	v.SetDefault("backend.tool", process.DefaultTool)
	v.SetDefault("backend.tool_args", []string{"run", "--release", "--"})
	v.SetDefault("backend.project_dir", "")
	v.SetDefault("backend.binary", process.DefaultBinary)
	v.SetDefault("backend.resource_dir", "")
	v.SetDefault("backend.config_subdir", process.DefaultConfigSubdir)
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.env_files", []string{})
	v.SetDefault("backend.use_os_env", true)
	v.SetDefault("backend.pid_file", "")

	v.SetDefault("port.start", 8080)
	v.SetDefault("port.attempts", 10)

	d := supervisor.DefaultConfig()
	v.SetDefault("health.path", "/v1/models")
	v.SetDefault("health.startup_interval", d.StartupInterval)
	v.SetDefault("health.startup_attempts", d.StartupAttempts)
	v.SetDefault("health.warmup", d.Warmup)
	v.SetDefault("health.interval", d.Interval)
	v.SetDefault("health.restart_delay", d.RestartDelay)
	v.SetDefault("health.max_restarts", d.MaxRestarts)
	v.SetDefault("health.timeout", 3*time.Second)

	v.SetDefault("shutdown.grace", d.Grace)

	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("log.slog.color", true)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout_path", "")
	v.SetDefault("log.file.stderr_path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")
	v.SetDefault("metrics.sample_interval", 5*time.Second)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8079")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.buffer", 64)
}

// Default returns the built-in configuration without file or environment
// overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads path (TOML, YAML or JSON by extension) over the defaults and
// applies SIDECAR_* environment overrides. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			v.SetConfigType("yaml")
		case ".json":
			v.SetConfigType("json")
		default:
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges that decoding cannot.
func (c *Config) Validate() error {
	var errs []error
	if _, err := process.ParseMode(c.Backend.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Port.Start < 1 || c.Port.Start > 65535 {
		errs = append(errs, fmt.Errorf("port.start %d out of range 1-65535", c.Port.Start))
	}
	if c.Port.Attempts < 1 || c.Port.Attempts > 65535 {
		errs = append(errs, fmt.Errorf("port.attempts %d out of range 1-65535", c.Port.Attempts))
	}
	if c.Health.StartupAttempts < 1 {
		errs = append(errs, errors.New("health.startup_attempts must be positive"))
	}
	if c.Health.StartupInterval <= 0 || c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health intervals must be positive"))
	}
	if c.Health.MaxRestarts < 0 {
		errs = append(errs, errors.New("health.max_restarts must not be negative"))
	}
	if c.Shutdown.Grace < 0 {
		errs = append(errs, errors.New("shutdown.grace must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Slog.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Mode returns the configured backend mode, or the build default.
func (c *Config) Mode() process.Mode {
	m, err := process.ParseMode(c.Backend.Mode)
	if err != nil {
		return process.DefaultMode
	}
	return m
}

// Strategy builds the launch strategy for mode.
func (c *Config) Strategy(mode process.Mode) (process.Strategy, error) {
	b := c.Backend
	return process.NewStrategy(mode,
		process.DevStrategy{
			Tool:       b.Tool,
			ToolArgs:   b.ToolArgs,
			ProjectDir: b.ProjectDir,
			ExtraArgs:  b.Args,
		},
		process.ProdStrategy{
			ResourceDir:  b.ResourceDir,
			Binary:       b.Binary,
			ConfigSubdir: b.ConfigSubdir,
			ExtraArgs:    b.Args,
		},
	)
}

// Supervisor maps the health and shutdown sections onto supervisor timings.
// Zero max_restarts, warmup or grace mean none, not the default.
func (c *Config) Supervisor() supervisor.Config {
	maxRestarts := c.Health.MaxRestarts
	if maxRestarts == 0 {
		maxRestarts = -1
	}
	warmup := c.Health.Warmup
	if warmup == 0 {
		warmup = -1
	}
	grace := c.Shutdown.Grace
	if grace == 0 {
		grace = -1
	}
	return supervisor.Config{
		StartupInterval: c.Health.StartupInterval,
		StartupAttempts: c.Health.StartupAttempts,
		Warmup:          warmup,
		Interval:        c.Health.Interval,
		RestartDelay:    c.Health.RestartDelay,
		MaxRestarts:     maxRestarts,
		Grace:           grace,
	}
}

// Environment composes the backend environment. Precedence: OS env (when
// use_os_env) provides the base, env_files apply in order, then the env list
// overrides last.
func (c *Config) Environment() (*env.Env, error) {
	e := env.New()
	if !c.Backend.UseOSEnv {
		e.FromPairs(nil)
	}
	for _, p := range c.Backend.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		e.SetPairs(pairs)
	}
	e.SetPairs(c.Backend.Env)
	return e, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order. Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
		}
	}
	return out, nil
}
