package template

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.yaml.in/yaml/v3"

	"github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/process"
)

// Format is the serialisation of a generated config file.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts toml, yaml and yml; empty means toml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "toml":
		return FormatTOML, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown template format: %s (supported: toml, yaml)", s)
	}
}

// Generator produces starter configuration files for `sidecar init`.
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns the configuration tree for mode, starting from the
// built-in defaults. Durations are rendered as strings ("2s") so the file
// stays readable and loads back through the config decoder.
func (g *Generator) Generate(mode process.Mode) (map[string]any, error) {
	switch mode {
	case process.ModeDevelopment:
		return g.toMap(g.development()), nil
	case process.ModeProduction:
		return g.toMap(g.production()), nil
	default:
		return nil, fmt.Errorf("unknown mode: %s (supported: development, production)", mode)
	}
}

// Render serialises the template for mode in format.
func (g *Generator) Render(mode process.Mode, format Format) ([]byte, error) {
	tree, err := g.Generate(mode)
	if err != nil {
		return nil, err
	}
	var out []byte
	switch format {
	case FormatTOML:
		out, err = toml.Marshal(tree)
	case FormatYAML:
		out, err = yaml.Marshal(tree)
	default:
		return nil, fmt.Errorf("unknown template format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return out, nil
}

// GetSupportedModes returns the modes a template can be generated for
func (g *Generator) GetSupportedModes() []string {
	return []string{string(process.ModeDevelopment), string(process.ModeProduction)}
}

func (g *Generator) development() *config.Config {
	c := config.Default()
	c.Backend.Mode = string(process.ModeDevelopment)
	c.Backend.ProjectDir = "."
	c.Backend.Env = []string{"RUST_LOG=debug"}
	c.Log.Slog.Level = "debug"
	return c
}

func (g *Generator) production() *config.Config {
	c := config.Default()
	c.Backend.Mode = string(process.ModeProduction)
	c.Backend.ResourceDir = "./resources"
	c.Backend.PIDFile = "./run/backend.pid"
	c.Backend.Env = []string{"RUST_LOG=info"}
	c.Log.File.Dir = "./logs"
	c.History.Enabled = true
	c.History.Sinks = []string{"sqlite://./run/history.db"}
	return c
}

// toMap converts a Config to the file layout read by the config loader.
func (g *Generator) toMap(c *config.Config) map[string]any {
	backend := map[string]any{
		"mode":          c.Backend.Mode,
		"tool":          c.Backend.Tool,
		"tool_args":     c.Backend.ToolArgs,
		"binary":        c.Backend.Binary,
		"config_subdir": c.Backend.ConfigSubdir,
		"use_os_env":    c.Backend.UseOSEnv,
	}
	if c.Backend.ProjectDir != "" {
		backend["project_dir"] = c.Backend.ProjectDir
	}
	if c.Backend.ResourceDir != "" {
		backend["resource_dir"] = c.Backend.ResourceDir
	}
	if c.Backend.PIDFile != "" {
		backend["pid_file"] = c.Backend.PIDFile
	}
	if len(c.Backend.Args) > 0 {
		backend["args"] = c.Backend.Args
	}
	if len(c.Backend.Env) > 0 {
		backend["env"] = c.Backend.Env
	}

	logFile := map[string]any{
		"max_size_mb":  c.Log.File.MaxSizeMB,
		"max_backups":  c.Log.File.MaxBackups,
		"max_age_days": c.Log.File.MaxAgeDays,
	}
	if c.Log.File.Dir != "" {
		logFile["dir"] = c.Log.File.Dir
	}

	history := map[string]any{"enabled": c.History.Enabled}
	if len(c.History.Sinks) > 0 {
		history["sinks"] = c.History.Sinks
	}

	return map[string]any{
		"backend": backend,
		"port": map[string]any{
			"start":    c.Port.Start,
			"attempts": c.Port.Attempts,
		},
		"health": map[string]any{
			"path":             c.Health.Path,
			"startup_interval": c.Health.StartupInterval.String(),
			"startup_attempts": c.Health.StartupAttempts,
			"warmup":           c.Health.Warmup.String(),
			"interval":         c.Health.Interval.String(),
			"restart_delay":    c.Health.RestartDelay.String(),
			"max_restarts":     c.Health.MaxRestarts,
			"timeout":          c.Health.Timeout.String(),
		},
		"shutdown": map[string]any{
			"grace": c.Shutdown.Grace.String(),
		},
		"log": map[string]any{
			"slog": map[string]any{
				"level":  c.Log.Slog.Level,
				"format": c.Log.Slog.Format,
				"color":  c.Log.Slog.Color,
			},
			"file": logFile,
		},
		"server": map[string]any{
			"enabled":   c.Server.Enabled,
			"listen":    c.Server.Listen,
			"base_path": c.Server.BasePath,
		},
		"metrics": map[string]any{
			"enabled": c.Metrics.Enabled,
			"listen":  c.Metrics.Listen,
		},
		"history": history,
	}
}
