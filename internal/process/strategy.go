package process

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Mode selects how the backend is invoked.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// ParseMode accepts the long names and the dev/prod shorthands. Empty yields
// the build default.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultMode, nil
	case "development", "dev", "debug":
		return ModeDevelopment, nil
	case "production", "prod", "release":
		return ModeProduction, nil
	default:
		return "", fmt.Errorf("unknown backend mode %q (want development or production)", s)
	}
}

// Strategy turns the chosen port into a concrete invocation.
type Strategy interface {
	Name() string
	Spec(port uint16) (Spec, error)
}

// serveArgs is the backend's own command line, shared by both strategies.
func serveArgs(port uint16, extra []string) []string {
	args := []string{"serve", "--port", strconv.Itoa(int(port))}
	return append(args, extra...)
}

// DevStrategy runs the backend from source through its build tool, e.g.
// `cargo run --release -- serve --port N` inside the backend project.
type DevStrategy struct {
	Tool       string   // default "cargo"
	ToolArgs   []string // default run --release --
	ProjectDir string   // default: sibling "backend" directory of the cwd
	ExtraArgs  []string
}

const (
	DefaultTool        = "cargo"
	DefaultProjectName = "backend"
)

var defaultToolArgs = []string{"run", "--release", "--"}

func (DevStrategy) Name() string { return string(ModeDevelopment) }

func (d DevStrategy) Spec(port uint16) (Spec, error) {
	tool := d.Tool
	if tool == "" {
		tool = DefaultTool
	}
	toolArgs := d.ToolArgs
	if toolArgs == nil {
		toolArgs = defaultToolArgs
	}
	dir := d.ProjectDir
	if dir == "" {
		var err error
		if dir, err = SiblingDir(DefaultProjectName); err != nil {
			return Spec{}, err
		}
	}
	args := append(append([]string(nil), toolArgs...), serveArgs(port, d.ExtraArgs)...)
	return Spec{Name: "backend", Path: tool, Args: args, Dir: dir}, nil
}

// SiblingDir returns <parent of cwd>/name.
func SiblingDir(name string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return filepath.Join(filepath.Dir(wd), name), nil
}

// ProdStrategy runs the binary bundled in the application's resource
// directory. The working directory is the resource directory's config
// subdirectory so the backend finds its config and secrets files, and HOME is
// forwarded explicitly because packaged launches may not inherit it.
type ProdStrategy struct {
	ResourceDir  string // default: directory of the host executable
	Binary       string // default "backend"
	ConfigSubdir string // default "backend-config"
	Home         string // default ResolveHome()
	ExtraArgs    []string
}

const (
	DefaultBinary       = "backend"
	DefaultConfigSubdir = "backend-config"
)

func (ProdStrategy) Name() string { return string(ModeProduction) }

func (p ProdStrategy) Spec(port uint16) (Spec, error) {
	res := p.ResourceDir
	if res == "" {
		var err error
		if res, err = ExecutableDir(); err != nil {
			return Spec{}, err
		}
	}
	bin := p.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	if runtime.GOOS == "windows" && filepath.Ext(bin) == "" {
		bin += ".exe"
	}
	sub := p.ConfigSubdir
	if sub == "" {
		sub = DefaultConfigSubdir
	}
	home := p.Home
	if home == "" {
		home = ResolveHome()
	}
	return Spec{
		Name: "backend",
		Path: filepath.Join(res, bin),
		Args: serveArgs(port, p.ExtraArgs),
		Dir:  filepath.Join(res, sub),
		Env:  []string{"HOME=" + home},
	}, nil
}

// ExecutableDir is the directory holding the running host binary.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve resource directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// ResolveHome picks HOME from the environment, then the OS notion of the
// user's home, then the temp directory.
func ResolveHome() string {
	return resolveHome(os.Getenv, os.UserHomeDir, os.TempDir)
}

func resolveHome(getenv func(string) string, userHome func() (string, error), tmp func() string) string {
	if h := getenv("HOME"); h != "" {
		return h
	}
	if h, err := userHome(); err == nil && h != "" {
		return h
	}
	return tmp()
}

// NewStrategy returns the strategy for mode.
func NewStrategy(mode Mode, dev DevStrategy, prod ProdStrategy) (Strategy, error) {
	switch mode {
	case ModeDevelopment:
		return dev, nil
	case ModeProduction:
		return prod, nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", mode)
	}
}
