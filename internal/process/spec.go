package process

import (
	"os/exec"
	"strings"
)

// Spec is a fully resolved backend invocation: no shell, no PATH games beyond
// what exec.LookPath does for a bare tool name.
type Spec struct {
	Name string   `json:"name"`
	Path string   `json:"path"` // executable; bare names are resolved through PATH
	Args []string `json:"args"`
	Dir  string   `json:"dir"` // working directory, empty means inherit
	Env  []string `json:"env"` // extra KEY=VALUE entries layered over the host env
}

// Command builds the *exec.Cmd for the spec. Env is left nil here; Launcher
// composes the final environment.
func (s Spec) Command() *exec.Cmd {
	// ok: path and args come from configuration, never from user input
	// #nosec G204
	cmd := exec.Command(s.Path, s.Args...)
	if s.Dir != "" {
		cmd.Dir = s.Dir
	}
	return cmd
}

// String renders the invocation for log lines.
func (s Spec) String() string {
	if len(s.Args) == 0 {
		return s.Path
	}
	return s.Path + " " + strings.Join(s.Args, " ")
}
