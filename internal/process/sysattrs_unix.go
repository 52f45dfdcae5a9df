//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the backend in its own process group so that a
// build tool and the server it spawns can be signalled together.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
