//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the engine in its own process group so the
// whole group can be signalled on termination.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
