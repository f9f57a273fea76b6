//go:build windows

package process

import "os/exec"

// requestStop terminates the engine; Windows has no SIGTERM for console-less children.
func requestStop(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func forceKill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
