//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the agent in its own process group so its children
// (MCP servers, headless browsers) can be killed together.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the whole process group. Negative PID
// addresses the group; safe to call after the leader has exited.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
