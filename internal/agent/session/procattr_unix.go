//go:build unix && !linux

package session

import (
	"os/exec"
	"syscall"
)

// setProcGroup starts the agent in its own process group. Without Pdeathsig
// an orphaned agent is only reaped by an explicit Stop.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
