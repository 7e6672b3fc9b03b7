//go:build linux

package session

import (
	"os/exec"
	"syscall"
)

// setProcGroup starts the agent in its own process group so a stop reaches
// every child it spawned. Pdeathsig takes the agent down if the server dies
// without stopping it.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
