//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
	"time"
)

const killGrace = 100 * time.Millisecond

// setProcessGroup puts the child in its own group so shell pipelines it
// spawns are terminated with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(killGrace)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
