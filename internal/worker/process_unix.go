//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the worker in its own process group so cancellation
// reaches the agent and the tee behind it, not only the shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
