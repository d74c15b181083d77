//go:build unix

package runner

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcess runs the shell in its own process group so that an
// interrupt reaches the tools it started. Cancelling sends SIGTERM to the
// group and, after grace, SIGKILL to whatever is left in it.
func configureProcess(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if grace > 0 {
			time.AfterFunc(grace, func() { _ = syscall.Kill(pgid, syscall.SIGKILL) })
		}
		return syscall.Kill(pgid, syscall.SIGTERM)
	}
	cmd.WaitDelay = grace
}
