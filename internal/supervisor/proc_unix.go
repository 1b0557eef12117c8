//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the scanner in its own process group and
// makes cancellation kill the whole group, including any helpers it forked.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
