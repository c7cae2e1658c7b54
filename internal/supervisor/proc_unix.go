//go:build unix && !linux

package supervisor

import (
	"jobexec/internal/engine"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(pid int, sig syscall.Signal) error {
	return unix.Kill(-pid, sig)
}

// applyLimits is a no-op: these platforms cannot set rlimits on another process.
func applyLimits(int, engine.Limits) error {
	return nil
}
