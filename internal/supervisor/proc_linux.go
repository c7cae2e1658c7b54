//go:build linux

package supervisor

import (
	"jobexec/internal/engine"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the engine in its own process group so signals reach any
// children it spawns, and kills it if the service dies.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// signalGroup delivers sig to the whole process group led by pid.
func signalGroup(pid int, sig syscall.Signal) error {
	return unix.Kill(-pid, sig)
}

// applyLimits sets rlimits on a started process.
func applyLimits(pid int, l engine.Limits) error {
	if err := setLimit(pid, unix.RLIMIT_AS, l.MemoryBytes, 0); err != nil {
		return err
	}
	// The hard CPU limit trails the soft one so SIGXCPU arrives before SIGKILL.
	if err := setLimit(pid, unix.RLIMIT_CPU, l.CPUSeconds, 5); err != nil {
		return err
	}
	return setLimit(pid, unix.RLIMIT_FSIZE, l.FileSizeBytes, 0)
}

func setLimit(pid, resource int, value, slack uint64) error {
	if value == 0 {
		return nil
	}
	return unix.Prlimit(pid, resource, &unix.Rlimit{Cur: value, Max: value + slack}, nil)
}
