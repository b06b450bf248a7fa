//go:build linux

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// prepareCommand puts the program in its own process group so that a kill
// reaches every process it forked.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return err
		}
		return nil
	}
}

// setProcessLimits applies rlimits to an already started process. The program
// runs unrestricted for the few instructions before this lands.
func setProcessLimits(pid int, l Limits) error {
	set := func(resource int, value uint64) error {
		return unix.Prlimit(pid, resource, &unix.Rlimit{Cur: value, Max: value}, nil)
	}

	if l.HasCPUTime() {
		secs := uint64(l.CPUTime.Seconds())
		if l.CPUTime%1e9 != 0 {
			secs++
		}
		if err := set(unix.RLIMIT_CPU, secs); err != nil {
			return err
		}
	}
	if l.HasMemory() {
		if err := set(unix.RLIMIT_AS, uint64(l.Memory)); err != nil {
			return err
		}
	}
	if l.HasOutputSize() {
		// One byte of slack so that writing past the limit is observable
		if err := set(unix.RLIMIT_FSIZE, uint64(l.OutputSize)+1); err != nil {
			return err
		}
	}
	if l.Stack > 0 {
		if err := set(unix.RLIMIT_STACK, uint64(l.Stack)); err != nil {
			return err
		}
	}
	// RLIMIT_NPROC counts every process of the user, so Processes is not enforced here
	return nil
}

func peakRSS(state *os.ProcessState) int64 {
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		return ru.Maxrss * KiB
	}
	return 0
}
