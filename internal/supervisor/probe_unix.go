//go:build unix

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// processAlive probes a PID with signal 0. EPERM means the PID exists but
// belongs to someone else, which still counts as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// signalGroup signals the process group led by pid, falling back to the
// process itself when it is not a group leader.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}

func terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func kill(pid int) error { return signalGroup(pid, unix.SIGKILL) }

// configureCommand puts the child in its own process group so terminal
// signals aimed at the daemon do not reach it and the whole tree can be
// signalled at once.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
