//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// signalGroup sends SIGTERM (or SIGKILL when force) to the browser's process
// group. A group that is already gone is not an error.
func signalGroup(pid int, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// not a group leader any more; fall back to the pid itself
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
