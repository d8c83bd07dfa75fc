//go:build windows

package process

import (
	"errors"
	"os"
)

// signalGroup terminates the process. Windows has no graceful signal for a
// detached GUI process, so both modes kill.
func signalGroup(pid int, _ bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
