//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts a detached browser in its own session so it
// outlives the supervisor and its renderer children share one process group.
// Non-detached children only get a new process group for group signaling.
func configureSysProcAttr(cmd *exec.Cmd, detached bool) {
	attrs := &syscall.SysProcAttr{}
	if detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}
