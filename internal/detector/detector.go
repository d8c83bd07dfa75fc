// Package detector answers whether a supervised browser process is still
// the process that was launched.
package detector

import "fmt"

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Browser detects a browser by PID. When StartUnix is set, a process with the
// same PID but a different start time is a reused PID and reported dead.
type Browser struct {
	PID       int
	StartUnix int64
}

// ForPID captures the current start time of pid so later checks can spot reuse.
func ForPID(pid int) Browser { return Browser{PID: pid, StartUnix: StartUnix(pid)} }

func (d Browser) Alive() (bool, error) {
	if d.PID <= 0 {
		return false, nil
	}
	if d.StartUnix > 0 {
		if cur := StartUnix(d.PID); cur > 0 && cur != d.StartUnix {
			return false, nil
		}
	}
	if isZombie(d.PID) {
		return false, nil
	}
	return pidAlive(d.PID), nil
}

func (d Browser) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// Func adapts a plain function, e.g. a test stub.
type Func func() (bool, error)

func (f Func) Alive() (bool, error) { return f() }
func (f Func) Describe() string     { return "func" }
