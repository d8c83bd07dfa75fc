// Package errdefs holds the typed error taxonomy shared by every chromevisor
// component. Each error records what was attempted, wraps the underlying
// cause, and may carry an operator hint (suggestion and command to run).
package errdefs

import (
	"fmt"
	"strings"
)

// Hint is optional operator guidance attached to an error.
type Hint struct {
	Suggestion string
	Command    string
}

func (h Hint) render(b *strings.Builder) {
	if h.Suggestion != "" {
		b.WriteString("; suggestion: ")
		b.WriteString(h.Suggestion)
	}
	if h.Command != "" {
		b.WriteString("; try: ")
		b.WriteString(h.Command)
	}
}

func format(kind, msg string, cause error, h Hint) string {
	var b strings.Builder
	b.WriteString(kind)
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if cause != nil {
		b.WriteString(": ")
		b.WriteString(cause.Error())
	}
	h.render(&b)
	return b.String()
}

// NotFoundError reports that no usable browser binary exists after a search.
type NotFoundError struct {
	Checked []string
	Hint
}

func (e *NotFoundError) Error() string {
	msg := "browser binary not found"
	if len(e.Checked) > 0 {
		msg += " (checked " + strings.Join(e.Checked, ", ") + ")"
	}
	return format("not found", msg, nil, e.Hint)
}

// InstallationError covers manifest, download, and extraction failures.
type InstallationError struct {
	Stage    string // manifest, download, extract, permissions
	URL      string
	Attempts int
	Err      error
	Hint
}

func (e *InstallationError) Error() string {
	msg := "install failed at " + e.Stage
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	return format("installation", msg, e.Err, e.Hint)
}

func (e *InstallationError) Unwrap() error { return e.Err }

// LaunchError reports a process that exited at once or could not be started.
type LaunchError struct {
	Binary   string
	Port     int
	Attempts int
	Err      error
	Hint
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch of %s on port %d failed", e.Binary, e.Port)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	return format("launch", msg, e.Err, e.Hint)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ProcessKillError reports a process that survived termination past its deadline.
type ProcessKillError struct {
	PID     int
	Timeout string
	Err     error
	Hint
}

func (e *ProcessKillError) Error() string {
	msg := fmt.Sprintf("pid %d still alive after %s", e.PID, e.Timeout)
	return format("process kill", msg, e.Err, e.Hint)
}

func (e *ProcessKillError) Unwrap() error { return e.Err }

// Connection stages reported by ConnectionError.
const (
	StageUnreachable = "unreachable"
	StageHandshake   = "handshake"
)

// ConnectionError reports an attach that failed after every retry.
type ConnectionError struct {
	Port     int
	Attempts int
	Stage    string
	Err      error
	Hint
}

func (e *ConnectionError) Error() string {
	var msg string
	switch e.Stage {
	case StageUnreachable:
		msg = fmt.Sprintf("control port %d could not be reached", e.Port)
	case StageHandshake:
		msg = fmt.Sprintf("control port %d reachable but attach handshake failed", e.Port)
	default:
		msg = fmt.Sprintf("attach to port %d failed", e.Port)
	}
	msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	return format("connection", msg, e.Err, e.Hint)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is a generic deadline overrun, distinct from ConnectionError.
type TimeoutError struct {
	Op      string
	Timeout string
	Err     error
	Hint
}

func (e *TimeoutError) Error() string {
	return format("timeout", e.Op+" did not complete within "+e.Timeout, e.Err, e.Hint)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProfileError reports an invalid or forbidden profile operation.
type ProfileError struct {
	Profile string
	Reason  string
	Err     error
	Hint
}

func (e *ProfileError) Error() string {
	return format("profile", fmt.Sprintf("%q: %s", e.Profile, e.Reason), e.Err, e.Hint)
}

func (e *ProfileError) Unwrap() error { return e.Err }

// ConfigurationError reports invalid settings.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
	Hint
}

func (e *ConfigurationError) Error() string {
	return format("configuration", fmt.Sprintf("%s=%v: %s", e.Field, e.Value, e.Reason), nil, e.Hint)
}
