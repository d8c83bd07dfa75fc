// Package process starts a browser with its control port open and verifies
// that the port answers before handing the process to the caller.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/chromevisor/internal/errdefs"
	"github.com/loykin/chromevisor/internal/health"
	"github.com/loykin/chromevisor/internal/logger"
	"github.com/loykin/chromevisor/internal/metrics"
)

// StabilityFlags are passed on every launch, after the port and profile flags.
var StabilityFlags = []string{
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
}

// LaunchSpec is one launch request. It is not persisted.
type LaunchSpec struct {
	Binary      string
	ProfileDir  string
	ControlPort int
	ExtraFlags  []string
}

// Args returns the full argument list in launch order.
func (s LaunchSpec) Args() []string {
	args := make([]string, 0, 2+len(StabilityFlags)+len(s.ExtraFlags))
	args = append(args,
		"--remote-debugging-port="+strconv.Itoa(s.ControlPort),
		"--user-data-dir="+s.ProfileDir,
	)
	args = append(args, StabilityFlags...)
	return append(args, s.ExtraFlags...)
}

func (s LaunchSpec) validate() error {
	if s.Binary == "" {
		return errors.New("no browser binary given")
	}
	if s.ControlPort < 1 || s.ControlPort > 65535 {
		return fmt.Errorf("control port %d outside 1..65535", s.ControlPort)
	}
	if s.ProfileDir == "" {
		return errors.New("no profile directory given")
	}
	return nil
}

// ControlledProcess is a running browser with an answering control port.
// Liveness must be re-checked by the caller; the value only records what
// was true at launch or discovery time.
type ControlledProcess struct {
	PID         int       `json:"pid" yaml:"pid"`
	ControlPort int       `json:"control_port" yaml:"control_port"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	Exe         string    `json:"exe,omitempty" yaml:"exe,omitempty"`

	done <-chan struct{}
	wait *waitResult
}

// Exited is closed when a process launched by this Launcher exits. It is nil
// for processes discovered by enumeration.
func (p *ControlledProcess) Exited() <-chan struct{} {
	if p == nil {
		return nil
	}
	return p.done
}

// ExitErr returns the wait error once Exited is closed.
func (p *ControlledProcess) ExitErr() error {
	if p == nil || p.wait == nil {
		return nil
	}
	return p.wait.get()
}

type waitResult struct {
	mu  sync.Mutex
	err error
}

func (w *waitResult) set(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *waitResult) get() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Prober checks a control port within timeout.
type Prober interface {
	Check(ctx context.Context, port int, timeout time.Duration) health.Diagnostic
}

type Launcher struct {
	prober       Prober
	log          *slog.Logger
	output       logger.Config
	gracePeriod  time.Duration
	pollInterval time.Duration
	killTimeout  time.Duration
}

type Option func(*Launcher)

func WithLogger(l *slog.Logger) Option        { return func(x *Launcher) { x.log = l } }
func WithOutput(c logger.Config) Option       { return func(x *Launcher) { x.output = c } }
func WithGracePeriod(d time.Duration) Option  { return func(x *Launcher) { x.gracePeriod = d } }
func WithPollInterval(d time.Duration) Option { return func(x *Launcher) { x.pollInterval = d } }
func WithKillTimeout(d time.Duration) Option  { return func(x *Launcher) { x.killTimeout = d } }

func NewLauncher(prober Prober, opts ...Option) *Launcher {
	l := &Launcher{
		prober:       prober,
		log:          slog.Default(),
		gracePeriod:  time.Second,
		pollInterval: 500 * time.Millisecond,
		killTimeout:  10 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Launch starts spec.Binary detached and waits up to timeout for its control
// port. A process that dies within the grace period fails with LaunchError;
// a port that never answers fails with TimeoutError after the process has
// been terminated.
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec, timeout time.Duration) (*ControlledProcess, error) {
	if err := spec.validate(); err != nil {
		return nil, &errdefs.LaunchError{Binary: spec.Binary, Port: spec.ControlPort, Err: err}
	}
	if err := os.MkdirAll(spec.ProfileDir, 0o700); err != nil {
		return nil, &errdefs.LaunchError{Binary: spec.Binary, Port: spec.ControlPort, Err: fmt.Errorf("profile dir: %w", err)}
	}
	log := l.log.With("port", spec.ControlPort, "binary", spec.Binary)

	// #nosec G204 -- binary comes from the locator, args are built here
	cmd := exec.Command(spec.Binary, spec.Args()...)
	configureSysProcAttr(cmd, true)
	outW, errW := l.outputWriters(spec.ControlPort)
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		metrics.IncLaunch("failed")
		return nil, &errdefs.LaunchError{Binary: spec.Binary, Port: spec.ControlPort, Err: err,
			Hint: errdefs.Hint{Suggestion: "check that the binary is executable", Command: "chromevisor locate"}}
	}
	done := make(chan struct{})
	wr := &waitResult{}
	go func() {
		wr.set(cmd.Wait())
		closeAll(outW, errW)
		close(done)
	}()
	cp := &ControlledProcess{PID: cmd.Process.Pid, ControlPort: spec.ControlPort, StartedAt: start, Exe: spec.Binary, done: done, wait: wr}
	log = log.With("pid", cp.PID)
	log.Info("browser spawned")

	grace := time.NewTimer(l.gracePeriod)
	defer grace.Stop()
	select {
	case <-done:
		metrics.IncLaunch("exited")
		return nil, &errdefs.LaunchError{Binary: spec.Binary, Port: spec.ControlPort,
			Err: fmt.Errorf("process exited during %s grace period: %v", l.gracePeriod, wr.get()),
			Hint: errdefs.Hint{Suggestion: "another browser may already own the profile directory or port"}}
	case <-ctx.Done():
		l.terminate(cp, log)
		return nil, ctx.Err()
	case <-grace.C:
	}

	deadlineAt := start.Add(timeout)
	deadline := time.NewTimer(time.Until(deadlineAt))
	defer deadline.Stop()
	tick := time.NewTicker(l.pollInterval)
	defer tick.Stop()
	for {
		// a probe may not outlive the launch deadline
		budget := min(time.Until(deadlineAt), l.pollInterval)
		if budget > 0 && l.prober.Check(ctx, spec.ControlPort, budget).Reachable {
			elapsed := time.Since(start)
			metrics.IncLaunch("ok")
			metrics.ObserveLaunchDuration(elapsed.Seconds())
			log.Info("control port ready", "elapsed", elapsed)
			return cp, nil
		}
		select {
		case <-done:
			metrics.IncLaunch("exited")
			return nil, &errdefs.LaunchError{Binary: spec.Binary, Port: spec.ControlPort,
				Err: fmt.Errorf("process exited before control port answered: %v", wr.get())}
		case <-ctx.Done():
			l.terminate(cp, log)
			return nil, ctx.Err()
		case <-deadline.C:
			l.terminate(cp, log)
			metrics.IncLaunch("timeout")
			return nil, &errdefs.TimeoutError{Op: fmt.Sprintf("control port %d readiness", spec.ControlPort), Timeout: timeout.String(),
				Hint: errdefs.Hint{Suggestion: "raise browser.timeout or inspect the browser output logs"}}
		case <-tick.C:
		}
	}
}

// LaunchWithRetry calls Launch up to attempts times, sleeping delay between
// failures, and returns the first success.
func (l *Launcher) LaunchWithRetry(ctx context.Context, spec LaunchSpec, timeout time.Duration, attempts int, delay time.Duration) (*ControlledProcess, error) {
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 1; i <= attempts; i++ {
		p, err := l.Launch(ctx, spec, timeout)
		if err == nil {
			return p, nil
		}
		last = err
		if ctx.Err() != nil {
			return nil, &errdefs.LaunchError{Binary: spec.Binary, Port: spec.ControlPort, Attempts: i, Err: err}
		}
		l.log.Warn("launch attempt failed", "attempt", i, "of", attempts, "port", spec.ControlPort, "error", err)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &errdefs.LaunchError{Binary: spec.Binary, Port: spec.ControlPort, Attempts: i, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return nil, &errdefs.LaunchError{Binary: spec.Binary, Port: spec.ControlPort, Attempts: attempts, Err: last}
}

// terminate stops a process this Launcher spawned: graceful signal, wait half
// the kill timeout, then force. Failures are logged only.
func (l *Launcher) terminate(p *ControlledProcess, log *slog.Logger) {
	if err := signalGroup(p.PID, false); err != nil {
		log.Warn("terminate signal failed", "error", err)
	}
	select {
	case <-p.done:
		return
	case <-time.After(l.killTimeout / 2):
	}
	if err := signalGroup(p.PID, true); err != nil {
		log.Warn("kill signal failed", "error", err)
	}
	select {
	case <-p.done:
	case <-time.After(l.killTimeout / 2):
		log.Error("browser survived kill", "timeout", l.killTimeout)
	}
}

func (l *Launcher) outputWriters(port int) (io.WriteCloser, io.WriteCloser) {
	if !l.output.File.Enabled() {
		return nil, nil
	}
	outW, errW, err := l.output.ProcessWriters("chrome-" + strconv.Itoa(port))
	if err != nil {
		l.log.Warn("browser output logging disabled", "error", err)
		return nil, nil
	}
	return outW, errW
}

func closeAll(ws ...io.WriteCloser) {
	for _, w := range ws {
		if w != nil {
			_ = w.Close()
		}
	}
}
