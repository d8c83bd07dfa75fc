// Package registry finds browser processes already running on the host and
// terminates them.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/chromevisor/internal/detector"
	"github.com/loykin/chromevisor/internal/errdefs"
	"github.com/loykin/chromevisor/internal/locator"
	"github.com/loykin/chromevisor/internal/metrics"
	"github.com/loykin/chromevisor/internal/process"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const portFlag = "--remote-debugging-port="

// Entry is one enumerated OS process.
type Entry struct {
	PID        int
	Name       string
	Exe        string
	Cmdline    []string
	CreateTime time.Time
}

// ControlPort returns the value of --remote-debugging-port, or 0.
func (e Entry) ControlPort() int {
	for _, a := range e.Cmdline {
		if strings.HasPrefix(a, portFlag) {
			if n, err := strconv.Atoi(strings.TrimPrefix(a, portFlag)); err == nil {
				return n
			}
		}
	}
	return 0
}

// isBrowserMain matches the top-level browser process: a chrome-named process
// that is neither a helper, a crash handler, nor a --type= child.
func (e Entry) isBrowserMain() bool {
	n := strings.ToLower(e.Name)
	if !strings.Contains(n, "chrome") || strings.Contains(n, "helper") || strings.Contains(n, "crashpad") {
		return false
	}
	for _, a := range e.Cmdline {
		if strings.HasPrefix(a, "--type=") {
			return false
		}
	}
	return true
}

func (e Entry) expected() bool {
	if e.Exe != "" {
		return locator.IsExpectedBuild(e.Exe)
	}
	return len(e.Cmdline) > 0 && locator.IsExpectedBuild(e.Cmdline[0])
}

func (e Entry) controlled() *process.ControlledProcess {
	return &process.ControlledProcess{PID: e.PID, ControlPort: e.ControlPort(), StartedAt: e.CreateTime, Exe: e.Exe}
}

type Registry struct {
	log  *slog.Logger
	list func(ctx context.Context) ([]Entry, error)
	poll time.Duration
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

// WithLister replaces OS enumeration, e.g. with a fixed list in tests.
func WithLister(f func(ctx context.Context) ([]Entry, error)) Option {
	return func(r *Registry) { r.list = f }
}

func New(opts ...Option) *Registry {
	r := &Registry{log: slog.Default(), list: listProcesses, poll: 100 * time.Millisecond}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Browsers returns every browser main process, expected builds first.
func (r *Registry) Browsers(ctx context.Context) ([]Entry, error) {
	all, err := r.list(ctx)
	if err != nil {
		return nil, err
	}
	var first, rest []Entry
	for _, e := range all {
		if !e.isBrowserMain() {
			continue
		}
		if e.expected() {
			first = append(first, e)
		} else {
			rest = append(rest, e)
		}
	}
	return append(first, rest...), nil
}

// Find returns the browser listening on port, or any browser when port is 0
// (an expected build wins over a general-purpose one). Nil means none.
func (r *Registry) Find(ctx context.Context, port int) (*process.ControlledProcess, error) {
	bs, err := r.Browsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range bs {
		if port == 0 || e.ControlPort() == port {
			r.log.Debug("browser process found", "pid", e.PID, "port", e.ControlPort(), "exe", e.Exe)
			return e.controlled(), nil
		}
	}
	return nil, nil
}

// FindStray returns an expected-build browser started without a control
// port. Such a process holds the profile lock and must be reclaimed before a
// controllable instance can start.
func (r *Registry) FindStray(ctx context.Context) (*process.ControlledProcess, error) {
	bs, err := r.Browsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range bs {
		if e.expected() && e.ControlPort() == 0 {
			r.log.Info("stray browser process found", "pid", e.PID, "exe", e.Exe)
			return e.controlled(), nil
		}
	}
	return nil, nil
}

// Terminate asks pid to exit, waits half of timeout, forces it, then polls
// until it is gone or timeout elapses. A process that is already gone is a
// success.
func (r *Registry) Terminate(ctx context.Context, pid int, timeout time.Duration) error {
	alive := func() bool { ok, _ := detector.Browser{PID: pid}.Alive(); return ok }
	if !alive() {
		return nil
	}
	log := r.log.With("pid", pid)
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}
	start := time.Now()
	if err := p.TerminateWithContext(ctx); err != nil && alive() {
		log.Warn("graceful terminate failed", "error", err)
	}
	if r.waitGone(ctx, alive, timeout/2) {
		metrics.IncTermination("graceful")
		log.Info("browser terminated", "elapsed", time.Since(start))
		return nil
	}
	log.Warn("browser ignored terminate, killing", "waited", timeout/2)
	if err := p.KillWithContext(ctx); err != nil && alive() {
		log.Warn("kill failed", "error", err)
	}
	if r.waitGone(ctx, alive, timeout-time.Since(start)) {
		metrics.IncTermination("forced")
		return nil
	}
	metrics.IncTermination("failed")
	return &errdefs.ProcessKillError{PID: pid, Timeout: timeout.String(),
		Err:  ctx.Err(),
		Hint: errdefs.Hint{Suggestion: "the process may be owned by another user", Command: fmt.Sprintf("kill -9 %d", pid)}}
}

func (r *Registry) waitGone(ctx context.Context, alive func() bool, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !alive() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !alive()
		case <-time.After(r.poll):
		}
	}
}

func listProcesses(ctx context.Context) ([]Entry, error) {
	ps, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}
	out := make([]Entry, 0, len(ps))
	for _, p := range ps {
		name, err := p.NameWithContext(ctx)
		if err != nil || !strings.Contains(strings.ToLower(name), "chrome") {
			continue
		}
		e := Entry{PID: int(p.Pid), Name: name}
		// processes can vanish or deny access mid-scan; keep what we can read
		e.Exe, _ = p.ExeWithContext(ctx)
		e.Cmdline, _ = p.CmdlineSliceWithContext(ctx)
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			e.CreateTime = time.UnixMilli(ms)
		}
		out = append(out, e)
	}
	return out, nil
}
