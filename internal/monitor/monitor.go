// Package monitor watches a supervised browser and restarts it, within a
// bounded budget, when its process exits.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/chromevisor/internal/detector"
	"github.com/loykin/chromevisor/internal/health"
	"github.com/loykin/chromevisor/internal/metrics"
)

// RestartFunc relaunches the browser and returns the new PID.
type RestartFunc func(ctx context.Context) (pid int, err error)

// Checker probes the control port.
type Checker interface {
	Check(ctx context.Context, port int, timeout time.Duration) health.Diagnostic
}

type Options struct {
	Port          int
	Profile       string
	Interval      time.Duration
	MaxRestarts   int
	ResetAfter    time.Duration
	HealthTimeout time.Duration
	// CollectResources samples CPU and memory of the browser tree each step.
	CollectResources bool

	OnCrash   RestartFunc
	Checker   Checker
	Scheduler Scheduler
	// Detector builds the liveness check for a PID.
	Detector func(pid int) detector.Detector
	// Sampler overrides resource sampling.
	Sampler func(ctx context.Context, pid int) (metrics.TreeMetrics, error)

	Logger *slog.Logger
	Now    func() time.Time
}

// RestartState counts restarts within one supervised session.
type RestartState struct {
	AttemptCount int `json:"attempt_count" yaml:"attempt_count"`
	MaxAttempts  int `json:"max_attempts" yaml:"max_attempts"`
}

// Exhausted reports whether no restart attempts remain.
func (r RestartState) Exhausted() bool { return r.AttemptCount >= r.MaxAttempts }

// BrowserMetrics is a point-in-time snapshot of what the monitor observed.
type BrowserMetrics struct {
	PID             int       `json:"pid" yaml:"pid"`
	Port            int       `json:"port" yaml:"port"`
	StartTime       time.Time `json:"start_time" yaml:"start_time"`
	LastHealthCheck time.Time `json:"last_health_check" yaml:"last_health_check"`
	HealthChecks    int       `json:"health_checks" yaml:"health_checks"`
	Crashes         int       `json:"crashes" yaml:"crashes"`
	Restarts        int       `json:"restarts" yaml:"restarts"`
	MemoryMB        float64   `json:"memory_mb" yaml:"memory_mb"`
	CPUPercent      float64   `json:"cpu_percent" yaml:"cpu_percent"`
	PageCount       int       `json:"page_count" yaml:"page_count"`
	ResponseTimeMS  *float64  `json:"response_time_ms,omitempty" yaml:"response_time_ms,omitempty"`
	Healthy         bool      `json:"healthy" yaml:"healthy"`
	LastError       string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Exhausted       bool      `json:"exhausted" yaml:"exhausted"`
}

type Monitor struct {
	opts Options
	log  *slog.Logger

	mu           sync.Mutex
	running      bool
	pid          int
	det          detector.Detector
	restarts     RestartState
	m            BrowserMetrics
	healthySince time.Time
	// down is set once the current pid has been seen dead.
	down   bool
	gaveUp bool
}

var ErrRunning = errors.New("monitor already running")

func New(o Options) *Monitor {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = health.DefaultTimeout
	}
	if o.Scheduler == nil {
		o.Scheduler = NewTickerScheduler(o.Interval)
	}
	if o.Detector == nil {
		o.Detector = func(pid int) detector.Detector { return detector.ForPID(pid) }
	}
	if o.Sampler == nil {
		o.Sampler = func(ctx context.Context, pid int) (metrics.TreeMetrics, error) {
			return metrics.SampleTree(ctx, int32(pid))
		}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		opts:     o,
		log:      log.With("port", o.Port, "profile", o.Profile),
		restarts: RestartState{MaxAttempts: o.MaxRestarts},
	}
}

// Start begins watching pid. A fresh Start resets the restart budget.
func (m *Monitor) Start(pid int) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrRunning
	}
	now := m.opts.Now()
	m.running = true
	m.restarts = RestartState{MaxAttempts: m.opts.MaxRestarts}
	m.m = BrowserMetrics{Port: m.opts.Port, StartTime: now, Healthy: true}
	m.setPIDLocked(pid, now)
	m.mu.Unlock()

	m.opts.Scheduler.Start(m.step)
	m.log.Info("monitoring started", "pid", pid, "interval", m.opts.Interval, "max_restarts", m.opts.MaxRestarts)
	return nil
}

// Stop halts monitoring. No restart callback runs after Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	was := m.running
	m.running = false
	m.mu.Unlock()
	m.opts.Scheduler.Stop()
	if was {
		m.log.Info("monitoring stopped")
	}
}

// Rearm points the monitor at a restarted process.
func (m *Monitor) Rearm(pid int) {
	m.mu.Lock()
	m.setPIDLocked(pid, m.opts.Now())
	m.m.Healthy = true
	m.mu.Unlock()
}

func (m *Monitor) setPIDLocked(pid int, now time.Time) {
	m.pid = pid
	m.det = m.opts.Detector(pid)
	m.m.PID = pid
	m.healthySince = now
	m.down, m.gaveUp = false, false
}

// Metrics returns a snapshot.
func (m *Monitor) Metrics() BrowserMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.m
	s.Exhausted = m.down && m.restarts.Exhausted()
	return s
}

func (m *Monitor) RestartState() RestartState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// step is the whole state machine: check, decide, maybe restart. A live
// process with an unreachable port is only reported; a restart needs the
// process to be gone. Exhausting the budget stops restarts, not monitoring.
// It returns true only once the monitor has been stopped.
func (m *Monitor) step(ctx context.Context) bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return true
	}
	pid, det := m.pid, m.det
	m.mu.Unlock()

	diag := m.opts.Checker.Check(ctx, m.opts.Port, m.opts.HealthTimeout)
	alive, derr := det.Alive()
	if ctx.Err() != nil {
		return true
	}
	now := m.opts.Now()

	m.mu.Lock()
	m.m.HealthChecks++
	m.m.LastHealthCheck = now
	m.m.ResponseTimeMS = diag.ResponseTimeMS
	wasHealthy := m.m.Healthy

	if alive && diag.Reachable {
		m.m.Healthy = true
		m.m.LastError = ""
		m.down, m.gaveUp = false, false
		if !wasHealthy {
			m.healthySince = now
		}
		if m.opts.ResetAfter > 0 && m.restarts.AttemptCount > 0 && now.Sub(m.healthySince) >= m.opts.ResetAfter {
			m.log.Info("restart budget restored after sustained health", "healthy_for", now.Sub(m.healthySince))
			m.restarts.AttemptCount = 0
		}
		m.mu.Unlock()
		metrics.SetBrowserUp(m.opts.Profile, true)
		if m.opts.CollectResources {
			m.sample(ctx, pid)
		}
		return false
	}

	m.m.Healthy = false
	if alive || derr != nil {
		reason := diag.Error
		if derr != nil {
			reason = "liveness: " + derr.Error()
		}
		m.m.LastError = reason
		m.mu.Unlock()
		metrics.SetBrowserUp(m.opts.Profile, false)
		m.log.Warn("browser unhealthy but running", "pid", pid, "reason", reason)
		if m.opts.CollectResources && derr == nil {
			m.sample(ctx, pid)
		}
		return false
	}

	reason := "process exited"
	m.m.LastError = reason
	if !m.down {
		m.down = true
		m.m.Crashes++
		metrics.IncCrash(m.opts.Profile)
	}
	if m.opts.OnCrash == nil || m.restarts.Exhausted() {
		rs, logged := m.restarts, m.gaveUp
		m.gaveUp = true
		m.mu.Unlock()
		metrics.SetBrowserUp(m.opts.Profile, false)
		if !logged {
			m.log.Error("browser down, not restarting", "pid", pid, "attempts", rs.AttemptCount, "max", rs.MaxAttempts, "reason", reason)
		}
		return false
	}
	m.restarts.AttemptCount++
	attempt := m.restarts.AttemptCount
	m.mu.Unlock()
	metrics.SetBrowserUp(m.opts.Profile, false)

	m.log.Warn("browser down, restarting", "pid", pid, "attempt", attempt, "max", m.opts.MaxRestarts, "reason", reason)
	newPID, err := m.opts.OnCrash(ctx)
	if err != nil {
		metrics.IncRestart(m.opts.Profile, "failed")
		m.mu.Lock()
		m.m.LastError = err.Error()
		m.mu.Unlock()
		m.log.Error("restart failed", "attempt", attempt, "error", err)
		return ctx.Err() != nil
	}
	metrics.IncRestart(m.opts.Profile, "ok")
	m.mu.Lock()
	m.m.Restarts++
	m.m.LastError = ""
	m.mu.Unlock()
	m.Rearm(newPID)
	m.log.Info("browser restarted", "pid", newPID, "attempt", attempt)
	return false
}

// sample never fails the step; errors only land in LastError.
func (m *Monitor) sample(ctx context.Context, pid int) {
	s, err := m.opts.Sampler(ctx, pid)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.m.LastError = "metrics: " + err.Error()
		m.log.Debug("resource sample failed", "pid", pid, "error", err)
		return
	}
	m.m.MemoryMB = s.MemoryMB
	m.m.CPUPercent = s.CPUPercent
	m.m.PageCount = s.Renderers
	s.Publish(m.opts.Profile)
}
