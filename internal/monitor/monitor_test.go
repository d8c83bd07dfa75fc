package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/chromevisor/internal/detector"
	"github.com/loykin/chromevisor/internal/health"
	"github.com/loykin/chromevisor/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// world is a fake browser: per-PID liveness plus a reachable port flag.
type world struct {
	mu        sync.Mutex
	alive     map[int]bool
	reachable bool
	checks    int
}

func newWorld(pid int) *world { return &world{alive: map[int]bool{pid: true}, reachable: true} }

func (w *world) Check(_ context.Context, port int, _ time.Duration) health.Diagnostic {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checks++
	if !w.reachable {
		return health.Diagnostic{Port: port, Error: "connection refused"}
	}
	ms := 1.5
	return health.Diagnostic{Port: port, Reachable: true, ResponseTimeMS: &ms}
}

func (w *world) detector(pid int) detector.Detector {
	return detector.Func(func() (bool, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.alive[pid], nil
	})
}

func (w *world) crash(pid int) {
	w.mu.Lock()
	w.alive[pid] = false
	w.reachable = false
	w.mu.Unlock()
}

func (w *world) spawn(pid int) {
	w.mu.Lock()
	w.alive[pid] = true
	w.reachable = true
	w.mu.Unlock()
}

func manual(w *world, o Options) (*Monitor, *ManualScheduler) {
	s := NewManualScheduler()
	o.Scheduler = s
	o.Checker = w
	o.Detector = w.detector
	if o.Sampler == nil {
		o.Sampler = func(context.Context, int) (metrics.TreeMetrics, error) {
			return metrics.TreeMetrics{MemoryMB: 200, CPUPercent: 3, Renderers: 2}, nil
		}
	}
	return New(o), s
}

func TestHealthyStepCollectsMetrics(t *testing.T) {
	w := newWorld(100)
	m, s := manual(w, Options{Port: 9222, Profile: "default", MaxRestarts: 3, CollectResources: true})
	require.NoError(t, m.Start(100))
	require.ErrorIs(t, m.Start(100), ErrRunning)

	require.True(t, s.Tick(context.Background()))
	got := m.Metrics()
	assert.True(t, got.Healthy)
	assert.Equal(t, 1, got.HealthChecks)
	assert.Equal(t, 200.0, got.MemoryMB)
	assert.Equal(t, 2, got.PageCount)
	require.NotNil(t, got.ResponseTimeMS)
	assert.Equal(t, 100, got.PID)
	assert.Zero(t, got.Crashes)
}

func TestSamplerFailureDoesNotAbortMonitoring(t *testing.T) {
	w := newWorld(1)
	m, s := manual(w, Options{Port: 9222, CollectResources: true, Sampler: func(context.Context, int) (metrics.TreeMetrics, error) {
		return metrics.TreeMetrics{}, errors.New("access denied")
	}})
	require.NoError(t, m.Start(1))
	assert.True(t, s.Tick(context.Background()))
	assert.True(t, s.Tick(context.Background()))
	got := m.Metrics()
	assert.True(t, got.Healthy)
	assert.Equal(t, 2, got.HealthChecks)
	assert.Contains(t, got.LastError, "access denied")
}

func TestCrashRestartsAndRearms(t *testing.T) {
	w := newWorld(1)
	next := 1
	m, s := manual(w, Options{Port: 9222, MaxRestarts: 3, OnCrash: func(context.Context) (int, error) {
		next++
		w.spawn(next)
		return next, nil
	}})
	require.NoError(t, m.Start(1))

	w.crash(1)
	require.True(t, s.Tick(context.Background()))
	got := m.Metrics()
	assert.Equal(t, 1, got.Crashes)
	assert.Equal(t, 1, got.Restarts)
	assert.Equal(t, 2, got.PID)
	assert.True(t, got.Healthy)
	assert.Equal(t, 1, m.RestartState().AttemptCount)

	// the new process is watched, not the old one
	require.True(t, s.Tick(context.Background()))
	assert.True(t, m.Metrics().Healthy)
}

func TestRestartBudgetIsCapped(t *testing.T) {
	w := newWorld(1)
	var calls atomic.Int32
	m, s := manual(w, Options{Port: 9222, MaxRestarts: 2, OnCrash: func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("launch failed")
	}})
	require.NoError(t, m.Start(1))
	w.crash(1)

	for i := 0; i < 10; i++ {
		s.Tick(context.Background())
	}
	assert.EqualValues(t, 2, calls.Load())
	rs := m.RestartState()
	assert.Equal(t, 2, rs.AttemptCount)
	assert.True(t, rs.Exhausted())
	got := m.Metrics()
	assert.True(t, got.Exhausted)
	assert.Equal(t, 1, got.Crashes, "one outage is one crash however many restarts it takes")

	// health checks carry on after the budget is spent
	checks := got.HealthChecks
	assert.True(t, s.Tick(context.Background()))
	assert.True(t, m.Running())
	assert.Equal(t, checks+1, m.Metrics().HealthChecks)
	assert.EqualValues(t, 2, calls.Load())
}

func TestUnreachablePortOnLiveProcessIsNotACrash(t *testing.T) {
	w := newWorld(100)
	var calls atomic.Int32
	m, s := manual(w, Options{Port: 9222, MaxRestarts: 3, OnCrash: func(context.Context) (int, error) {
		calls.Add(1)
		return 101, nil
	}})
	require.NoError(t, m.Start(100))

	w.mu.Lock()
	w.reachable = false
	w.mu.Unlock()
	require.True(t, s.Tick(context.Background()))

	got := m.Metrics()
	assert.False(t, got.Healthy)
	assert.Equal(t, "connection refused", got.LastError)
	assert.Zero(t, got.Crashes)
	assert.Zero(t, calls.Load())
	assert.Zero(t, m.RestartState().AttemptCount)
	assert.Equal(t, 100, got.PID)

	w.mu.Lock()
	w.reachable = true
	w.mu.Unlock()
	require.True(t, s.Tick(context.Background()))
	assert.True(t, m.Metrics().Healthy)
	assert.Empty(t, m.Metrics().LastError)
}

func TestMonitoringContinuesAfterBudgetSpent(t *testing.T) {
	w := newWorld(1)
	next := 1
	m, s := manual(w, Options{Port: 9222, MaxRestarts: 1, OnCrash: func(context.Context) (int, error) {
		next++
		w.spawn(next)
		return next, nil
	}})
	require.NoError(t, m.Start(1))

	w.crash(1)
	require.True(t, s.Tick(context.Background()))
	w.crash(next)
	require.True(t, s.Tick(context.Background()))
	assert.True(t, m.Metrics().Exhausted)

	// the browser is brought back by hand; the monitor still sees it
	w.spawn(next)
	require.True(t, s.Tick(context.Background()))
	got := m.Metrics()
	assert.Equal(t, 3, got.HealthChecks)
	assert.True(t, got.Healthy)
	assert.False(t, got.Exhausted)
	assert.Equal(t, 1, got.Restarts)
}

func TestBudgetMonotonicAcrossRecoveries(t *testing.T) {
	w := newWorld(1)
	next := 1
	var calls int
	m, s := manual(w, Options{Port: 9222, MaxRestarts: 2, OnCrash: func(context.Context) (int, error) {
		calls++
		next++
		w.spawn(next)
		return next, nil
	}})
	require.NoError(t, m.Start(1))

	for i := 0; i < 3; i++ {
		w.crash(next)
		s.Tick(context.Background())
		s.Tick(context.Background())
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, 3, m.Metrics().Crashes)
}

func TestResetAfterRestoresBudget(t *testing.T) {
	w := newWorld(1)
	now := time.Unix(1_700_000_000, 0)
	next := 1
	m, s := manual(w, Options{Port: 9222, MaxRestarts: 1, ResetAfter: time.Minute,
		Now: func() time.Time { return now },
		OnCrash: func(context.Context) (int, error) {
			next++
			w.spawn(next)
			return next, nil
		}})
	require.NoError(t, m.Start(1))

	w.crash(1)
	s.Tick(context.Background())
	assert.Equal(t, 1, m.RestartState().AttemptCount)

	now = now.Add(2 * time.Minute)
	s.Tick(context.Background())
	assert.Zero(t, m.RestartState().AttemptCount)

	w.crash(next)
	s.Tick(context.Background())
	assert.Equal(t, 2, m.Metrics().Restarts)
}

func TestNoCallbackMeansNoRestart(t *testing.T) {
	w := newWorld(1)
	m, s := manual(w, Options{Port: 9222, MaxRestarts: 3})
	require.NoError(t, m.Start(1))
	w.crash(1)
	s.Tick(context.Background())
	got := m.Metrics()
	assert.False(t, got.Healthy)
	assert.Equal(t, "process exited", got.LastError)
	assert.True(t, s.Tick(context.Background()))
	assert.Equal(t, 1, m.Metrics().Crashes)
}

func TestStartResetsBudget(t *testing.T) {
	w := newWorld(1)
	m, s := manual(w, Options{Port: 9222, MaxRestarts: 1, OnCrash: func(context.Context) (int, error) {
		return 0, errors.New("nope")
	}})
	require.NoError(t, m.Start(1))
	w.crash(1)
	s.Tick(context.Background())
	assert.True(t, m.RestartState().Exhausted())

	m.Stop()
	w.spawn(5)
	require.NoError(t, m.Start(5))
	assert.Zero(t, m.RestartState().AttemptCount)
}

func TestTickerSchedulerStopJoins(t *testing.T) {
	w := newWorld(1)
	inCallback := make(chan struct{})
	var after atomic.Bool
	var stopped atomic.Bool
	m := New(Options{Port: 9222, Interval: 10 * time.Millisecond, MaxRestarts: 5, Checker: w, Detector: w.detector,
		OnCrash: func(ctx context.Context) (int, error) {
			if stopped.Load() {
				after.Store(true)
			}
			select {
			case inCallback <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return 0, ctx.Err()
		}})
	require.NoError(t, m.Start(1))
	w.crash(1)

	select {
	case <-inCallback:
	case <-time.After(2 * time.Second):
		t.Fatal("restart callback never ran")
	}
	m.Stop()
	stopped.Store(true)
	assert.False(t, m.Running())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, after.Load(), "no callback may run after Stop returns")
}

func TestTickerSchedulerRunsSteps(t *testing.T) {
	var n atomic.Int32
	s := NewTickerScheduler(5 * time.Millisecond)
	s.Start(func(context.Context) bool { return n.Add(1) >= 3 })
	assert.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	v := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, v, n.Load())
}
