package monitor

import (
	"context"
	"sync"
	"time"
)

// StepFunc runs one monitoring step. Returning true ends monitoring.
type StepFunc func(ctx context.Context) (done bool)

// Scheduler decides when steps run. Stop must not return while a step is
// still executing.
type Scheduler interface {
	Start(step StepFunc)
	Stop()
}

// TickerScheduler runs steps on a goroutine every Interval.
type TickerScheduler struct {
	Interval time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce *sync.Once
}

func NewTickerScheduler(interval time.Duration) *TickerScheduler {
	return &TickerScheduler{Interval: interval}
}

func (s *TickerScheduler) Start(step StepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopOnce = &sync.Once{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if step(ctx) {
					return
				}
			}
		}
	}()
}

// Stop cancels the running step's context and joins the goroutine.
func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	cancel, once := s.cancel, s.stopOnce
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	once.Do(cancel)
	s.wg.Wait()
	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
}

// ManualScheduler runs a step only when Tick is called. It suits callers
// that already own a loop, and tests.
type ManualScheduler struct {
	mu   sync.Mutex
	step StepFunc
	done bool
}

func NewManualScheduler() *ManualScheduler { return &ManualScheduler{} }

func (s *ManualScheduler) Start(step StepFunc) {
	s.mu.Lock()
	s.step = step
	s.done = false
	s.mu.Unlock()
}

// Tick runs one step synchronously. It reports false when the scheduler is
// stopped or monitoring has finished.
func (s *ManualScheduler) Tick(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step == nil || s.done {
		return false
	}
	if s.step(ctx) {
		s.done = true
	}
	return true
}

func (s *ManualScheduler) Stop() {
	s.mu.Lock()
	s.step = nil
	s.mu.Unlock()
}
