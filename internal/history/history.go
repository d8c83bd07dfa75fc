// Package history ships supervisor session events to external analytics
// systems. Sinks never influence supervision: a failed Send is logged and
// dropped.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind is the kind of session event.
type Kind string

const (
	KindInstall Kind = "install"
	KindLaunch  Kind = "launch"
	KindAttach  Kind = "attach"
	KindCrash   Kind = "crash"
	KindRestart Kind = "restart"
	KindStop    Kind = "stop"
)

// Event is one row of session history.
type Event struct {
	SessionID  string    `json:"session_id"`
	Kind       Kind      `json:"kind"`
	Profile    string    `json:"profile"`
	Port       int       `json:"port"`
	PID        int       `json:"pid"`
	Attempt    int       `json:"attempt,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Failed reports whether the event records a failure.
func (e Event) Failed() bool { return e.Error != "" }

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const defaultSendTimeout = 5 * time.Second

// Recorder fans events out to every configured sink.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), log: log, timeout: defaultSendTimeout}
}

// SetSinks replaces the sink list.
func (r *Recorder) SetSinks(sinks ...Sink) {
	r.mu.Lock()
	r.sinks = append([]Sink(nil), sinks...)
	r.mu.Unlock()
}

// Record stamps e and sends it to each sink in turn. A nil Recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	// a cancelled caller still gets its stop/crash rows written
	ctx = context.WithoutCancel(ctx)
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.log.Warn("history sink failed", "kind", e.Kind, "session", e.SessionID, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	var first error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
