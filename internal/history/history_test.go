package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
	ctxErr error
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErr = ctx.Err()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestRecorderFansOutAndStamps(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	c := &memSink{}
	r := NewRecorder(nil, a, b, c)

	r.Record(context.Background(), Event{SessionID: "s1", Kind: KindLaunch, Profile: "default", Port: 9222, PID: 42})

	require.Len(t, a.events, 1)
	require.Len(t, c.events, 1, "a failing sink must not starve the next one")
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Equal(t, KindLaunch, c.events[0].Kind)
}

func TestRecorderSurvivesCancelledContext(t *testing.T) {
	s := &memSink{}
	r := NewRecorder(nil, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, Event{Kind: KindStop, OccurredAt: time.Unix(10, 0)})
	require.Len(t, s.events, 1)
	assert.NoError(t, s.ctxErr)
	assert.Equal(t, time.Unix(10, 0), s.events[0].OccurredAt)
}

func TestRecorderNilAndClose(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{})
	assert.NoError(t, r.Close())

	s := &memSink{}
	r = NewRecorder(nil)
	r.SetSinks(s)
	r.Record(context.Background(), Event{Kind: KindAttach})
	require.NoError(t, r.Close())
	assert.True(t, s.closed)
	r.Record(context.Background(), Event{Kind: KindAttach})
	assert.Len(t, s.events, 1)
}

func TestEventFailed(t *testing.T) {
	assert.False(t, Event{Kind: KindRestart}.Failed())
	assert.True(t, Event{Kind: KindRestart, Error: "launch timeout"}.Failed())
}
