package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/chromevisor/internal/history"
)

func setupClickHouse(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tcclickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		tcclickhouse.WithUsername("default"),
		tcclickhouse.WithPassword(""),
		tcclickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	addr := setupClickHouse(ctx, t)

	sink, err := New(Options{Addr: addr, Table: "session_history_test"})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.EnsureTable(ctx))
	require.NoError(t, sink.EnsureTable(ctx))

	events := []history.Event{
		{SessionID: "ch-1", Kind: history.KindLaunch, Profile: "default", Port: 9222, PID: 10, Attempt: 1, OccurredAt: time.Now().UTC()},
		{SessionID: "ch-1", Kind: history.KindCrash, Profile: "default", Port: 9222, PID: 10, Error: "process exited", OccurredAt: time.Now().UTC()},
		{SessionID: "ch-1", Kind: history.KindStop, Profile: "default", Port: 9222, PID: 11, OccurredAt: time.Now().UTC()},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var n uint64
	row := sink.conn.QueryRow(ctx, "SELECT count() FROM session_history_test WHERE session_id = ?", "ch-1")
	require.NoError(t, row.Scan(&n))
	assert.EqualValues(t, 3, n)

	var errText *string
	row = sink.conn.QueryRow(ctx, "SELECT error FROM session_history_test WHERE kind = 'crash'")
	require.NoError(t, row.Scan(&errText))
	require.NotNil(t, errText)
	assert.Equal(t, "process exited", *errText)
}

func TestRejectsUnsafeTableName(t *testing.T) {
	_, err := New(Options{Addr: "127.0.0.1:1", Table: "x; DROP TABLE y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ClickHouse table name")
}
