package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return p
}

func cdp(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != VersionPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return p
}

func TestCheckReachable(t *testing.T) {
	srv := httptest.NewServer(cdp(200, `{"Browser":"Chrome/131.0.6778.85","webSocketDebuggerUrl":"ws://localhost/devtools/browser/x"}`))
	defer srv.Close()
	port := serverPort(t, srv)

	d := New(WithHost("127.0.0.1")).Check(context.Background(), port, time.Second)
	assert.True(t, d.Reachable)
	require.NotNil(t, d.ResponseTimeMS)
	assert.GreaterOrEqual(t, *d.ResponseTimeMS, 0.0)
	assert.Equal(t, "Chrome/131.0.6778.85", d.Browser())
	assert.Equal(t, "ws://localhost/devtools/browser/x", d.WebSocketURL())
	assert.Empty(t, d.Error)
	assert.Equal(t, port, d.Port)
	assert.False(t, d.Timestamp.IsZero())
}

func TestCheckNon200(t *testing.T) {
	srv := httptest.NewServer(cdp(503, "warming up\n"))
	defer srv.Close()

	d := New(WithHost("127.0.0.1")).Check(context.Background(), serverPort(t, srv), time.Second)
	assert.False(t, d.Reachable)
	assert.Equal(t, "HTTP 503: warming up", d.Error)
	assert.Nil(t, d.ResponseTimeMS)
}

func TestCheckBadPayload(t *testing.T) {
	srv := httptest.NewServer(cdp(200, "not json"))
	defer srv.Close()
	d := New(WithHost("127.0.0.1")).Check(context.Background(), serverPort(t, srv), time.Second)
	assert.False(t, d.Reachable)
	assert.Contains(t, d.Error, "invalid /json/version payload")
}

func TestCheckClosedPort(t *testing.T) {
	d := New(WithHost("127.0.0.1")).Check(context.Background(), freePort(t), 500*time.Millisecond)
	assert.False(t, d.Reachable)
	assert.NotEmpty(t, d.Error)
}

func TestCheckTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	start := time.Now()
	d := New(WithHost("127.0.0.1")).Check(context.Background(), serverPort(t, srv), 100*time.Millisecond)
	assert.False(t, d.Reachable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitUntilReachable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Chrome/1"}`))
	}))
	defer srv.Close()

	c := New(WithHost("127.0.0.1"))
	assert.True(t, c.WaitUntilReachable(context.Background(), serverPort(t, srv), 2*time.Second, 10*time.Millisecond))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))

	assert.False(t, c.WaitUntilReachable(context.Background(), freePort(t), 100*time.Millisecond, 20*time.Millisecond))
}
