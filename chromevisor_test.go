package chromevisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.CacheDir = filepath.Join(dir, "cache")
	cfg.Paths.ConfigDir = filepath.Join(dir, "config")
	cfg.Paths.InstallDir = filepath.Join(dir, "install")
	cfg.Browser.DebugPort = 59321
	cfg.Monitoring.Enabled = false
	return cfg
}

func TestFacadeBuildsIdleSupervisor(t *testing.T) {
	s, err := New(testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	st := s.Status()
	assert.Equal(t, 59321, st.Port)
	assert.Nil(t, st.Process)
	assert.Nil(t, s.Session())

	names := []string{}
	for _, p := range s.Profiles() {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, DefaultProfile)
	require.NoError(t, s.ClearState())
}

func TestFacadeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Browser.DebugPort = 0
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestFacadeHTTPServer(t *testing.T) {
	s, err := New(testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	srv := NewHTTPServer("127.0.0.1:0", "/api", s, false)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 59321, st.Port)
	assert.False(t, st.Running)
}

func TestFacadeDiagnoseWithoutBrowser(t *testing.T) {
	s, err := New(testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	r := s.Diagnose(context.Background())
	assert.False(t, r.Health.Reachable)
	if r.BinaryPath == "" {
		assert.NotEmpty(t, r.BinaryError)
	}
	assert.Equal(t, 59321, r.Config.DebugPort)
}

func TestRegisterMetricsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	require.NoError(t, RegisterMetrics(reg))
}
