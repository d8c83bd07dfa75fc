package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// idempotent: calling again should be no-op
	require.NoError(t, Register(reg))

	IncInstall("ok")
	ObserveInstallDuration(12.5)
	IncLaunch("ok")
	ObserveLaunchDuration(1.25)
	IncAttach("ok")
	IncAttachAttempt()
	IncHealthCheck(true)
	IncCrash("default")
	IncRestart("default", "ok")
	SetBrowserUp("default", true)
	IncTermination("graceful")
	IncEnsure("launched")
	SetBrowserResources("default", 12, 256, 3)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]bool{}
	for _, mf := range mfs {
		if len(mf.GetMetric()) > 0 {
			got[mf.GetName()] = true
		}
	}
	for _, n := range []string{
		"chromevisor_install_total",
		"chromevisor_install_duration_seconds",
		"chromevisor_browser_launches_total",
		"chromevisor_connect_attaches_total",
		"chromevisor_connect_attempts_total",
		"chromevisor_health_checks_total",
		"chromevisor_monitor_crashes_total",
		"chromevisor_monitor_restarts_total",
		"chromevisor_browser_up",
		"chromevisor_registry_terminations_total",
		"chromevisor_supervisor_ensure_total",
		"chromevisor_browser_memory_mb",
		"chromevisor_browser_renderers",
	} {
		assert.True(t, got[n], "expected metric %s", n)
	}
}

func TestHelpersNoopWhenUnregistered(t *testing.T) {
	regOK.Store(false)
	assert.NotPanics(t, func() {
		IncInstall("ok")
		SetBrowserUp("x", false)
		SetBrowserResources("x", 1, 1, 1)
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	IncEnsure("attached")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), "chromevisor_supervisor_ensure_total"))
}

func TestSampleTreeSelf(t *testing.T) {
	m, err := SampleTree(context.Background(), int32(os.Getpid()))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.Processes, 1)
	assert.Greater(t, m.MemoryMB, 0.0)
	assert.Greater(t, m.NumThreads, int32(0))
}

func TestSampleTreeCountsChildren(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })

	m, err := SampleTree(context.Background(), int32(os.Getpid()))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.Processes, 2)
	assert.Zero(t, m.Renderers)
}

func TestSampleTreeMissingProcess(t *testing.T) {
	_, err := SampleTree(context.Background(), 1<<30)
	assert.Error(t, err)
}
