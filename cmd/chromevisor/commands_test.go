package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/loykin/chromevisor/internal/config"
	"github.com/loykin/chromevisor/internal/connect"
	"github.com/loykin/chromevisor/internal/errdefs"
	"github.com/loykin/chromevisor/internal/process"
	"github.com/loykin/chromevisor/internal/server"
	"github.com/loykin/chromevisor/internal/state"
	"github.com/loykin/chromevisor/internal/supervisor"
)

// fakeSupervisor serves both local commands and the HTTP router.
type fakeSupervisor struct {
	mu       sync.Mutex
	proc     *process.ControlledProcess
	profile  string
	profiles map[string]state.Profile
	calls    []string
	closed   bool
	cleared  bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{profiles: map[string]state.Profile{
		"default": {Name: "default", UserDataDir: "/p/default"},
		"work":    {Name: "work", UserDataDir: "/p/work"},
	}}
}

func (f *fakeSupervisor) running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proc != nil
}

func (f *fakeSupervisor) Ensure(_ context.Context, profile string) (*process.ControlledProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "ensure:"+profile)
	if f.proc != nil && f.profile != profile {
		return nil, &errdefs.ProfileError{Profile: profile, Reason: "port busy"}
	}
	f.proc = &process.ControlledProcess{PID: 321, ControlPort: 9222, StartedAt: time.Unix(10, 0).UTC()}
	f.profile = profile
	return f.proc, nil
}

func (f *fakeSupervisor) Attach(context.Context, string) (*connect.Session, error) {
	return nil, errors.New("not supported")
}

func (f *fakeSupervisor) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	f.proc = nil
	return nil
}

func (f *fakeSupervisor) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return supervisor.Status{Port: 9222, Profile: f.profile, Process: f.proc, Running: f.proc != nil}
}

func (f *fakeSupervisor) Inspect(context.Context) supervisor.Status { return f.Status() }

func (f *fakeSupervisor) Diagnose(context.Context) supervisor.Report {
	return supervisor.Report{Platform: "linux/amd64", BinaryPath: "/opt/chrome", Status: f.Status()}
}

func (f *fakeSupervisor) Profiles() []state.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []state.Profile{}
	for _, n := range []string{"default", "work"} {
		if p, ok := f.profiles[n]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeSupervisor) Profile(name string) (state.Profile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[name]
	return p, ok
}

func (f *fakeSupervisor) DeleteProfile(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete:"+name)
	if name == state.DefaultProfile {
		return &errdefs.ProfileError{Profile: name, Reason: "the default profile cannot be deleted"}
	}
	delete(f.profiles, name)
	return nil
}

func (f *fakeSupervisor) ClearState() error {
	f.cleared = true
	return nil
}

func (f *fakeSupervisor) Close() error {
	f.closed = true
	return nil
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "browser:\n  debug_port: 9222\npaths:\n  data_dir: " + filepath.Join(dir, "data") +
		"\n  cache_dir: " + filepath.Join(dir, "cache") + "\n  install_dir: " + filepath.Join(dir, "install") +
		"\nmonitoring:\n  enabled: false\n"
	p := filepath.Join(dir, "chromevisor.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// run executes the CLI with a fake local supervisor and returns stdout.
func run(t *testing.T, fake *fakeSupervisor, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c := newCommand(&out)
	c.build = func(config.Config, *slog.Logger, connect.AttachFunc) (localSupervisor, error) { return fake, nil }
	root := buildRoot(c)
	root.SetArgs(append([]string{"--config", writeConfig(t)}, args...))
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootHasCommands(t *testing.T) {
	root := buildRoot(newCommand(&bytes.Buffer{}))
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"ensure", "install", "locate", "status", "diagnose", "profile", "clear-state", "stop", "serve"} {
		assert.Contains(t, names, want)
	}
}

func TestEnsureLocal(t *testing.T) {
	fake := newFakeSupervisor()
	out, err := run(t, fake, "ensure", "--profile", "work")
	require.NoError(t, err)

	var got ensureOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 321, got.Process.PID)
	assert.Equal(t, "http://localhost:9222", got.Endpoint)
	assert.Equal(t, "work", got.Profile)
	assert.Equal(t, []string{"ensure:work"}, fake.calls)
	assert.True(t, fake.closed, "local supervisor must be closed")
}

func TestStatusLocalYAML(t *testing.T) {
	fake := newFakeSupervisor()
	_, _ = fake.Ensure(context.Background(), "default")
	out, err := run(t, fake, "status", "-o", "yaml")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, 9222, got["port"])
	assert.Equal(t, true, got["running"])
	proc, ok := got["process"].(map[string]any)
	require.True(t, ok, out)
	assert.Equal(t, 321, proc["pid"])
}

func TestProfileCommandsLocal(t *testing.T) {
	fake := newFakeSupervisor()
	out, err := run(t, fake, "profile", "list")
	require.NoError(t, err)
	var list []state.Profile
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)

	out, err = run(t, fake, "profile", "show", "work")
	require.NoError(t, err)
	assert.Contains(t, out, "/p/work")

	_, err = run(t, fake, "profile", "show", "missing")
	assert.ErrorContains(t, err, "profile not found")

	_, err = run(t, fake, "profile", "show", "../x")
	assert.ErrorContains(t, err, "invalid profile name")

	out, err = run(t, fake, "profile", "delete", "work")
	require.NoError(t, err)
	assert.Equal(t, "deleted profile work\n", out)

	_, err = run(t, fake, "profile", "delete", "default")
	var pe *errdefs.ProfileError
	assert.ErrorAs(t, err, &pe)
}

func TestClearStateRefusesWhileRunning(t *testing.T) {
	fake := newFakeSupervisor()
	_, _ = fake.Ensure(context.Background(), "default")
	_, err := run(t, fake, "clear-state")
	assert.ErrorContains(t, err, "chromevisor stop")
	assert.False(t, fake.cleared)

	out, err := run(t, fake, "stop")
	require.NoError(t, err)
	assert.Equal(t, "stopped\n", out)

	_, err = run(t, fake, "clear-state")
	require.NoError(t, err)
	assert.True(t, fake.cleared)
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := run(t, newFakeSupervisor(), "status", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func apiServer(t *testing.T, fake *fakeSupervisor) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(server.NewRouter(fake, "/api").Handler())
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func TestRemoteCommands(t *testing.T) {
	fake := newFakeSupervisor()
	url := apiServer(t, fake)

	out, err := run(t, fake, "--api-url", url, "ensure", "--profile", "work")
	require.NoError(t, err)
	assert.Contains(t, out, `"endpoint": "http://localhost:9222"`)

	out, err = run(t, fake, "--api-url", url, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"pid": 321`)

	out, err = run(t, fake, "--api-url", url, "diagnose", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "binary_path: /opt/chrome")

	_, err = run(t, fake, "--api-url", url, "ensure", "--profile", "default")
	assert.ErrorContains(t, err, "port busy")

	out, err = run(t, fake, "--api-url", url, "profile", "delete", "work")
	require.NoError(t, err)
	assert.Equal(t, "deleted profile work\n", out)

	_, err = run(t, fake, "--api-url", url, "stop")
	require.NoError(t, err)
	assert.False(t, fake.running())
	assert.False(t, fake.closed, "remote commands must not build a local supervisor")
}

func TestRemoteRejectsLocalOnlyCommands(t *testing.T) {
	for _, args := range [][]string{{"install"}, {"locate"}, {"clear-state"}, {"serve"}, {"ensure", "--attach"}} {
		_, err := run(t, newFakeSupervisor(), append([]string{"--api-url", "http://127.0.0.1:1/api"}, args...)...)
		require.Error(t, err, strings.Join(args, " "))
		assert.Contains(t, err.Error(), "api-url")
	}
}

func TestRemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	_, err := run(t, newFakeSupervisor(), "--api-url", url, "--api-timeout", "500ms", "status")
	assert.ErrorContains(t, err, "daemon not reachable")
}
