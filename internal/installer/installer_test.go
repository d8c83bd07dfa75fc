package installer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/loykin/chromevisor/internal/errdefs"
	"github.com/loykin/chromevisor/internal/paths"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name string
	body string
	mode os.FileMode
}

func buildZip(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		h := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		h.SetMode(e.mode)
		w, err := zw.CreateHeader(h)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func manifestJSON(base string, platforms ...string) []byte {
	var dl []map[string]string
	for _, p := range platforms {
		dl = append(dl, map[string]string{"platform": p, "url": base + "/" + p + ".zip"})
	}
	doc := map[string]any{
		"timestamp": "2025-01-01T00:00:00Z",
		"channels": map[string]any{
			"Stable": map[string]any{
				"channel":   "Stable",
				"version":   "131.0.6778.85",
				"revision":  "1368529",
				"downloads": map[string]any{"chrome": dl},
			},
		},
	}
	b, _ := json.Marshal(doc)
	return b
}

type fakeCDN struct {
	srv       *httptest.Server
	manifest  []byte
	archive   []byte
	failFirst int32
	hits      atomic.Int32
}

func newCDN(t *testing.T) *fakeCDN {
	c := &fakeCDN{}
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(c.manifest)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if c.hits.Add(1) <= c.failFirst {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write(c.archive)
	})
	c.srv = httptest.NewServer(mux)
	t.Cleanup(c.srv.Close)
	c.manifest = manifestJSON(c.srv.URL, paths.PlatformKeys...)
	return c
}

func linux(install string) paths.Resolver {
	return paths.Resolver{GOOS: "linux", GOARCH: "amd64", Home: "/nonexistent",
		Getenv: func(string) string { return "" }, Overrides: paths.Overrides{InstallDir: install}}
}

func newInstaller(c *fakeCDN, install string) *Installer {
	return New(linux(install), Options{ManifestURL: c.srv.URL + "/manifest.json", ManifestTimeout: 5 * time.Second, DownloadTimeout: 5 * time.Second})
}

func TestInstallExtractsAndFixesPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions")
	}
	c := newCDN(t)
	c.archive = buildZip(t, []entry{
		{"chrome-linux64/chrome", "#!/bin/sh\n", 0o644},
		{"chrome-linux64/chrome_crashpad_handler", "x", 0o644},
		{"chrome-linux64/locales/en-US.pak", "pak", 0o644},
	})
	install := t.TempDir()

	rep, err := newInstaller(c, install).Install(context.Background(), 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Attempts)
	assert.Equal(t, "131.0.6778.85", rep.Version)
	assert.Equal(t, 3, rep.Files)
	assert.Len(t, rep.SHA256, 64)
	assert.Equal(t, int64(len(c.archive)), rep.Bytes)

	bin := filepath.Join(install, "chrome-linux64", "chrome")
	assert.Equal(t, bin, rep.Binary)
	fi, err := os.Stat(bin)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode().Perm()&0o111)
	fi, err = os.Stat(filepath.Join(install, "chrome-linux64", "chrome_crashpad_handler"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode().Perm()&0o111)

	_, err = os.Stat(filepath.Join(install, ArchiveName))
	assert.True(t, os.IsNotExist(err), "archive must be removed")
}

func TestInstallRetriesTransientDownloadFailures(t *testing.T) {
	c := newCDN(t)
	c.archive = buildZip(t, []entry{{"chrome-linux64/chrome", "bin", 0o755}})
	c.failFirst = 2

	rep, err := newInstaller(c, t.TempDir()).Install(context.Background(), 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Attempts)
}

func TestInstallGivesUpAfterAttempts(t *testing.T) {
	c := newCDN(t)
	c.failFirst = 100
	install := t.TempDir()

	_, err := newInstaller(c, install).Install(context.Background(), 2, time.Millisecond)
	var ie *errdefs.InstallationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, StageDownload, ie.Stage)
	assert.Equal(t, 2, ie.Attempts)
	assert.EqualValues(t, 2, c.hits.Load())
	_, statErr := os.Stat(filepath.Join(install, ArchiveName))
	assert.True(t, os.IsNotExist(statErr), "partial archive must be cleaned up")
}

func TestInstallStructuralManifestErrorIsNotRetried(t *testing.T) {
	c := newCDN(t)
	c.manifest = manifestJSON(c.srv.URL, paths.Linux64, paths.Win64)

	_, err := newInstaller(c, t.TempDir()).Install(context.Background(), 5, time.Hour)
	var ie *errdefs.InstallationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, StageManifest, ie.Stage)
	assert.Equal(t, 1, ie.Attempts)
	assert.Contains(t, err.Error(), paths.MacArm64)
	assert.Zero(t, c.hits.Load())
}

func TestInstallRejectsZipSlip(t *testing.T) {
	c := newCDN(t)
	c.archive = buildZip(t, []entry{{"../evil", "x", 0o644}})
	install := filepath.Join(t.TempDir(), "browser")

	_, err := newInstaller(c, install).Install(context.Background(), 1, 0)
	var ie *errdefs.InstallationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, StageExtract, ie.Stage)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(install), "evil"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInstallHonoursContext(t *testing.T) {
	c := newCDN(t)
	c.failFirst = 100
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newInstaller(c, t.TempDir()).Install(ctx, 3, time.Second)
	assert.Error(t, err)
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		ok   bool
	}{
		{"not json", "{", false},
		{"no channels", `{}`, false},
		{"no stable", `{"channels":{"Beta":{}}}`, false},
		{"no chrome", `{"channels":{"Stable":{"downloads":{"chromedriver":[]}}}}`, false},
		{"complete", string(manifestJSON("http://x", paths.PlatformKeys...)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.doc))
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			u, ok := m.URLFor(paths.MacX64)
			assert.True(t, ok)
			assert.Equal(t, "http://x/mac-x64.zip", u)
		})
	}
}

func TestFixPermissionsMacBundle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions")
	}
	root := t.TempDir()
	bundle := filepath.Join(root, "Google Chrome for Testing.app")
	primary := filepath.Join(bundle, "Contents", "MacOS", "Google Chrome for Testing")
	helper := filepath.Join(bundle, "Contents", "Frameworks", "F.framework", "Helpers", "chrome_crashpad_handler")
	res := filepath.Join(bundle, "Contents", "Resources", "app.icns")
	for _, p := range []string{primary, helper, res} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	n, err := fixPermissions(primary, bundle)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	fi, _ := os.Stat(helper)
	assert.NotZero(t, fi.Mode().Perm()&0o111)
	fi, _ = os.Stat(res)
	assert.Zero(t, fi.Mode().Perm()&0o111)
}
