// Package locator finds an installed Chrome for Testing executable.
package locator

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/chromevisor/internal/errdefs"
	"github.com/loykin/chromevisor/internal/paths"
)

// MaxReportedPaths caps the checked-path list carried by a NotFound result.
const MaxReportedPaths = 10

// Binary is a validated executable for the current platform.
type Binary struct {
	Path        string `json:"path" yaml:"path"`
	PlatformKey string `json:"platform_key" yaml:"platform_key"`
}

// Result is either Found (Binary set) or NotFound (Checked set).
type Result struct {
	Binary  Binary
	Found   bool
	Checked []string
}

func found(b Binary) Result { return Result{Binary: b, Found: true} }

func notFound(checked []string) Result {
	if len(checked) > MaxReportedPaths {
		checked = checked[:MaxReportedPaths]
	}
	return Result{Checked: checked}
}

// Err converts a NotFound result to a NotFoundError; nil when found.
func (r Result) Err() error {
	if r.Found {
		return nil
	}
	return &errdefs.NotFoundError{
		Checked: r.Checked,
		Hint: errdefs.Hint{
			Suggestion: "install Chrome for Testing into the install directory",
			Command:    "chromevisor install",
		},
	}
}

// Cache is the slice of the state store the locator needs.
type Cache interface {
	CachedBinaryPath() string
	SetCachedBinaryPath(path string) error
}

// Locator searches the cache then platform candidates.
type Locator struct {
	resolver paths.Resolver
	cache    Cache
	log      *slog.Logger

	// candidates is swappable so tests can observe whether a search ran.
	candidates func() []string
}

type Option func(*Locator)

func WithLogger(l *slog.Logger) Option { return func(x *Locator) { x.log = l } }

// New returns a Locator. cache may be nil.
func New(resolver paths.Resolver, cache Cache, opts ...Option) *Locator {
	l := &Locator{resolver: resolver, cache: cache, log: slog.Default()}
	l.candidates = l.Candidates
	for _, o := range opts {
		o(l)
	}
	return l
}

// Locate returns the first valid executable. With useCache, a cached path is
// accepted when it still exists and is executable; otherwise the platform
// candidates are searched in order and the first hit is cached. A NotFound
// result is a value, not an error; the error return is only for ctx.
func (l *Locator) Locate(ctx context.Context, useCache bool) (Result, error) {
	start := time.Now()
	key := l.resolver.PlatformKey()
	if useCache && l.cache != nil {
		if p := l.cache.CachedBinaryPath(); p != "" {
			ok, reason := l.usable(p)
			if ok {
				l.log.Debug("using cached browser path", "path", p)
				return found(Binary{Path: p, PlatformKey: key}), nil
			}
			l.log.Info("cached browser path no longer valid", "path", p, "reason", reason)
		}
	}

	var checked []string
	for _, c := range l.candidates() {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		checked = append(checked, c)
		ok, reason := l.usable(c)
		if !ok {
			l.log.Debug("candidate rejected", "path", c, "reason", reason)
			continue
		}
		l.log.Info("found browser", "path", c, "checked", len(checked), "elapsed", time.Since(start))
		if l.cache != nil {
			if err := l.cache.SetCachedBinaryPath(c); err != nil {
				l.log.Warn("could not cache browser path", "path", c, "error", err)
			}
		}
		return found(Binary{Path: c, PlatformKey: key}), nil
	}
	res := notFound(checked)
	l.log.Warn("browser not found", "checked", res.Checked, "total_checked", len(checked), "elapsed", time.Since(start))
	return res, nil
}

// usable checks existence, regular file, and (off Windows) an executable bit.
func (l *Locator) usable(p string) (bool, string) {
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, "missing"
		}
		return false, err.Error()
	}
	if !fi.Mode().IsRegular() {
		return false, "not a regular file"
	}
	if !l.resolver.IsWindows() && fi.Mode().Perm()&0o111 == 0 {
		return false, "not executable"
	}
	return true, ""
}

// Candidates lists platform paths in search order, install dir first.
func (l *Locator) Candidates() []string {
	r := l.resolver
	install := r.InstallDir()
	switch {
	case r.IsWindows():
		pf := r.Env("ProgramFiles")
		if pf == "" {
			pf = `C:\Program Files`
		}
		pf86 := r.Env("ProgramFiles(x86)")
		if pf86 == "" {
			pf86 = `C:\Program Files (x86)`
		}
		return []string{
			filepath.Join(install, "chrome-win64", "chrome.exe"),
			filepath.Join(install, "chrome-win32", "chrome.exe"),
			filepath.Join(pf, "Google", "Chrome for Testing", "chrome.exe"),
			filepath.Join(pf86, "Google", "Chrome for Testing", "chrome.exe"),
		}
	case r.IsDarwin():
		archs := []string{"x64"}
		if r.Arch() == "arm64" {
			archs = []string{"arm64", "x64"}
		}
		var out []string
		for _, a := range archs {
			out = append(out, filepath.Join(install, "chrome-mac-"+a, MacAppBundle, macExecutable))
		}
		out = append(out,
			filepath.Join("/Applications", MacAppBundle, macExecutable),
			filepath.Join(r.HomeDir(), "Applications", MacAppBundle, macExecutable),
		)
		return out
	default:
		return []string{
			filepath.Join(install, "chrome-linux64", "chrome"),
			"/opt/google/chrome-for-testing/chrome",
			"/usr/local/chrome-for-testing/chrome",
		}
	}
}

// MacAppBundle is the bundle directory name inside a mac archive.
const MacAppBundle = "Google Chrome for Testing.app"

var macExecutable = filepath.Join("Contents", "MacOS", "Google Chrome for Testing")

// PrimaryBinary returns the main executable path inside an extracted archive
// for a platform key, relative to the install directory.
func PrimaryBinary(installDir, platformKey string) string {
	switch platformKey {
	case paths.Win64:
		return filepath.Join(installDir, "chrome-win64", "chrome.exe")
	case paths.MacArm64, paths.MacX64:
		return filepath.Join(installDir, "chrome-"+platformKey, MacAppBundle, macExecutable)
	default:
		return filepath.Join(installDir, "chrome-linux64", "chrome")
	}
}

var buildMarkers = []string{"chrome for testing", "chrome-mac-", "chrome-win", "chrome-linux"}

// IsExpectedBuild reports whether path identifies a Chrome for Testing build
// rather than a general-purpose browser install.
func IsExpectedBuild(path string) bool {
	p := strings.ToLower(filepath.ToSlash(path))
	for _, m := range buildMarkers {
		if strings.Contains(p, m) {
			return true
		}
	}
	return false
}

// Version runs the binary with --version and returns its trimmed output.
func Version(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
