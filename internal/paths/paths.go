// Package paths resolves the per-user directories chromevisor installs into
// and stores state under, and names the current platform.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName is the directory segment used under every per-user root.
const AppName = "chromevisor"

// StateFileName is the persisted state file inside the data directory.
const StateFileName = "browser_state.json"

// Platform keys as published in the Chrome for Testing manifest.
const (
	MacArm64 = "mac-arm64"
	MacX64   = "mac-x64"
	Win64    = "win64"
	Linux64  = "linux64"
)

// PlatformKeys lists every key the installer expects in a manifest.
var PlatformKeys = []string{MacArm64, MacX64, Win64, Linux64}

// Overrides replaces individual roots. Empty fields fall back to the OS default.
type Overrides struct {
	InstallDir string `mapstructure:"install_dir"`
	CacheDir   string `mapstructure:"cache_dir"`
	DataDir    string `mapstructure:"data_dir"`
	ConfigDir  string `mapstructure:"config_dir"`
}

// Resolver computes directories for one OS/user. The zero value uses the
// running OS and the current user's home.
type Resolver struct {
	GOOS      string
	GOARCH    string
	Home      string
	Getenv    func(string) string
	Overrides Overrides
}

// Default returns a Resolver for the running host with the given overrides.
func Default(o Overrides) Resolver {
	home, _ := os.UserHomeDir()
	return Resolver{GOOS: runtime.GOOS, GOARCH: runtime.GOARCH, Home: home, Getenv: os.Getenv, Overrides: o}
}

func (r Resolver) goos() string {
	if r.GOOS == "" {
		return runtime.GOOS
	}
	return r.GOOS
}

func (r Resolver) goarch() string {
	if r.GOARCH == "" {
		return runtime.GOARCH
	}
	return r.GOARCH
}

func (r Resolver) env(k string) string {
	if r.Getenv == nil {
		return os.Getenv(k)
	}
	return r.Getenv(k)
}

func (r Resolver) home() string {
	if r.Home != "" {
		return r.Home
	}
	h, _ := os.UserHomeDir()
	return h
}

// CacheDir is the per-user cache root for the app.
func (r Resolver) CacheDir() string {
	if r.Overrides.CacheDir != "" {
		return r.Overrides.CacheDir
	}
	switch r.goos() {
	case "windows":
		return filepath.Join(r.localAppData(), AppName, "Cache")
	case "darwin":
		return filepath.Join(r.home(), "Library", "Caches", AppName)
	default:
		if x := r.env("XDG_CACHE_HOME"); x != "" {
			return filepath.Join(x, AppName)
		}
		return filepath.Join(r.home(), ".cache", AppName)
	}
}

// InstallDir is where downloaded browser builds are extracted.
func (r Resolver) InstallDir() string {
	if r.Overrides.InstallDir != "" {
		return r.Overrides.InstallDir
	}
	return filepath.Join(r.CacheDir(), "browser")
}

// DataDir holds the state file and profile data directories.
func (r Resolver) DataDir() string {
	if r.Overrides.DataDir != "" {
		return r.Overrides.DataDir
	}
	switch r.goos() {
	case "windows":
		return filepath.Join(r.localAppData(), AppName)
	case "darwin":
		return filepath.Join(r.home(), "Library", "Application Support", AppName)
	default:
		if x := r.env("XDG_DATA_HOME"); x != "" {
			return filepath.Join(x, AppName)
		}
		return filepath.Join(r.home(), ".local", "share", AppName)
	}
}

// ConfigDir is where the optional config file is looked up.
func (r Resolver) ConfigDir() string {
	if r.Overrides.ConfigDir != "" {
		return r.Overrides.ConfigDir
	}
	switch r.goos() {
	case "windows":
		return filepath.Join(r.localAppData(), AppName)
	case "darwin":
		return filepath.Join(r.home(), "Library", "Application Support", AppName)
	default:
		if x := r.env("XDG_CONFIG_HOME"); x != "" {
			return filepath.Join(x, AppName)
		}
		return filepath.Join(r.home(), ".config", AppName)
	}
}

// StateFile is the full path of the persisted state.
func (r Resolver) StateFile() string { return filepath.Join(r.DataDir(), StateFileName) }

// ProfileDir is the browser user-data-dir for a named profile.
func (r Resolver) ProfileDir(name string) string {
	return filepath.Join(r.DataDir(), "profiles", name)
}

// PlatformKey returns the manifest key for the resolver's OS/arch, or "" when
// the platform has no Chrome for Testing build.
func (r Resolver) PlatformKey() string {
	return PlatformKey(r.goos(), r.goarch())
}

// IsWindows reports whether the resolver targets Windows.
func (r Resolver) IsWindows() bool { return r.goos() == "windows" }

// IsDarwin reports whether the resolver targets macOS.
func (r Resolver) IsDarwin() bool { return r.goos() == "darwin" }

// Arch is the resolver's GOARCH.
func (r Resolver) Arch() string { return r.goarch() }

// Env reads an environment variable through the resolver.
func (r Resolver) Env(k string) string { return r.env(k) }

// HomeDir is the resolver's home directory.
func (r Resolver) HomeDir() string { return r.home() }

func (r Resolver) localAppData() string {
	if v := r.env("LOCALAPPDATA"); v != "" {
		return v
	}
	return filepath.Join(r.home(), "AppData", "Local")
}

// PlatformKey maps GOOS/GOARCH to a manifest platform key.
func PlatformKey(goos, goarch string) string {
	switch goos {
	case "darwin":
		if goarch == "arm64" {
			return MacArm64
		}
		return MacX64
	case "windows":
		return Win64
	case "linux":
		return Linux64
	}
	return ""
}
