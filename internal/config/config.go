package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/chromevisor/internal/errdefs"
	"github.com/loykin/chromevisor/internal/logger"
	"github.com/loykin/chromevisor/internal/paths"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// CHROMEVISOR_BROWSER_DEBUG_PORT=9333.
const EnvPrefix = "CHROMEVISOR"

// DefaultManifestURL lists the last known good Chrome for Testing builds.
const DefaultManifestURL = "https://googlechromelabs.github.io/chrome-for-testing/last-known-good-versions-with-downloads.json"

// Config is the complete supervisor configuration.
type Config struct {
	Browser    BrowserConfig    `mapstructure:"browser"`
	Network    NetworkConfig    `mapstructure:"network"`
	Paths      paths.Overrides  `mapstructure:"paths"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    logger.Config    `mapstructure:"logging"`
	History    HistoryConfig    `mapstructure:"history"`
	Server     ServerConfig     `mapstructure:"server"`
}

type BrowserConfig struct {
	DebugPort      int           `mapstructure:"debug_port"`
	Headless       bool          `mapstructure:"headless"`
	Timeout        time.Duration `mapstructure:"timeout"` // control port readiness deadline
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
	UserAgent      string        `mapstructure:"user_agent"`
	Args           []string      `mapstructure:"args"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	LaunchAttempts int           `mapstructure:"launch_attempts"`
	LaunchDelay    time.Duration `mapstructure:"launch_delay"`
	KillTimeout    time.Duration `mapstructure:"kill_timeout"`
}

type NetworkConfig struct {
	ManifestURL       string        `mapstructure:"manifest_url"`
	ManifestTimeout   time.Duration `mapstructure:"manifest_timeout"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	InstallRetryDelay time.Duration `mapstructure:"install_retry_delay"`
	HealthTimeout     time.Duration `mapstructure:"health_timeout"`
	Proxy             string        `mapstructure:"proxy"`
}

type MonitoringConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	EnableCrashRecovery bool          `mapstructure:"enable_crash_recovery"`
	MaxRestartAttempts  int           `mapstructure:"max_restart_attempts"`
	CollectMetrics      bool          `mapstructure:"collect_metrics"`
	// ResetAfter restores the restart budget after this much continuous
	// health. Zero keeps the budget monotonic for the whole session.
	ResetAfter time.Duration `mapstructure:"reset_after"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	Metrics  bool   `mapstructure:"metrics"`
	// EnsureTimeout bounds one ensure request, which may include an install.
	EnsureTimeout time.Duration `mapstructure:"ensure_timeout"`
	TLS           TLSConfig     `mapstructure:"tls"`
}

// TLSConfig secures the operator API. CertFile/KeyFile win over Dir; with
// AutoGenerate a self-signed pair is written to Dir when none exists.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"`
	MinVersion   string   `mapstructure:"min_version"`
}

var defaults = map[string]any{
	"browser.debug_port":      9222,
	"browser.headless":        false,
	"browser.timeout":         30 * time.Second,
	"browser.viewport_width":  1280,
	"browser.viewport_height": 720,
	"browser.user_agent":      "",
	"browser.args":            []string{},
	"browser.grace_period":    time.Second,
	"browser.poll_interval":   500 * time.Millisecond,
	"browser.launch_attempts": 3,
	"browser.launch_delay":    2 * time.Second,
	"browser.kill_timeout":    10 * time.Second,

	"network.manifest_url":        DefaultManifestURL,
	"network.manifest_timeout":    30 * time.Second,
	"network.download_timeout":    300 * time.Second,
	"network.retry_attempts":      3,
	"network.retry_delay":         time.Second,
	"network.install_retry_delay": 5 * time.Second,
	"network.health_timeout":      5 * time.Second,
	"network.proxy":               "",

	"paths.install_dir": "",
	"paths.cache_dir":   "",
	"paths.data_dir":    "",
	"paths.config_dir":  "",

	"monitoring.enabled":               true,
	"monitoring.check_interval":        30 * time.Second,
	"monitoring.enable_crash_recovery": true,
	"monitoring.max_restart_attempts":  3,
	"monitoring.collect_metrics":       true,
	"monitoring.reset_after":           time.Duration(0),

	"logging.level":             "info",
	"logging.format":            "text",
	"logging.file.dir":          "",
	"logging.file.stdout":       "",
	"logging.file.stderr":       "",
	"logging.file.max_size_mb":  0,
	"logging.file.max_backups":  0,
	"logging.file.max_age_days": 0,
	"logging.file.compress":     false,

	"history.enabled": false,
	"history.dsns":    []string{},

	"server.listen":         "127.0.0.1:8088",
	"server.base_path":      "/api",
	"server.metrics":        true,
	"server.ensure_timeout": 10 * time.Minute,

	"server.tls.enabled":       false,
	"server.tls.cert_file":     "",
	"server.tls.key_file":      "",
	"server.tls.dir":           "",
	"server.tls.auto_generate": false,
	"server.tls.hosts":         []string{},
	"server.tls.min_version":   "1.3",
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in defaults with environment overrides applied.
func Default() Config {
	cfg, _ := decode(newViper())
	return cfg
}

// Load reads an optional config file (TOML, YAML, or JSON by extension),
// applies CHROMEVISOR_* environment overrides and defaults, and validates.
// An empty path looks for config.{toml,yaml,json} in the user config dir and
// silently uses defaults when none exists.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(paths.Default(paths.Overrides{}).ConfigDir())
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	for i, a := range cfg.Browser.Args {
		cfg.Browser.Args[i] = strings.TrimSpace(a)
	}
	if cfg.Paths.InstallDir != "" {
		cfg.Paths.InstallDir = filepath.Clean(cfg.Paths.InstallDir)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with. Structural problems
// are reported immediately and never retried.
func (c Config) Validate() error {
	if c.Browser.DebugPort < 1 || c.Browser.DebugPort > 65535 {
		return &errdefs.ConfigurationError{Field: "browser.debug_port", Value: c.Browser.DebugPort, Reason: "must be within 1..65535",
			Hint: errdefs.Hint{Suggestion: "9222 is the conventional remote debugging port"}}
	}
	positive := []struct {
		field string
		d     time.Duration
	}{
		{"browser.timeout", c.Browser.Timeout},
		{"browser.poll_interval", c.Browser.PollInterval},
		{"browser.kill_timeout", c.Browser.KillTimeout},
		{"network.manifest_timeout", c.Network.ManifestTimeout},
		{"network.download_timeout", c.Network.DownloadTimeout},
		{"network.health_timeout", c.Network.HealthTimeout},
		{"monitoring.check_interval", c.Monitoring.CheckInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return &errdefs.ConfigurationError{Field: p.field, Value: p.d, Reason: "must be greater than zero"}
		}
	}
	nonNegative := []struct {
		field string
		d     time.Duration
	}{
		{"browser.grace_period", c.Browser.GracePeriod},
		{"browser.launch_delay", c.Browser.LaunchDelay},
		{"network.retry_delay", c.Network.RetryDelay},
		{"network.install_retry_delay", c.Network.InstallRetryDelay},
		{"monitoring.reset_after", c.Monitoring.ResetAfter},
	}
	for _, p := range nonNegative {
		if p.d < 0 {
			return &errdefs.ConfigurationError{Field: p.field, Value: p.d, Reason: "must not be negative"}
		}
	}
	if c.Network.RetryAttempts < 0 {
		return &errdefs.ConfigurationError{Field: "network.retry_attempts", Value: c.Network.RetryAttempts, Reason: "must not be negative"}
	}
	if c.Browser.LaunchAttempts < 1 {
		return &errdefs.ConfigurationError{Field: "browser.launch_attempts", Value: c.Browser.LaunchAttempts, Reason: "must be at least 1"}
	}
	if c.Monitoring.MaxRestartAttempts < 0 {
		return &errdefs.ConfigurationError{Field: "monitoring.max_restart_attempts", Value: c.Monitoring.MaxRestartAttempts, Reason: "must not be negative"}
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		return &errdefs.ConfigurationError{Field: "server.tls", Value: "enabled", Reason: "needs cert_file and key_file, or dir"}
	}
	if c.Network.ManifestURL == "" {
		return &errdefs.ConfigurationError{Field: "network.manifest_url", Value: "", Reason: "required"}
	}
	return nil
}

// Resolver returns the path resolver configured by the paths section.
func (c Config) Resolver() paths.Resolver { return paths.Default(c.Paths) }

// ExtraFlags returns launch flags derived from the browser section, in order.
func (c Config) ExtraFlags() []string {
	var flags []string
	if c.Browser.Headless {
		flags = append(flags, "--headless=new")
	}
	if c.Browser.ViewportWidth > 0 && c.Browser.ViewportHeight > 0 {
		flags = append(flags, fmt.Sprintf("--window-size=%d,%d", c.Browser.ViewportWidth, c.Browser.ViewportHeight))
	}
	if c.Browser.UserAgent != "" {
		flags = append(flags, "--user-agent="+c.Browser.UserAgent)
	}
	if c.Network.Proxy != "" {
		flags = append(flags, "--proxy-server="+c.Network.Proxy)
	}
	for _, a := range c.Browser.Args {
		if a != "" {
			flags = append(flags, a)
		}
	}
	return flags
}
