// Package chromevisor keeps one Chrome for Testing browser running on a
// remote debugging port: it installs the binary when missing, launches or
// adopts the browser, and restarts it after a crash.
package chromevisor

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/loykin/chromevisor/internal/config"
	"github.com/loykin/chromevisor/internal/connect"
	"github.com/loykin/chromevisor/internal/history"
	"github.com/loykin/chromevisor/internal/metrics"
	"github.com/loykin/chromevisor/internal/process"
	iapi "github.com/loykin/chromevisor/internal/server"
	"github.com/loykin/chromevisor/internal/state"
	"github.com/loykin/chromevisor/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Process = process.ControlledProcess

type Status = supervisor.Status

type Report = supervisor.Report

type Profile = state.Profile

type Session = connect.Session

type AttachFunc = connect.AttachFunc

type HistorySink = history.Sink

type HistoryEvent = history.Event

const DefaultProfile = state.DefaultProfile

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

// New builds a supervisor without an automation client.
func New(cfg Config, log *slog.Logger) (*Supervisor, error) { return NewWithAttacher(cfg, log, nil) }

// NewWithAttacher builds a supervisor whose Attach uses attach.
func NewWithAttacher(cfg Config, log *slog.Logger, attach AttachFunc) (*Supervisor, error) {
	s, err := supervisor.Build(cfg, log, attach)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

// NewPlaywrightAttacher starts a playwright driver; pass its Attach to
// NewWithAttacher and Stop it after the supervisor is closed.
func NewPlaywrightAttacher(installDriver bool) (*connect.PlaywrightAttacher, error) {
	return connect.NewPlaywrightAttacher(installDriver)
}

func (s *Supervisor) Ensure(ctx context.Context, profile string) (*Process, error) {
	return s.inner.Ensure(ctx, profile)
}
func (s *Supervisor) Attach(ctx context.Context, profile string) (*Session, error) {
	return s.inner.Attach(ctx, profile)
}
func (s *Supervisor) Stop(ctx context.Context) error      { return s.inner.Stop(ctx) }
func (s *Supervisor) Close() error                        { return s.inner.Close() }
func (s *Supervisor) Status() Status                      { return s.inner.Status() }
func (s *Supervisor) Diagnose(ctx context.Context) Report { return s.inner.Diagnose(ctx) }
func (s *Supervisor) Profiles() []Profile                 { return s.inner.Profiles() }
func (s *Supervisor) Profile(name string) (Profile, bool) { return s.inner.Profile(name) }
func (s *Supervisor) DeleteProfile(name string) error     { return s.inner.DeleteProfile(name) }
func (s *Supervisor) ClearState() error                   { return s.inner.ClearState() }
func (s *Supervisor) Inspect(ctx context.Context) Status  { return s.inner.Inspect(ctx) }
func (s *Supervisor) Session() *Session                   { return s.inner.Session() }

func LoadConfig(path string) (Config, error) { return config.Load(path) }
func DefaultConfig() Config                  { return config.Default() }

// NewHTTPServer returns the operator API server for s; the caller runs it.
func NewHTTPServer(addr, basePath string, s *Supervisor, withMetrics bool) *http.Server {
	return iapi.NewServer(addr, basePath, s.inner, iapi.WithMetrics(withMetrics))
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
