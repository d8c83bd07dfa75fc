// Package supervisor implements the ensure-running use case: locate or
// install the browser, reclaim strays, launch with a verified control port,
// and keep it alive with a crash monitor.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/chromevisor/internal/config"
	"github.com/loykin/chromevisor/internal/connect"
	"github.com/loykin/chromevisor/internal/detector"
	"github.com/loykin/chromevisor/internal/errdefs"
	"github.com/loykin/chromevisor/internal/health"
	"github.com/loykin/chromevisor/internal/history"
	"github.com/loykin/chromevisor/internal/installer"
	"github.com/loykin/chromevisor/internal/locator"
	"github.com/loykin/chromevisor/internal/metrics"
	"github.com/loykin/chromevisor/internal/monitor"
	"github.com/loykin/chromevisor/internal/process"
	"github.com/loykin/chromevisor/internal/state"
)

type Locator interface {
	Locate(ctx context.Context, useCache bool) (locator.Result, error)
}

type Installer interface {
	Install(ctx context.Context, attempts int, delay time.Duration) (installer.Report, error)
}

type Launcher interface {
	LaunchWithRetry(ctx context.Context, spec process.LaunchSpec, timeout time.Duration, attempts int, delay time.Duration) (*process.ControlledProcess, error)
}

type Registry interface {
	Find(ctx context.Context, port int) (*process.ControlledProcess, error)
	FindStray(ctx context.Context) (*process.ControlledProcess, error)
	Terminate(ctx context.Context, pid int, timeout time.Duration) error
}

type Checker interface {
	Check(ctx context.Context, port int, timeout time.Duration) health.Diagnostic
	BaseURL(port int) string
}

// Deps are the collaborators of a Supervisor. Store, Locator, Installer,
// Launcher, Registry and Checker are required.
type Deps struct {
	Store     *state.Store
	Locator   Locator
	Installer Installer
	Launcher  Launcher
	Registry  Registry
	Checker   Checker

	// Connector enables Attach. Nil means clients attach on their own.
	Connector *connect.Connector
	History   *history.Recorder

	// Scheduler builds the monitor scheduler; nil uses a ticker.
	Scheduler func() monitor.Scheduler
	Detector  func(pid int) detector.Detector
	Version   func(ctx context.Context, path string) (string, error)
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// Supervisor owns at most one browser on the configured control port.
type Supervisor struct {
	cfg  config.Config
	deps Deps
	log  *slog.Logger

	// sem serializes Ensure, Stop and crash relaunches. A relaunch waits on
	// it with the monitor's context so stopping the monitor never deadlocks.
	sem chan struct{}

	mu        sync.Mutex
	sessionID string
	profile   string
	binary    locator.Binary
	proc      *process.ControlledProcess
	mon       *monitor.Monitor
	client    *connect.Session
	// det is built when proc is taken over so a reused PID reads as dead.
	det detector.Detector
}

func New(cfg config.Config, d Deps, opts ...Option) (*Supervisor, error) {
	if d.Store == nil || d.Locator == nil || d.Installer == nil || d.Launcher == nil || d.Registry == nil || d.Checker == nil {
		return nil, errors.New("supervisor: missing dependency")
	}
	if d.Detector == nil {
		d.Detector = func(pid int) detector.Detector { return detector.ForPID(pid) }
	}
	if d.Version == nil {
		d.Version = locator.Version
	}
	s := &Supervisor{cfg: cfg, deps: d, log: slog.Default(), sem: make(chan struct{}, 1)}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Supervisor) port() int { return s.cfg.Browser.DebugPort }

func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) release() { <-s.sem }

func (s *Supervisor) record(ctx context.Context, kind history.Kind, pid, attempt int, detail string, err error) {
	s.mu.Lock()
	e := history.Event{SessionID: s.sessionID, Kind: kind, Profile: s.profile, Port: s.port(), PID: pid, Attempt: attempt, Detail: detail}
	s.mu.Unlock()
	if err != nil {
		e.Error = err.Error()
	}
	s.deps.History.Record(ctx, e)
}

// Ensure returns a running browser for profile whose control port answers.
// Calling it again for the same profile returns the same process.
func (s *Supervisor) Ensure(ctx context.Context, profile string) (*process.ControlledProcess, error) {
	if profile == "" {
		profile = state.DefaultProfile
	}
	if !state.ValidProfileName(profile) {
		return nil, &errdefs.ProfileError{Profile: profile, Reason: "invalid name"}
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	log := s.log.With("profile", profile, "port", s.port())
	start := time.Now()
	p, outcome, err := s.ensure(ctx, log, profile)
	metrics.IncEnsure(outcome)
	if err != nil {
		log.Error("ensure failed", "elapsed", time.Since(start), "error", err)
		return nil, err
	}
	log.Info("browser ready", "pid", p.PID, "outcome", outcome, "elapsed", time.Since(start))
	return p, nil
}

func (s *Supervisor) ensure(ctx context.Context, log *slog.Logger, profile string) (*process.ControlledProcess, string, error) {
	if p, err := s.reuse(ctx, log, profile); err != nil || p != nil {
		if err != nil {
			return nil, "failed", err
		}
		return p, "reused", nil
	}

	if p, err := s.adopt(ctx, log, profile); err != nil {
		return nil, "failed", err
	} else if p != nil {
		return p, "adopted", nil
	}

	s.mu.Lock()
	s.sessionID = uuid.NewString()
	s.profile = profile
	s.mu.Unlock()

	bin, err := s.ensureBinary(ctx, log)
	if err != nil {
		return nil, "failed", err
	}
	if err := s.reclaimStray(ctx, log); err != nil {
		return nil, "failed", err
	}
	s.mu.Lock()
	s.binary = bin
	s.mu.Unlock()

	p, err := s.launch(ctx, profile, bin.Path)
	s.record(ctx, history.KindLaunch, pidOf(p), 1, bin.Path, err)
	if err != nil {
		return nil, "failed", err
	}
	s.started(log, profile, p)
	return p, "launched", nil
}

// reuse returns the current process when it is alive, healthy and serves
// profile. A dead or hung current process is dropped (and its monitor
// stopped) so the caller starts fresh.
func (s *Supervisor) reuse(ctx context.Context, log *slog.Logger, profile string) (*process.ControlledProcess, error) {
	s.mu.Lock()
	p, cur := s.proc, s.profile
	s.mu.Unlock()
	if p == nil {
		return nil, nil
	}
	alive, _ := s.procAlive()
	healthy := alive && s.deps.Checker.Check(ctx, s.port(), s.cfg.Network.HealthTimeout).Reachable
	if healthy && cur != profile {
		return nil, &errdefs.ProfileError{
			Profile: profile,
			Reason:  fmt.Sprintf("port %d is serving profile %q", s.port(), cur),
			Hint:    errdefs.Hint{Suggestion: "stop the running browser first", Command: "chromevisor stop"},
		}
	}
	if healthy {
		if _, err := s.deps.Store.TouchProfile(profile); err != nil {
			log.Warn("touch profile failed", "error", err)
		}
		return p, nil
	}
	log.Warn("supervised browser is gone or unresponsive, starting fresh", "pid", p.PID, "alive", alive)
	s.detach()
	if alive {
		if err := s.deps.Registry.Terminate(ctx, p.PID, s.cfg.Browser.KillTimeout); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// adopt takes over a browser already serving the port, e.g. one left by a
// previous supervisor run. An unresponsive one is terminated instead.
func (s *Supervisor) adopt(ctx context.Context, log *slog.Logger, profile string) (*process.ControlledProcess, error) {
	p, err := s.deps.Registry.Find(ctx, s.port())
	if err != nil {
		log.Warn("process enumeration failed", "error", err)
		return nil, nil
	}
	if p == nil {
		return nil, nil
	}
	if !s.deps.Checker.Check(ctx, s.port(), s.cfg.Network.HealthTimeout).Reachable {
		log.Warn("browser on control port does not answer, terminating", "pid", p.PID)
		return nil, s.deps.Registry.Terminate(ctx, p.PID, s.cfg.Browser.KillTimeout)
	}
	log.Info("adopting running browser", "pid", p.PID)
	s.mu.Lock()
	s.sessionID = uuid.NewString()
	s.profile = profile
	s.binary = locator.Binary{Path: p.Exe}
	s.mu.Unlock()
	s.record(ctx, history.KindLaunch, p.PID, 0, "adopted", nil)
	s.started(log, profile, p)
	return p, nil
}

func (s *Supervisor) ensureBinary(ctx context.Context, log *slog.Logger) (locator.Binary, error) {
	res, err := s.deps.Locator.Locate(ctx, true)
	if err != nil {
		return locator.Binary{}, err
	}
	installed := false
	if !res.Found {
		log.Info("browser binary not found, installing", "checked", len(res.Checked))
		rep, err := s.deps.Installer.Install(ctx, s.cfg.Network.RetryAttempts, s.cfg.Network.InstallRetryDelay)
		s.record(ctx, history.KindInstall, 0, rep.Attempts, rep.Version, err)
		if err != nil {
			return locator.Binary{}, err
		}
		installed = true
		if res, err = s.deps.Locator.Locate(ctx, false); err != nil {
			return locator.Binary{}, err
		}
		if !res.Found {
			return locator.Binary{}, res.Err()
		}
	}
	if installed || s.deps.Store.Load().ChromeVersion == "" {
		if v, err := s.deps.Version(ctx, res.Binary.Path); err != nil {
			log.Debug("browser version unavailable", "path", res.Binary.Path, "error", err)
		} else if err := s.deps.Store.SetChromeVersion(v); err != nil {
			log.Warn("persist browser version failed", "error", err)
		}
	}
	return res.Binary, nil
}

func (s *Supervisor) reclaimStray(ctx context.Context, log *slog.Logger) error {
	stray, err := s.deps.Registry.FindStray(ctx)
	if err != nil {
		log.Warn("process enumeration failed", "error", err)
		return nil
	}
	if stray == nil {
		return nil
	}
	log.Warn("terminating stray browser without control port", "pid", stray.PID)
	return s.deps.Registry.Terminate(ctx, stray.PID, s.cfg.Browser.KillTimeout)
}

func (s *Supervisor) launch(ctx context.Context, profile, binary string) (*process.ControlledProcess, error) {
	prof, err := s.deps.Store.GetProfile(profile)
	if err != nil {
		return nil, err
	}
	spec := process.LaunchSpec{
		Binary:      binary,
		ProfileDir:  prof.UserDataDir,
		ControlPort: s.port(),
		ExtraFlags:  s.cfg.ExtraFlags(),
	}
	return s.deps.Launcher.LaunchWithRetry(ctx, spec, s.cfg.Browser.Timeout, s.cfg.Browser.LaunchAttempts, s.cfg.Browser.LaunchDelay)
}

// started records p as current, touches the profile and arms the monitor.
func (s *Supervisor) started(log *slog.Logger, profile string, p *process.ControlledProcess) {
	if _, err := s.deps.Store.TouchProfile(profile); err != nil {
		log.Warn("touch profile failed", "error", err)
	}
	metrics.SetBrowserUp(profile, true)

	s.setProc(p)

	mc := s.cfg.Monitoring
	if !mc.Enabled {
		return
	}
	o := monitor.Options{
		Port:             s.port(),
		Profile:          profile,
		Interval:         mc.CheckInterval,
		ResetAfter:       mc.ResetAfter,
		HealthTimeout:    s.cfg.Network.HealthTimeout,
		CollectResources: mc.CollectMetrics,
		Checker:          s.deps.Checker,
		Detector:         s.deps.Detector,
		Logger:           s.log,
	}
	if mc.EnableCrashRecovery {
		o.MaxRestarts = mc.MaxRestartAttempts
		o.OnCrash = s.relaunch
	}
	if s.deps.Scheduler != nil {
		o.Scheduler = s.deps.Scheduler()
	}
	m := monitor.New(o)
	if err := m.Start(p.PID); err != nil {
		log.Warn("monitor start failed", "error", err)
		return
	}
	s.mu.Lock()
	s.mon = m
	s.mu.Unlock()
}

// relaunch is the monitor's crash callback. It waits for any in-flight
// operation, reclaims the port and launches again with the same profile.
func (s *Supervisor) relaunch(ctx context.Context) (int, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	s.mu.Lock()
	old, oldDet, profile, bin, client := s.proc, s.det, s.profile, s.binary.Path, s.client
	s.client = nil
	s.mu.Unlock()

	log := s.log.With("profile", profile, "port", s.port())
	oldPID := pidOf(old)
	s.record(ctx, history.KindCrash, oldPID, 0, "", errors.New("browser unreachable or exited"))

	if client != nil {
		_ = client.Close()
	}
	if old != nil && oldDet != nil {
		if alive, _ := oldDet.Alive(); alive {
			if err := s.deps.Registry.Terminate(ctx, old.PID, s.cfg.Browser.KillTimeout); err != nil {
				log.Warn("could not reclaim crashed browser", "pid", old.PID, "error", err)
			}
		}
	}
	if bin == "" {
		b, err := s.ensureBinary(ctx, log)
		if err != nil {
			s.record(ctx, history.KindRestart, 0, 0, "", err)
			return 0, err
		}
		bin = b.Path
	}
	p, err := s.launch(ctx, profile, bin)
	s.record(ctx, history.KindRestart, pidOf(p), 0, bin, err)
	if err != nil {
		return 0, err
	}
	s.setProc(p)
	if _, err := s.deps.Store.TouchProfile(profile); err != nil {
		log.Warn("touch profile failed", "error", err)
	}
	if client != nil && s.deps.Connector != nil {
		if sess, err := s.deps.Connector.Attach(ctx, s.attachOptions()); err != nil {
			log.Warn("re-attach after restart failed", "error", err)
		} else {
			s.mu.Lock()
			s.client = sess
			s.mu.Unlock()
			s.record(ctx, history.KindAttach, p.PID, sess.Attempts, sess.ID, nil)
		}
	}
	return p.PID, nil
}

func (s *Supervisor) attachOptions() connect.Options {
	return connect.Options{
		Port:       s.port(),
		MaxRetries: s.cfg.Network.RetryAttempts,
		RetryDelay: s.cfg.Network.RetryDelay,
		Timeout:    s.cfg.Network.HealthTimeout,
	}
}

// Attach ensures the browser and attaches the automation client. The
// session is kept and re-attached after a crash restart; Session returns
// the current one.
func (s *Supervisor) Attach(ctx context.Context, profile string) (*connect.Session, error) {
	if s.deps.Connector == nil {
		return nil, errors.New("supervisor: no automation connector configured")
	}
	p, err := s.Ensure(ctx, profile)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	s.mu.Lock()
	cur := s.client
	s.mu.Unlock()
	if cur != nil {
		return cur, nil
	}
	sess, err := s.deps.Connector.Attach(ctx, s.attachOptions())
	attempts := 0
	if sess != nil {
		attempts = sess.Attempts
	} else {
		var ce *errdefs.ConnectionError
		if errors.As(err, &ce) {
			attempts = ce.Attempts
		}
	}
	s.record(ctx, history.KindAttach, p.PID, attempts, "", err)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.client = sess
	name := s.profile
	s.mu.Unlock()
	if _, err := s.deps.Store.TouchProfile(name); err != nil {
		s.log.Warn("touch profile failed", "profile", name, "error", err)
	}
	return sess, nil
}

// Session returns the attached automation session, if any.
func (s *Supervisor) Session() *connect.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// detach forgets the current browser and stops its monitor. The caller
// holds sem.
func (s *Supervisor) detach() {
	s.mu.Lock()
	m, client, profile := s.mon, s.client, s.profile
	s.mon, s.client, s.proc, s.det = nil, nil, nil, nil
	s.mu.Unlock()
	if m != nil {
		m.Stop()
	}
	if client != nil {
		_ = client.Close()
	}
	if profile != "" {
		metrics.SetBrowserUp(profile, false)
	}
}

// Stop stops monitoring and terminates the supervised browser. Without one,
// a browser found serving the control port is terminated instead.
func (s *Supervisor) Stop(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	s.detach()
	if p == nil {
		found, err := s.deps.Registry.Find(ctx, s.port())
		if err != nil {
			return err
		}
		p = found
	}
	if p == nil {
		return nil
	}
	err := s.deps.Registry.Terminate(ctx, p.PID, s.cfg.Browser.KillTimeout)
	s.record(ctx, history.KindStop, p.PID, 0, "", err)
	if err == nil {
		s.log.Info("browser stopped", "pid", p.PID, "port", s.port())
	}
	return err
}

// Close stops monitoring and flushes history sinks. The browser is left
// running so a later supervisor can adopt it.
func (s *Supervisor) Close() error {
	s.sem <- struct{}{}
	s.detach()
	<-s.sem
	return s.deps.History.Close()
}

func (s *Supervisor) setProc(p *process.ControlledProcess) {
	d := s.deps.Detector(p.PID)
	s.mu.Lock()
	s.proc, s.det = p, d
	s.mu.Unlock()
}

// procAlive checks the current process with the detector captured when it
// was taken over.
func (s *Supervisor) procAlive() (bool, error) {
	s.mu.Lock()
	d := s.det
	s.mu.Unlock()
	if d == nil {
		return false, nil
	}
	return d.Alive()
}

func pidOf(p *process.ControlledProcess) int {
	if p == nil {
		return 0
	}
	return p.PID
}
