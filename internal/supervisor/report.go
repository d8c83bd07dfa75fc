package supervisor

import (
	"context"
	"runtime"
	"time"

	"github.com/loykin/chromevisor/internal/errdefs"
	"github.com/loykin/chromevisor/internal/health"
	"github.com/loykin/chromevisor/internal/monitor"
	"github.com/loykin/chromevisor/internal/process"
	"github.com/loykin/chromevisor/internal/state"
)

// Status is a cheap snapshot that never touches the network.
type Status struct {
	SessionID string                     `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Profile   string                     `json:"profile,omitempty" yaml:"profile,omitempty"`
	Port      int                        `json:"port" yaml:"port"`
	Running   bool                       `json:"running" yaml:"running"`
	Process   *process.ControlledProcess `json:"process,omitempty" yaml:"process,omitempty"`
	Binary    string                     `json:"binary,omitempty" yaml:"binary,omitempty"`
	Monitor   *monitor.BrowserMetrics    `json:"monitor,omitempty" yaml:"monitor,omitempty"`
	Restarts  *monitor.RestartState      `json:"restart_state,omitempty" yaml:"restart_state,omitempty"`
	Attached  string                     `json:"attached_session,omitempty" yaml:"attached_session,omitempty"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		SessionID: s.sessionID,
		Profile:   s.profile,
		Port:      s.port(),
		Process:   s.proc,
		Binary:    s.binary.Path,
	}
	m, client := s.mon, s.client
	s.mu.Unlock()

	if st.Process != nil {
		st.Running, _ = s.procAlive()
	}
	if m != nil {
		bm, rs := m.Metrics(), m.RestartState()
		st.Monitor, st.Restarts = &bm, &rs
	}
	if client != nil {
		st.Attached = client.ID
	}
	return st
}

// Inspect is Status plus, when nothing is supervised, whatever browser the
// process table shows on the control port.
func (s *Supervisor) Inspect(ctx context.Context) Status {
	st := s.Status()
	if st.Process != nil {
		return st
	}
	p, err := s.deps.Registry.Find(ctx, s.port())
	if err != nil || p == nil {
		return st
	}
	st.Process = p
	st.Binary = p.Exe
	st.Running = s.deps.Checker.Check(ctx, s.port(), s.cfg.Network.HealthTimeout).Reachable
	return st
}

// Report is the diagnostics document: binary, process, port health,
// profiles and monitor state.
type Report struct {
	GeneratedAt   time.Time          `json:"generated_at" yaml:"generated_at"`
	Platform      string             `json:"platform" yaml:"platform"`
	StateFile     string             `json:"state_file" yaml:"state_file"`
	BinaryPath    string             `json:"binary_path,omitempty" yaml:"binary_path,omitempty"`
	BinaryVersion string             `json:"binary_version,omitempty" yaml:"binary_version,omitempty"`
	BinaryError   string             `json:"binary_error,omitempty" yaml:"binary_error,omitempty"`
	Status        Status             `json:"status" yaml:"status"`
	Health        health.Diagnostic  `json:"health" yaml:"health"`
	Profiles      []state.Profile    `json:"profiles" yaml:"profiles"`
	ProfileNames  []string           `json:"profile_names" yaml:"profile_names"`
	Config        DiagnosticSettings `json:"config" yaml:"config"`
}

// DiagnosticSettings is the subset of configuration worth reporting.
type DiagnosticSettings struct {
	DebugPort      int           `json:"debug_port" yaml:"debug_port"`
	Headless       bool          `json:"headless" yaml:"headless"`
	LaunchTimeout  time.Duration `json:"launch_timeout" yaml:"launch_timeout"`
	Monitoring     bool          `json:"monitoring" yaml:"monitoring"`
	CrashRecovery  bool          `json:"crash_recovery" yaml:"crash_recovery"`
	MaxRestarts    int           `json:"max_restarts" yaml:"max_restarts"`
	ManifestURL    string        `json:"manifest_url" yaml:"manifest_url"`
	HistoryEnabled bool          `json:"history_enabled" yaml:"history_enabled"`
}

// Diagnose probes the binary and the control port. It never fails; problems
// are reported in the document.
func (s *Supervisor) Diagnose(ctx context.Context) Report {
	r := Report{
		GeneratedAt: time.Now().UTC(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		StateFile:   s.deps.Store.Path(),
		Status:      s.Status(),
		Health:      s.deps.Checker.Check(ctx, s.port(), s.cfg.Network.HealthTimeout),
		Profiles:    s.deps.Store.ListProfiles(),
		Config: DiagnosticSettings{
			DebugPort:      s.cfg.Browser.DebugPort,
			Headless:       s.cfg.Browser.Headless,
			LaunchTimeout:  s.cfg.Browser.Timeout,
			Monitoring:     s.cfg.Monitoring.Enabled,
			CrashRecovery:  s.cfg.Monitoring.EnableCrashRecovery,
			MaxRestarts:    s.cfg.Monitoring.MaxRestartAttempts,
			ManifestURL:    s.cfg.Network.ManifestURL,
			HistoryEnabled: s.cfg.History.Enabled,
		},
	}
	for _, p := range r.Profiles {
		r.ProfileNames = append(r.ProfileNames, p.Name)
	}
	res, err := s.deps.Locator.Locate(ctx, true)
	switch {
	case err != nil:
		r.BinaryError = err.Error()
	case !res.Found:
		r.BinaryError = res.Err().Error()
	default:
		r.BinaryPath = res.Binary.Path
		r.BinaryVersion = s.deps.Store.Load().ChromeVersion
		if r.BinaryVersion == "" {
			if v, err := s.deps.Version(ctx, res.Binary.Path); err == nil {
				r.BinaryVersion = v
			}
		}
	}
	return r
}

// Profiles lists stored profiles sorted by name.
func (s *Supervisor) Profiles() []state.Profile { return s.deps.Store.ListProfiles() }

// Profile returns a stored profile without creating it.
func (s *Supervisor) Profile(name string) (state.Profile, bool) {
	p, ok := s.deps.Store.Load().Profiles[name]
	return p, ok
}

// DeleteProfile removes a profile record. The profile of the running
// browser cannot be deleted.
func (s *Supervisor) DeleteProfile(name string) error {
	s.mu.Lock()
	active := s.proc != nil && s.profile == name
	s.mu.Unlock()
	if active {
		return &errdefs.ProfileError{
			Profile: name,
			Reason:  "profile is in use by the running browser",
			Hint:    errdefs.Hint{Command: "chromevisor stop"},
		}
	}
	return s.deps.Store.DeleteProfile(name)
}

// ClearState removes the state file. Refused while a browser is supervised.
func (s *Supervisor) ClearState() error {
	s.mu.Lock()
	running := s.proc != nil
	s.mu.Unlock()
	if running {
		return &errdefs.ProfileError{Profile: s.Status().Profile, Reason: "cannot clear state while a browser is supervised"}
	}
	return s.deps.Store.Clear()
}
