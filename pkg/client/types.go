package client

import (
	"fmt"
	"time"
)

// Process identifies a running browser.
type Process struct {
	PID         int       `json:"pid" yaml:"pid"`
	ControlPort int       `json:"control_port" yaml:"control_port"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	Exe         string    `json:"exe,omitempty" yaml:"exe,omitempty"`
}

// BrowserMetrics is the monitor's last observation.
type BrowserMetrics struct {
	PID             int       `json:"pid" yaml:"pid"`
	Port            int       `json:"port" yaml:"port"`
	StartTime       time.Time `json:"start_time" yaml:"start_time"`
	LastHealthCheck time.Time `json:"last_health_check" yaml:"last_health_check"`
	HealthChecks    int       `json:"health_checks" yaml:"health_checks"`
	Crashes         int       `json:"crashes" yaml:"crashes"`
	Restarts        int       `json:"restarts" yaml:"restarts"`
	MemoryMB        float64   `json:"memory_mb" yaml:"memory_mb"`
	CPUPercent      float64   `json:"cpu_percent" yaml:"cpu_percent"`
	PageCount       int       `json:"page_count" yaml:"page_count"`
	ResponseTimeMS  *float64  `json:"response_time_ms,omitempty" yaml:"response_time_ms,omitempty"`
	Healthy         bool      `json:"healthy" yaml:"healthy"`
	LastError       string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Exhausted       bool      `json:"exhausted" yaml:"exhausted"`
}

// RestartState is the crash recovery budget.
type RestartState struct {
	AttemptCount int `json:"attempt_count" yaml:"attempt_count"`
	MaxAttempts  int `json:"max_attempts" yaml:"max_attempts"`
}

// Status is the body of GET /status.
type Status struct {
	SessionID string          `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Profile   string          `json:"profile,omitempty" yaml:"profile,omitempty"`
	Port      int             `json:"port" yaml:"port"`
	Running   bool            `json:"running" yaml:"running"`
	Process   *Process        `json:"process,omitempty" yaml:"process,omitempty"`
	Binary    string          `json:"binary,omitempty" yaml:"binary,omitempty"`
	Monitor   *BrowserMetrics `json:"monitor,omitempty" yaml:"monitor,omitempty"`
	Restarts  *RestartState   `json:"restart_state,omitempty" yaml:"restart_state,omitempty"`
	Attached  string          `json:"attached_session,omitempty" yaml:"attached_session,omitempty"`
}

// EnsureResult is the body of POST /ensure.
type EnsureResult struct {
	Process  *Process `json:"process" yaml:"process"`
	Endpoint string   `json:"endpoint" yaml:"endpoint"`
	Profile  string   `json:"profile" yaml:"profile"`
}

// Profile is a named user data directory.
type Profile struct {
	Name        string         `json:"name" yaml:"name"`
	Created     time.Time      `json:"created" yaml:"created"`
	LastUsed    time.Time      `json:"last_used" yaml:"last_used"`
	UserDataDir string         `json:"user_data_dir" yaml:"user_data_dir"`
	Preferences map[string]any `json:"preferences,omitempty" yaml:"preferences,omitempty"`
	Extensions  []string       `json:"extensions,omitempty" yaml:"extensions,omitempty"`
}

// Health is the control port diagnostic.
type Health struct {
	Port           int            `json:"port" yaml:"port"`
	BaseURL        string         `json:"base_url" yaml:"base_url"`
	Reachable      bool           `json:"reachable" yaml:"reachable"`
	ResponseTimeMS *float64       `json:"response_time_ms,omitempty" yaml:"response_time_ms,omitempty"`
	Payload        map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Error          string         `json:"error,omitempty" yaml:"error,omitempty"`
	Timestamp      time.Time      `json:"timestamp" yaml:"timestamp"`
}

// Report is the body of GET /diagnose.
type Report struct {
	GeneratedAt   time.Time      `json:"generated_at" yaml:"generated_at"`
	Platform      string         `json:"platform" yaml:"platform"`
	StateFile     string         `json:"state_file" yaml:"state_file"`
	BinaryPath    string         `json:"binary_path,omitempty" yaml:"binary_path,omitempty"`
	BinaryVersion string         `json:"binary_version,omitempty" yaml:"binary_version,omitempty"`
	BinaryError   string         `json:"binary_error,omitempty" yaml:"binary_error,omitempty"`
	Status        Status         `json:"status" yaml:"status"`
	Health        Health         `json:"health" yaml:"health"`
	Profiles      []Profile      `json:"profiles" yaml:"profiles"`
	ProfileNames  []string       `json:"profile_names" yaml:"profile_names"`
	Config        map[string]any `json:"config" yaml:"config"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}
