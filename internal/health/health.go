// Package health probes a browser's remote debugging endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/loykin/chromevisor/internal/metrics"
)

// VersionPath is the CDP endpoint that answers once the port is usable.
const VersionPath = "/json/version"

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 5 * time.Second

// Diagnostic is the outcome of one probe. It is never cached.
type Diagnostic struct {
	Port           int            `json:"port" yaml:"port"`
	BaseURL        string         `json:"base_url" yaml:"base_url"`
	Reachable      bool           `json:"reachable" yaml:"reachable"`
	ResponseTimeMS *float64       `json:"response_time_ms,omitempty" yaml:"response_time_ms,omitempty"`
	Payload        map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Error          string         `json:"error,omitempty" yaml:"error,omitempty"`
	Timestamp      time.Time      `json:"timestamp" yaml:"timestamp"`
}

// Browser returns the "Browser" field of the payload, e.g. "Chrome/131.0.6778.85".
func (d Diagnostic) Browser() string {
	s, _ := d.Payload["Browser"].(string)
	return s
}

// WebSocketURL returns the browser-level debugger URL from the payload.
func (d Diagnostic) WebSocketURL() string {
	s, _ := d.Payload["webSocketDebuggerUrl"].(string)
	return s
}

type Checker struct {
	client  *resty.Client
	host    string
	timeout time.Duration
	log     *slog.Logger
}

type Option func(*Checker)

func WithLogger(l *slog.Logger) Option { return func(c *Checker) { c.log = l } }

// WithHost probes a host other than localhost.
func WithHost(h string) Option { return func(c *Checker) { c.host = h } }

// WithTimeout sets the timeout used by Reachable.
func WithTimeout(d time.Duration) Option { return func(c *Checker) { c.timeout = d } }

func New(opts ...Option) *Checker {
	c := &Checker{
		client:  resty.New().SetHeader("Accept", "application/json"),
		host:    "localhost",
		timeout: DefaultTimeout,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL is the http endpoint for port, as accepted by CDP clients.
func (c *Checker) BaseURL(port int) string { return fmt.Sprintf("http://%s:%d", c.host, port) }

// Check performs a single GET of /json/version. Non-200 answers and
// undecodable bodies count as unreachable.
func (c *Checker) Check(ctx context.Context, port int, timeout time.Duration) Diagnostic {
	if timeout <= 0 {
		timeout = c.timeout
	}
	d := Diagnostic{Port: port, BaseURL: c.BaseURL(port), Timestamp: time.Now()}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.R().SetContext(ctx).Get(d.BaseURL + VersionPath)
	ms := float64(time.Since(start).Microseconds()) / 1000
	switch {
	case err != nil:
		d.Error = err.Error()
	case resp.StatusCode() != http.StatusOK:
		d.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	default:
		var payload map[string]any
		if jerr := json.Unmarshal(resp.Body(), &payload); jerr != nil {
			d.Error = "invalid /json/version payload: " + jerr.Error()
			break
		}
		d.Reachable = true
		d.Payload = payload
		d.ResponseTimeMS = &ms
	}
	metrics.IncHealthCheck(d.Reachable)
	c.log.Debug("health check", "port", port, "reachable", d.Reachable, "elapsed_ms", ms, "error", d.Error)
	return d
}

// WaitUntilReachable polls every interval until the port answers, timeout
// elapses, or ctx ends.
func (c *Checker) WaitUntilReachable(ctx context.Context, port int, timeout, interval time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if c.Check(ctx, port, c.timeout).Reachable {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}
