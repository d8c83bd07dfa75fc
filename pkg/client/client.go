// Package client talks to a chromevisor daemon's HTTP API.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultBaseURL = "http://127.0.0.1:8088/api"

// Client provides HTTP client functionality to communicate with a chromevisor daemon
type Client struct {
	http          *resty.Client
	timeout       time.Duration
	ensureTimeout time.Duration
	logger        *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds every call except Ensure.
	Timeout time.Duration
	// EnsureTimeout bounds Ensure, which may download a browser.
	EnsureTimeout time.Duration
	Logger        *slog.Logger
	TLS           *TLSClientConfig
	Insecure      bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:       DefaultBaseURL,
		Timeout:       10 * time.Second,
		EnsureTimeout: 10 * time.Minute,
	}
}

// New creates a new API client. A TLS setup failure is logged and the client
// falls back to the system roots.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.EnsureTimeout <= 0 {
		config.EnsureTimeout = def.EnsureTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	r := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetHeader("Accept", "application/json")
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			r.SetTLSClientConfig(tlsConfig)
		}
	}
	return &Client{http: r, timeout: config.Timeout, ensureTimeout: config.EnsureTimeout, logger: config.Logger}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.http.R().SetContext(ctx).Get("/status")
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	return resp.StatusCode() != http.StatusNotFound
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, c.timeout, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Ensure asks the daemon for a running browser on profile ("" means default).
func (c *Client) Ensure(ctx context.Context, profile string) (EnsureResult, error) {
	var out EnsureResult
	var q map[string]string
	if profile != "" {
		q = map[string]string{"profile": profile}
	}
	c.logger.Debug("ensure via API", "profile", profile)
	err := c.do(ctx, c.ensureTimeout, http.MethodPost, "/ensure", q, &out)
	return out, err
}

// Stop terminates the daemon's browser.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, c.timeout, http.MethodPost, "/stop", nil, nil)
}

func (c *Client) Diagnose(ctx context.Context) (Report, error) {
	var out Report
	err := c.do(ctx, c.timeout, http.MethodGet, "/diagnose", nil, &out)
	return out, err
}

func (c *Client) Profiles(ctx context.Context) ([]Profile, error) {
	var out []Profile
	err := c.do(ctx, c.timeout, http.MethodGet, "/profiles", nil, &out)
	return out, err
}

func (c *Client) Profile(ctx context.Context, name string) (Profile, error) {
	var out Profile
	err := c.do(ctx, c.timeout, http.MethodGet, "/profiles/{name}", map[string]string{"{name}": name}, &out)
	return out, err
}

func (c *Client) DeleteProfile(ctx context.Context, name string) error {
	return c.do(ctx, c.timeout, http.MethodDelete, "/profiles/{name}", map[string]string{"{name}": name}, nil)
}

// do runs one request. Keys of params wrapped in braces are path params,
// the rest are query params.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, params map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.http.R().SetContext(ctx).SetError(&ErrorResponse{})
	for k, v := range params {
		if strings.HasPrefix(k, "{") {
			req.SetPathParam(strings.Trim(k, "{}"), v)
		} else {
			req.SetQueryParam(k, v)
		}
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	if e, ok := resp.Error().(*ErrorResponse); ok && e.Error != "" {
		apiErr.Message, apiErr.Kind = e.Error, e.Kind
	}
	c.logger.Debug("API request failed", "status", apiErr.StatusCode, "kind", apiErr.Kind, "error", apiErr.Message)
	return apiErr
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 opt-in
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	t := config.TLS
	if t.ServerName != "" {
		tlsConfig.ServerName = t.ServerName
	}
	if t.CACert != "" {
		caCert, err := os.ReadFile(t.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if t.ClientCert != "" && t.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
