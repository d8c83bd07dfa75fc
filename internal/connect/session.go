package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Session wraps an attached automation client. Page automation itself is
// the client's business; the session only picks a page to start from.
type Session struct {
	ID         string    `json:"id" yaml:"id"`
	Port       int       `json:"port" yaml:"port"`
	Endpoint   string    `json:"endpoint" yaml:"endpoint"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	AttachedAt time.Time `json:"attached_at" yaml:"attached_at"`

	browser   playwright.Browser
	closeOnce sync.Once
	closeErr  error
}

// Browser returns the underlying automation handle.
func (s *Session) Browser() playwright.Browser { return s.browser }

const extensionScheme = "chrome-extension://"

// ReusePage returns the first non-extension page of the first context, or
// a new page when there is none.
func (s *Session) ReusePage() (playwright.Page, error) {
	if s.browser == nil {
		return nil, errors.New("session has no browser")
	}
	ctxs := s.browser.Contexts()
	if len(ctxs) == 0 {
		return s.browser.NewPage()
	}
	for _, p := range ctxs[0].Pages() {
		if !strings.HasPrefix(p.URL(), extensionScheme) {
			return p, nil
		}
	}
	return ctxs[0].NewPage()
}

// Close drops the automation connection. It does not stop the browser.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.browser != nil {
			s.closeErr = s.browser.Close()
		}
	})
	return s.closeErr
}

// PlaywrightAttacher attaches over CDP through a playwright driver.
type PlaywrightAttacher struct {
	pw *playwright.Playwright
}

// NewPlaywrightAttacher starts the playwright driver. The browser binary is
// ours, so only the driver is installed, never playwright's own browsers.
func NewPlaywrightAttacher(install bool) (*PlaywrightAttacher, error) {
	opts := &playwright.RunOptions{SkipInstallBrowsers: true, Verbose: false, Stdout: io.Discard, Stderr: io.Discard}
	if install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("install playwright driver: %w", err)
		}
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("start playwright driver: %w", err)
	}
	return &PlaywrightAttacher{pw: pw}, nil
}

// Attach is an AttachFunc. A ctx deadline becomes the connect timeout.
func (a *PlaywrightAttacher) Attach(ctx context.Context, endpoint string) (playwright.Browser, error) {
	var o playwright.BrowserTypeConnectOverCDPOptions
	if dl, ok := ctx.Deadline(); ok {
		o.Timeout = playwright.Float(float64(time.Until(dl).Milliseconds()))
	}
	return a.pw.Chromium.ConnectOverCDP(endpoint, o)
}

// Stop shuts the driver down.
func (a *PlaywrightAttacher) Stop() error { return a.pw.Stop() }
