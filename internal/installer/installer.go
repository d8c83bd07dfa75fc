// Package installer downloads and unpacks the Chrome for Testing build for
// the current platform.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/loykin/chromevisor/internal/errdefs"
	"github.com/loykin/chromevisor/internal/locator"
	"github.com/loykin/chromevisor/internal/metrics"
	"github.com/loykin/chromevisor/internal/paths"
)

// ArchiveName is the temporary download file inside the install directory.
const ArchiveName = "chrome.zip"

// Installation stages reported in errdefs.InstallationError.Stage.
const (
	StageManifest    = "manifest"
	StagePlatform    = "platform"
	StageDownload    = "download"
	StageExtract     = "extract"
	StagePermissions = "permissions"
)

type Options struct {
	ManifestURL     string
	ManifestTimeout time.Duration
	DownloadTimeout time.Duration
	Proxy           string
}

// Report describes a completed install.
type Report struct {
	Version  string        `json:"version" yaml:"version"`
	URL      string        `json:"url" yaml:"url"`
	SHA256   string        `json:"sha256" yaml:"sha256"`
	Bytes    int64         `json:"bytes" yaml:"bytes"`
	Files    int           `json:"files" yaml:"files"`
	Binary   string        `json:"binary" yaml:"binary"`
	Attempts int           `json:"attempts" yaml:"attempts"`
	Elapsed  time.Duration `json:"elapsed" yaml:"elapsed"`
}

type Installer struct {
	resolver paths.Resolver
	opts     Options
	client   *resty.Client
	log      *slog.Logger
}

type Option func(*Installer)

func WithLogger(l *slog.Logger) Option { return func(i *Installer) { i.log = l } }

// WithHTTPClient replaces the underlying resty client, mainly for tests.
func WithHTTPClient(c *resty.Client) Option { return func(i *Installer) { i.client = c } }

func New(resolver paths.Resolver, opts Options, o ...Option) *Installer {
	if opts.ManifestTimeout <= 0 {
		opts.ManifestTimeout = 30 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 300 * time.Second
	}
	i := &Installer{resolver: resolver, opts: opts, log: slog.Default()}
	for _, fn := range o {
		fn(i)
	}
	if i.client == nil {
		i.client = resty.New().SetHeader("User-Agent", "chromevisor")
		if opts.Proxy != "" {
			i.client.SetProxy(opts.Proxy)
		}
	}
	return i
}

// Install runs up to attempts full install cycles, waiting delay between
// them. Structural manifest problems and an unsupported platform fail at
// once. attempts below one is treated as one.
func (i *Installer) Install(ctx context.Context, attempts int, delay time.Duration) (Report, error) {
	if attempts < 1 {
		attempts = 1
	}
	start := time.Now()
	var (
		rep Report
		n   int
	)
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
	op := func() error {
		n++
		r, err := i.installOnce(ctx)
		if err != nil {
			var ie *errdefs.InstallationError
			if errors.As(err, &ie) && (ie.Stage == StageManifest || ie.Stage == StagePlatform) && !isTransport(ie.Err) {
				return backoff.Permanent(err)
			}
			return err
		}
		rep = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		i.log.Warn("install attempt failed", "attempt", n, "of", attempts, "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		metrics.IncInstall("failed")
		var ie *errdefs.InstallationError
		if errors.As(err, &ie) {
			ie.Attempts = n
			return Report{}, ie
		}
		return Report{}, &errdefs.InstallationError{Stage: StageDownload, Attempts: n, Err: err}
	}
	rep.Attempts = n
	rep.Elapsed = time.Since(start)
	metrics.IncInstall("ok")
	metrics.ObserveInstallDuration(rep.Elapsed.Seconds())
	i.log.Info("browser installed", "version", rep.Version, "binary", rep.Binary, "attempts", n, "elapsed", rep.Elapsed)
	return rep, nil
}

// transportError marks manifest failures caused by the network rather than
// by the document, so they stay retryable.
type transportError struct{ err error }

func (e transportError) Error() string { return e.err.Error() }
func (e transportError) Unwrap() error { return e.err }

func isTransport(err error) bool {
	var te transportError
	return errors.As(err, &te)
}

func (i *Installer) installOnce(ctx context.Context) (Report, error) {
	key := i.resolver.PlatformKey()
	m, err := i.FetchManifest(ctx)
	if err != nil {
		return Report{}, err
	}
	url, ok := m.URLFor(key)
	if !ok {
		return Report{}, &errdefs.InstallationError{Stage: StagePlatform, Err: fmt.Errorf("no download for platform %q", key),
			Hint: errdefs.Hint{Suggestion: "install a browser manually and point paths.install_dir at it"}}
	}

	dir := i.resolver.InstallDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Report{}, &errdefs.InstallationError{Stage: StageDownload, URL: url, Err: err,
			Hint: errdefs.Hint{Suggestion: "check permissions on " + dir}}
	}
	archive := filepath.Join(dir, ArchiveName)
	sum, size, err := i.download(ctx, url, archive)
	if err != nil {
		_ = os.Remove(archive)
		return Report{}, &errdefs.InstallationError{Stage: StageDownload, URL: url, Err: err,
			Hint: errdefs.Hint{Suggestion: "check network access or network.proxy"}}
	}
	i.log.Info("archive downloaded", "url", url, "bytes", size, "sha256", sum)

	files, err := extractZip(ctx, archive, dir)
	_ = os.Remove(archive)
	if err != nil {
		return Report{}, &errdefs.InstallationError{Stage: StageExtract, URL: url, Err: err}
	}

	primary := locator.PrimaryBinary(dir, key)
	bundle := ""
	if i.resolver.IsDarwin() {
		bundle = filepath.Join(dir, "chrome-"+key, locator.MacAppBundle)
	}
	fixed := 0
	if !i.resolver.IsWindows() {
		fixed, err = fixPermissions(primary, bundle)
		if err != nil {
			return Report{}, &errdefs.InstallationError{Stage: StagePermissions, URL: url, Err: err}
		}
	} else if _, err := os.Stat(primary); err != nil {
		return Report{}, &errdefs.InstallationError{Stage: StageExtract, URL: url, Err: err}
	}
	i.log.Debug("permissions fixed", "files", fixed)

	return Report{Version: m.StableVersion(), URL: url, SHA256: sum, Bytes: size, Files: files, Binary: primary}, nil
}

// FetchManifest downloads and validates the version manifest.
func (i *Installer) FetchManifest(ctx context.Context) (Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, i.opts.ManifestTimeout)
	defer cancel()
	resp, err := i.client.R().SetContext(ctx).SetHeader("Accept", "application/json").Get(i.opts.ManifestURL)
	if err != nil {
		return Manifest{}, &errdefs.InstallationError{Stage: StageManifest, URL: i.opts.ManifestURL, Err: transportError{err}}
	}
	if resp.StatusCode() != http.StatusOK {
		return Manifest{}, &errdefs.InstallationError{Stage: StageManifest, URL: i.opts.ManifestURL,
			Err: transportError{fmt.Errorf("HTTP %d", resp.StatusCode())}}
	}
	m, err := ParseManifest(resp.Body())
	if err != nil {
		return Manifest{}, &errdefs.InstallationError{Stage: StageManifest, URL: i.opts.ManifestURL, Err: err,
			Hint: errdefs.Hint{Suggestion: "verify network.manifest_url points at the Chrome for Testing JSON API"}}
	}
	return m, nil
}

// download streams url into dst and returns the hex sha256 and byte count.
func (i *Installer) download(ctx context.Context, url, dst string) (string, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, i.opts.DownloadTimeout)
	defer cancel()
	resp, err := i.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return "", 0, err
	}
	body := resp.RawBody()
	defer func() { _ = body.Close() }()
	if resp.StatusCode() != http.StatusOK {
		return "", 0, fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", n, err
	}
	if resp.RawResponse.ContentLength > 0 && n != resp.RawResponse.ContentLength {
		return "", n, fmt.Errorf("short download: got %d of %d bytes", n, resp.RawResponse.ContentLength)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
