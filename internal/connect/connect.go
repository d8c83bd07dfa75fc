// Package connect attaches an automation client to a running browser's
// control port, retrying with exponential backoff.
package connect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/loykin/chromevisor/internal/errdefs"
	"github.com/loykin/chromevisor/internal/health"
	"github.com/loykin/chromevisor/internal/metrics"
	"github.com/playwright-community/playwright-go"
)

// AttachFunc opens an automation connection to endpoint (http://host:port).
type AttachFunc func(ctx context.Context, endpoint string) (playwright.Browser, error)

// Checker is the health probe the connector runs before every attempt.
type Checker interface {
	Check(ctx context.Context, port int, timeout time.Duration) health.Diagnostic
	BaseURL(port int) string
}

type Options struct {
	Port       int
	MaxRetries int           // attempts = MaxRetries + 1
	RetryDelay time.Duration // wait after attempt n is RetryDelay * 2^n
	Timeout    time.Duration // per health probe
}

type Connector struct {
	checker Checker
	attach  AttachFunc
	log     *slog.Logger
}

type Option func(*Connector)

func WithLogger(l *slog.Logger) Option { return func(c *Connector) { c.log = l } }

func New(checker Checker, attach AttachFunc, opts ...Option) *Connector {
	c := &Connector{checker: checker, attach: attach, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (o Options) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.RetryDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = 24 * time.Hour
	exp.MaxElapsedTime = 0
	exp.Reset()
	retries := o.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// Attach makes exactly MaxRetries+1 attempts. Each attempt probes the port
// first; an unreachable port and a failed handshake both back off. The
// final error is a ConnectionError whose Stage names the last failure.
func (c *Connector) Attach(ctx context.Context, o Options) (*Session, error) {
	log := c.log.With("port", o.Port)
	start := time.Now()
	var (
		attempt int
		stage   string
		sess    *Session
	)
	op := func() error {
		attempt++
		metrics.IncAttachAttempt()
		d := c.checker.Check(ctx, o.Port, o.Timeout)
		if !d.Reachable {
			stage = errdefs.StageUnreachable
			return errors.New(d.Error)
		}
		b, err := c.attach(ctx, c.checker.BaseURL(o.Port))
		if err != nil {
			stage = errdefs.StageHandshake
			return err
		}
		sess = newSession(b, o.Port, c.checker.BaseURL(o.Port), attempt)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("attach attempt failed", "attempt", attempt, "stage", stage, "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, o.backOff(ctx), notify); err != nil {
		metrics.IncAttach(stage)
		log.Error("attach failed", "attempts", attempt, "stage", stage, "elapsed", time.Since(start), "error", err)
		hint := errdefs.Hint{Suggestion: "check that the browser is running with its control port open", Command: "chromevisor status"}
		if stage == errdefs.StageHandshake {
			hint = errdefs.Hint{Suggestion: "the port answers but the automation client could not attach; check client and browser versions"}
		}
		return nil, &errdefs.ConnectionError{Port: o.Port, Attempts: attempt, Stage: stage, Err: err, Hint: hint}
	}
	metrics.IncAttach("ok")
	log.Info("attached", "attempts", attempt, "elapsed", time.Since(start), "session", sess.ID)
	return sess, nil
}

// Result is delivered by AttachAsync.
type Result struct {
	Session *Session
	Err     error
}

// AttachAsync runs Attach in a goroutine. The channel receives exactly one
// Result and is then closed.
func (c *Connector) AttachAsync(ctx context.Context, o Options) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		s, err := c.Attach(ctx, o)
		ch <- Result{Session: s, Err: err}
	}()
	return ch
}

func newSession(b playwright.Browser, port int, endpoint string, attempts int) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Port:       port,
		Endpoint:   endpoint,
		Attempts:   attempts,
		AttachedAt: time.Now(),
		browser:    b,
	}
}
