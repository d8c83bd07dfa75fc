package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loykin/chromevisor/internal/config"
	"github.com/loykin/chromevisor/internal/connect"
	"github.com/loykin/chromevisor/internal/locator"
	"github.com/loykin/chromevisor/internal/logger"
	"github.com/loykin/chromevisor/internal/process"
	"github.com/loykin/chromevisor/internal/state"
	"github.com/loykin/chromevisor/internal/supervisor"
	"github.com/loykin/chromevisor/pkg/client"
)

// localSupervisor is what commands need from a supervisor run in-process.
type localSupervisor interface {
	Ensure(ctx context.Context, profile string) (*process.ControlledProcess, error)
	Attach(ctx context.Context, profile string) (*connect.Session, error)
	Stop(ctx context.Context) error
	Inspect(ctx context.Context) supervisor.Status
	Diagnose(ctx context.Context) supervisor.Report
	Profiles() []state.Profile
	Profile(name string) (state.Profile, bool)
	DeleteProfile(name string) error
	ClearState() error
	Close() error
}

type buildFunc func(cfg config.Config, log *slog.Logger, attach connect.AttachFunc) (localSupervisor, error)

func buildSupervisor(cfg config.Config, log *slog.Logger, attach connect.AttachFunc) (localSupervisor, error) {
	s, err := supervisor.Build(cfg, log, attach)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type command struct {
	flags *GlobalFlags
	out   io.Writer
	build buildFunc
}

func newCommand(out io.Writer) *command {
	return &command{flags: &GlobalFlags{}, out: out, build: buildSupervisor}
}

func (c *command) remote() bool { return c.flags.APIURL != "" }

func (c *command) apiClient() *client.Client {
	cfg := client.Config{
		BaseURL:  c.flags.APIURL,
		Timeout:  c.flags.APITimeout,
		Insecure: c.flags.Insecure,
	}
	if c.flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: c.flags.CACert}
	}
	return client.New(cfg)
}

// dial returns a client for a reachable daemon.
func (c *command) dial(ctx context.Context) (*client.Client, error) {
	api := c.apiClient()
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it with 'chromevisor serve'", c.flags.APIURL)
	}
	return api, nil
}

func (c *command) loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger.New(cfg.Logging, os.Stderr), nil
}

// withLocal runs fn against an in-process supervisor. Closing it leaves any
// browser running.
func (c *command) withLocal(attach connect.AttachFunc, fn func(localSupervisor) error) error {
	cfg, log, err := c.loadConfig()
	if err != nil {
		return err
	}
	s, err := c.build(cfg, log, attach)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(s)
}

func (c *command) print(v any) error { return printOutput(c.out, c.flags.Output, v) }

type ensureOutput struct {
	Process  *process.ControlledProcess `json:"process" yaml:"process"`
	Endpoint string                     `json:"endpoint" yaml:"endpoint"`
	Profile  string                     `json:"profile" yaml:"profile"`
	Session  *connect.Session           `json:"session,omitempty" yaml:"session,omitempty"`
	PageURL  string                     `json:"page_url,omitempty" yaml:"page_url,omitempty"`
}

func (c *command) Ensure(ctx context.Context, f EnsureFlags) error {
	if c.remote() {
		if f.Attach {
			return errors.New("--attach runs the automation client in this process; drop --api-url")
		}
		api, err := c.dial(ctx)
		if err != nil {
			return err
		}
		res, err := api.Ensure(ctx, f.Profile)
		if err != nil {
			return err
		}
		return c.print(res)
	}

	if !f.Attach {
		return c.withLocal(nil, func(s localSupervisor) error {
			p, err := s.Ensure(ctx, f.Profile)
			if err != nil {
				return err
			}
			return c.print(ensureOutput{Process: p, Endpoint: endpoint(p.ControlPort), Profile: f.Profile})
		})
	}

	pw, err := connect.NewPlaywrightAttacher(f.InstallDriver)
	if err != nil {
		return err
	}
	defer func() { _ = pw.Stop() }()
	return c.withLocal(pw.Attach, func(s localSupervisor) error {
		sess, err := s.Attach(ctx, f.Profile)
		if err != nil {
			return err
		}
		out := ensureOutput{Process: s.Inspect(ctx).Process, Endpoint: sess.Endpoint, Profile: f.Profile, Session: sess}
		if page, err := sess.ReusePage(); err == nil {
			out.PageURL = page.URL()
		}
		return c.print(out)
	})
}

func (c *command) Install(ctx context.Context, f InstallFlags) error {
	if c.remote() {
		return errors.New("install runs locally; drop --api-url")
	}
	cfg, log, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Attempts <= 0 {
		f.Attempts = max(cfg.Network.RetryAttempts, 1)
	}
	if f.Delay <= 0 {
		f.Delay = cfg.Network.InstallRetryDelay
	}
	rep, err := supervisor.NewInstaller(cfg, log).Install(ctx, f.Attempts, f.Delay)
	if err != nil {
		return err
	}
	store := supervisor.NewStore(cfg, log)
	if err := store.SetCachedBinaryPath(rep.Binary); err != nil {
		log.Warn("could not cache browser path", "path", rep.Binary, "error", err)
	}
	if rep.Version != "" {
		if err := store.SetChromeVersion(rep.Version); err != nil {
			log.Warn("could not record browser version", "error", err)
		}
	}
	return c.print(rep)
}

type locateOutput struct {
	Path        string `json:"path" yaml:"path"`
	PlatformKey string `json:"platform_key" yaml:"platform_key"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
}

func (c *command) Locate(ctx context.Context, f LocateFlags) error {
	if c.remote() {
		return errors.New("locate runs locally; drop --api-url")
	}
	cfg, log, err := c.loadConfig()
	if err != nil {
		return err
	}
	store := supervisor.NewStore(cfg, log)
	res, err := supervisor.NewLocator(cfg, store, log).Locate(ctx, !f.NoCache)
	if err != nil {
		return err
	}
	if !res.Found {
		return res.Err()
	}
	out := locateOutput{Path: res.Binary.Path, PlatformKey: res.Binary.PlatformKey}
	if v, err := locator.Version(ctx, res.Binary.Path); err == nil {
		out.Version = v
	} else {
		log.Debug("version probe failed", "path", res.Binary.Path, "error", err)
	}
	return c.print(out)
}

func (c *command) Status(ctx context.Context) error {
	if c.remote() {
		api, err := c.dial(ctx)
		if err != nil {
			return err
		}
		st, err := api.Status(ctx)
		if err != nil {
			return err
		}
		return c.print(st)
	}
	return c.withLocal(nil, func(s localSupervisor) error { return c.print(s.Inspect(ctx)) })
}

func (c *command) Diagnose(ctx context.Context) error {
	if c.remote() {
		api, err := c.dial(ctx)
		if err != nil {
			return err
		}
		r, err := api.Diagnose(ctx)
		if err != nil {
			return err
		}
		return c.print(r)
	}
	return c.withLocal(nil, func(s localSupervisor) error {
		r := s.Diagnose(ctx)
		if r.Status.Process == nil {
			r.Status = s.Inspect(ctx)
		}
		return c.print(r)
	})
}

func (c *command) ProfileList(ctx context.Context) error {
	if c.remote() {
		api, err := c.dial(ctx)
		if err != nil {
			return err
		}
		list, err := api.Profiles(ctx)
		if err != nil {
			return err
		}
		return c.print(list)
	}
	return c.withLocal(nil, func(s localSupervisor) error { return c.print(s.Profiles()) })
}

func (c *command) ProfileShow(ctx context.Context, name string) error {
	if !state.ValidProfileName(name) {
		return fmt.Errorf("invalid profile name %q", name)
	}
	if c.remote() {
		api, err := c.dial(ctx)
		if err != nil {
			return err
		}
		p, err := api.Profile(ctx, name)
		if err != nil {
			return err
		}
		return c.print(p)
	}
	return c.withLocal(nil, func(s localSupervisor) error {
		p, ok := s.Profile(name)
		if !ok {
			return fmt.Errorf("profile not found: %s", name)
		}
		return c.print(p)
	})
}

func (c *command) ProfileDelete(ctx context.Context, name string) error {
	if !state.ValidProfileName(name) {
		return fmt.Errorf("invalid profile name %q", name)
	}
	if c.remote() {
		api, err := c.dial(ctx)
		if err != nil {
			return err
		}
		if err := api.DeleteProfile(ctx, name); err != nil {
			return err
		}
	} else if err := c.withLocal(nil, func(s localSupervisor) error { return s.DeleteProfile(name) }); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out, "deleted profile %s\n", name)
	return err
}

func (c *command) ClearState(ctx context.Context) error {
	if c.remote() {
		return errors.New("clear-state runs locally; drop --api-url")
	}
	return c.withLocal(nil, func(s localSupervisor) error {
		if st := s.Inspect(ctx); st.Process != nil {
			return fmt.Errorf("browser pid %d is running on port %d; run 'chromevisor stop' first", st.Process.PID, st.Port)
		}
		if err := s.ClearState(); err != nil {
			return err
		}
		_, err := fmt.Fprintln(c.out, "state cleared")
		return err
	})
}

func (c *command) Stop(ctx context.Context) error {
	if c.remote() {
		api, err := c.dial(ctx)
		if err != nil {
			return err
		}
		if err := api.Stop(ctx); err != nil {
			return err
		}
	} else if err := c.withLocal(nil, func(s localSupervisor) error { return s.Stop(ctx) }); err != nil {
		return err
	}
	_, err := fmt.Fprintln(c.out, "stopped")
	return err
}

func endpoint(port int) string { return fmt.Sprintf("http://localhost:%d", port) }
