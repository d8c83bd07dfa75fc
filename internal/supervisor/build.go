package supervisor

import (
	"log/slog"
	"path/filepath"

	"github.com/loykin/chromevisor/internal/config"
	"github.com/loykin/chromevisor/internal/connect"
	"github.com/loykin/chromevisor/internal/health"
	"github.com/loykin/chromevisor/internal/history"
	"github.com/loykin/chromevisor/internal/history/factory"
	"github.com/loykin/chromevisor/internal/installer"
	"github.com/loykin/chromevisor/internal/locator"
	"github.com/loykin/chromevisor/internal/process"
	"github.com/loykin/chromevisor/internal/registry"
	"github.com/loykin/chromevisor/internal/state"
)

// NewStore opens the state store at the configured location.
func NewStore(cfg config.Config, log *slog.Logger) *state.Store {
	r := cfg.Resolver()
	return state.New(r.StateFile(), filepath.Dir(r.ProfileDir(state.DefaultProfile)), state.WithLogger(log))
}

// NewInstaller builds the Chrome for Testing installer from the network section.
func NewInstaller(cfg config.Config, log *slog.Logger) *installer.Installer {
	return installer.New(cfg.Resolver(), installer.Options{
		ManifestURL:     cfg.Network.ManifestURL,
		ManifestTimeout: cfg.Network.ManifestTimeout,
		DownloadTimeout: cfg.Network.DownloadTimeout,
		Proxy:           cfg.Network.Proxy,
	}, installer.WithLogger(log))
}

// NewLocator builds a locator that caches hits in store.
func NewLocator(cfg config.Config, store *state.Store, log *slog.Logger) *locator.Locator {
	return locator.New(cfg.Resolver(), store, locator.WithLogger(log))
}

// Build wires the production collaborators from cfg. attach may be nil when
// the caller does not need Supervisor.Attach.
func Build(cfg config.Config, log *slog.Logger, attach connect.AttachFunc) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	store := NewStore(cfg, log)
	checker := health.New(health.WithLogger(log), health.WithTimeout(cfg.Network.HealthTimeout))

	d := Deps{
		Store:     store,
		Locator:   NewLocator(cfg, store, log),
		Installer: NewInstaller(cfg, log),
		Launcher: process.NewLauncher(checker,
			process.WithLogger(log),
			process.WithOutput(cfg.Logging),
			process.WithGracePeriod(cfg.Browser.GracePeriod),
			process.WithPollInterval(cfg.Browser.PollInterval),
			process.WithKillTimeout(cfg.Browser.KillTimeout),
		),
		Registry: registry.New(registry.WithLogger(log)),
		Checker:  checker,
	}
	if attach != nil {
		d.Connector = connect.New(checker, attach, connect.WithLogger(log))
	}
	if cfg.History.Enabled && len(cfg.History.DSNs) > 0 {
		sinks, err := factory.NewSinks(cfg.History.DSNs)
		if err != nil {
			return nil, err
		}
		d.History = history.NewRecorder(log, sinks...)
	}
	return New(cfg, d, WithLogger(log))
}
