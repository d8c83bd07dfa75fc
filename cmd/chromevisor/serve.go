package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/chromevisor/internal/metrics"
	"github.com/loykin/chromevisor/internal/server"
	"github.com/loykin/chromevisor/internal/state"
	"github.com/loykin/chromevisor/internal/supervisor"
	apitls "github.com/loykin/chromevisor/internal/tls"
)

const shutdownTimeout = 10 * time.Second

func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	if c.remote() {
		return errors.New("serve runs the daemon; drop --api-url")
	}
	if f.Daemonize {
		return daemonize(f.PIDFile, f.LogFile)
	}
	cfg, log, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	tlsConf, err := apitls.Setup(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if cfg.Server.Metrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
	}
	if f.PIDFile != "" {
		if err := writePidFile(f.PIDFile); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(f.PIDFile) }()
	}

	sup, err := supervisor.Build(cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()

	if f.EnsureProfile != "" {
		if p, err := sup.Ensure(ctx, f.EnsureProfile); err != nil {
			log.Error("startup ensure failed", "profile", f.EnsureProfile, "error", err)
		} else {
			log.Info("browser ready", "profile", f.EnsureProfile, "pid", p.PID, "port", p.ControlPort)
		}
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watchState(watchCtx, supervisor.NewStore(cfg, log), log)

	srv := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, sup, server.WithMetrics(cfg.Server.Metrics),
		server.WithEnsureTimeout(cfg.Server.EnsureTimeout))
	srv.TLSConfig = tlsConf
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConf != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info("serving API", "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "tls", tlsConf != nil, "metrics", cfg.Server.Metrics)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if f.StopOnExit {
		if err := sup.Stop(shutdownCtx); err != nil {
			log.Warn("stop browser failed", "error", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}

// watchState logs state changes made by other chromevisor processes, such as
// an install or a profile deletion from the CLI.
func watchState(ctx context.Context, store *state.Store, log *slog.Logger) {
	err := store.Watch(ctx, func(st state.State) {
		log.Info("state file changed",
			"chrome_path", st.ChromePath,
			"chrome_version", st.ChromeVersion,
			"profiles", len(st.Profiles))
	})
	if err != nil {
		log.Warn("state watch stopped", "error", err)
	}
}
