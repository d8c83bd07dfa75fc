package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/chromevisor/internal/state"
)

// GlobalFlags holds the persistent flags.
type GlobalFlags struct {
	ConfigPath string
	APIURL     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	Output     string
}

// EnsureFlags holds flags for the ensure command
type EnsureFlags struct {
	Profile       string
	Attach        bool
	InstallDriver bool
}

// InstallFlags holds flags for the install command
type InstallFlags struct {
	Attempts int
	Delay    time.Duration
}

type LocateFlags struct {
	NoCache bool
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Listen        string
	EnsureProfile string
	StopOnExit    bool
	Daemonize     bool
	PIDFile       string
	LogFile       string
}

func createEnsureCommand(c *command) *cobra.Command {
	f := &EnsureFlags{}
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Make sure a healthy browser is serving the debugging port",
		Long: `Reuse, adopt or launch the browser for a profile, installing Chrome for
Testing first when no binary is found.

Examples:
  chromevisor ensure
  chromevisor ensure --profile=work --attach`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ensure(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Profile, "profile", state.DefaultProfile, "profile name")
	cmd.Flags().BoolVar(&f.Attach, "attach", false, "attach an automation client and report its page (local only)")
	cmd.Flags().BoolVar(&f.InstallDriver, "install-driver", false, "download the automation driver before attaching")
	return cmd
}

func createInstallCommand(c *command) *cobra.Command {
	f := &InstallFlags{}
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Download and unpack Chrome for Testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Install(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Attempts, "attempts", 0, "total attempts (default network.retry_attempts)")
	cmd.Flags().DurationVar(&f.Delay, "delay", 0, "wait between attempts (default network.install_retry_delay)")
	return cmd
}

func createLocateCommand(c *command) *cobra.Command {
	f := &LocateFlags{}
	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Print the browser binary that would be launched",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Locate(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.NoCache, "no-cache", false, "ignore the cached path and search again")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the supervised browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context())
		},
	}
}

func createDiagnoseCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Report binary, port health, profiles and monitor state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Diagnose(cmd.Context())
		},
	}
}

func createProfileCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage browser profiles",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List profiles",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ProfileList(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "show NAME",
			Short: "Show one profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ProfileShow(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Delete a profile record (the default profile is kept)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ProfileDelete(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func createClearStateCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-state",
		Short: "Remove the persisted state file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ClearState(cmd.Context())
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Terminate the browser on the debugging port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context())
		},
	}
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon with its HTTP API",
		Long: `Run the supervisor and serve its API until interrupted. The browser is left
running on exit unless --stop-on-exit is given.

Examples:
  chromevisor serve
  chromevisor serve --ensure=default
  chromevisor serve --daemonize --pidfile=/run/chromevisor.pid --logfile=/var/log/chromevisor.log`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (default server.listen)")
	cmd.Flags().StringVar(&f.EnsureProfile, "ensure", "", "ensure a browser for this profile at startup")
	cmd.Flags().BoolVar(&f.StopOnExit, "stop-on-exit", false, "terminate the browser when the daemon exits")
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PIDFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}
