package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	c := newCommand(os.Stdout)
	err := buildRoot(c).ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand around c.
func buildRoot(c *command) *cobra.Command {
	root := createRootCommand(c.flags)
	root.AddCommand(
		createEnsureCommand(c),
		createInstallCommand(c),
		createLocateCommand(c),
		createStatusCommand(c),
		createDiagnoseCommand(c),
		createProfileCommand(c),
		createClearStateCommand(c),
		createStopCommand(c),
		createServeCommand(c),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
// shared by every subcommand.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "chromevisor",
		Short: "Keep a Chrome for Testing browser running on a debugging port",
		Long: `Chromevisor installs Chrome for Testing when it is missing, launches it with a
remote debugging port and a persistent profile, and restarts it after a crash.

Commands run locally by default. With --api-url they talk to a daemon started
by 'chromevisor serve'.

Examples:
  chromevisor ensure --profile=work
  chromevisor status -o yaml
  chromevisor serve --config=chromevisor.yaml
  chromevisor status --api-url=http://127.0.0.1:8088/api`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to a TOML, YAML or JSON config file (optional)")
	pf.StringVar(&flags.APIURL, "api-url", "", "daemon API URL (e.g. http://127.0.0.1:8088/api)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "daemon request timeout")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification of the daemon")
	pf.StringVarP(&flags.Output, "output", "o", formatJSON, "output format: json or yaml")
	return root
}
