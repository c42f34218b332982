// Package cmd implements the chunkwatch command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/chunkwatch/internal/config"
	"github.com/JakeFAU/chunkwatch/internal/server"
)

// runner builds and runs the process for a loaded Config. It is a variable
// so tests can observe the resolved configuration without starting anything.
var runner = func(ctx context.Context, cfg config.Config) error {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "chunkwatch [flags] URL",
		Short: "Detect JavaScript chunk drift across the replicas of a single-page app.",
		Long: `chunkwatch resolves every address behind the host of URL, fetches the HTML
entrypoint and each referenced JavaScript chunk from every replica, and reports
replicas that serve missing or different chunks. A dashboard is served on --port.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags(), args[0])
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runner(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.Duration("interval", 60*time.Second, "time between check cycles")
	flags.BoolP("ipv4-only", "4", false, "only check IPv4 replicas")
	flags.IntP("port", "p", 3005, "dashboard port")
	flags.StringP("state-file", "s", "", "path of the persisted state snapshot")
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "chunkwatch:", err)
		os.Exit(1)
	}
}
