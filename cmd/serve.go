package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tarabot/tarabot/internal/app"
	"github.com/tarabot/tarabot/internal/config"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API and
// the scan worker pool until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scan API and worker pool",
		Long: `Starts the HTTP control API and the queue worker pool in one process.
SIGINT or SIGTERM triggers a graceful shutdown: in-flight requests drain
and running scans checkpoint before the process exits.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	return a.Run(ctx)
}
