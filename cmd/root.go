// Package cmd defines and implements the CLI commands for the tarabot
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tarabot",
		Short: "Resumable batch domain scanner",
		Long: `tarabot scans large domain lists for configured search terms,
checkpointing progress so interrupted scans resume where they left off.
Scans run on a durable job queue and are controlled over an HTTP API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (environment variables with the TARABOT_ prefix override it)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
