package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "balance-service",
		Short: "Tracks bot account balances and classifies every balance change",
		Long: `balance-service records balance observations reported by trading bots,
derives whether each change is an update, deposit, withdrawal, lock or
shutdown, and serves the history to dashboard users.

Running without a subcommand starts the HTTP server.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config-path", ".", "directory holding the optional .env file")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newUserCmd(opts),
	)
	return rootCmd
}
