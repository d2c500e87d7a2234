package main

import (
	"github.com/balancetracker/balance-service/internal/config"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := loadBootstrap(opts)
			if err != nil {
				return err
			}
			defer func() { _ = b.logger.Sync() }()

			if b.cfg.StorageDriver == config.StorageDriverMemory {
				b.logger.Info("in-memory store needs no migrations")
				return nil
			}
			st, err := b.openStore(cmd.Context(), true)
			if err != nil {
				return err
			}
			st.Close()
			return nil
		},
	}
}
