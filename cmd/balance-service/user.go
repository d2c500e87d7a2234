package main

import (
	"fmt"

	"github.com/balancetracker/balance-service/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newUserCmd(opts *rootOptions) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage dashboard users",
	}
	userCmd.AddCommand(newUserCreateCmd(opts))
	return userCmd
}

func newUserCreateCmd(opts *rootOptions) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a dashboard user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := loadBootstrap(opts)
			if err != nil {
				return err
			}
			defer func() { _ = b.logger.Sync() }()

			st, err := b.openStore(cmd.Context(), b.cfg.AutoMigrate)
			if err != nil {
				return err
			}
			defer st.Close()

			auth, err := app.NewAuthService(st.Users(), app.AuthConfig{
				JWTSecret:    b.cfg.JWTSecret,
				JWTAlgorithm: b.cfg.JWTAlgorithm,
				APISecret:    b.cfg.APISecret,
			}, b.logger)
			if err != nil {
				return err
			}

			user, err := auth.Register(cmd.Context(), username, password)
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			b.logger.Info("user created", zap.String("user_id", user.ID.String()), zap.String("username", user.Username))
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.Username, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "login name of the new user")
	cmd.Flags().StringVar(&password, "password", "", "password of the new user (min 8 characters)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
