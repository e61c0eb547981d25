package main

import (
	"context"
	"fmt"
	"time"

	"WalkGuard/internal/models"
	"WalkGuard/pkg/config"
	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/middleware"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(config.GlobalConfig)
			if err != nil {
				return err
			}
			if err := models.Migrate(db); err != nil {
				return err
			}
			logger.Info("schema migrated", zap.String("driver", config.GlobalConfig.DBDriver))
			return nil
		},
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fire overdue escalations and re-drive undelivered records once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(config.GlobalConfig)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := a.escalation.Reconcile(ctx); err != nil {
				return err
			}
			a.escalation.Wait()
			expired, err := a.sessions.ExpireStale(ctx)
			if err != nil {
				return err
			}
			logger.Info("reconcile finished", zap.Int("sessions_expired", expired))
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := config.GlobalConfig.APISecretKey
			if secret == "" {
				return fmt.Errorf("API_SECRET_KEY must be set")
			}
			if role != constant.RoleUser && role != constant.RoleAgent {
				return fmt.Errorf("role must be %q or %q", constant.RoleUser, constant.RoleAgent)
			}
			tok, err := middleware.IssueToken(secret, subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user or agent id")
	cmd.Flags().StringVar(&role, "role", constant.RoleUser, "user | agent")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
