package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/config"
	"github.com/qbh/portal/internal/database"
	"github.com/spf13/cobra"
)

func newRotateSecretCmd(logger *slog.Logger) *cobra.Command {
	var graceDays int

	cmd := &cobra.Command{
		Use:   "rotate-secret",
		Short: "Rotate the JWT signing secret held in Redis",
		Long: "Installs a new current signing secret. Tokens signed with the previous " +
			"secret stay valid for the grace period.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Redis.URL == "" {
				return errors.New("REDIS_URL is required: running servers only see secrets in the shared store")
			}

			grace := cfg.Auth.SecretGracePeriod()
			if cmd.Flags().Changed("grace-days") {
				if graceDays < 0 {
					return errors.New("grace-days must not be negative")
				}
				grace = time.Duration(graceDays) * 24 * time.Hour
			}

			client, err := database.NewRedisClient(ctx, cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer client.Close()

			secrets, err := auth.NewSecretManager(ctx, auth.NewRedisSecretStore(client), cfg.Auth.JWTSecret, logger)
			if err != nil {
				return err
			}

			version, err := secrets.Rotate(ctx, grace)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "signing secret rotated at %s; previous secret valid until %s\n",
				version.CreatedAt.UTC().Format(time.RFC3339),
				version.CreatedAt.Add(grace).UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().IntVar(&graceDays, "grace-days", 0, "days the previous secret stays valid (default SECRET_GRACE_DAYS)")
	return cmd
}
