package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/qbh/portal/internal/config"
	"github.com/qbh/portal/internal/database"
	"github.com/spf13/cobra"
)

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}

	migrateUpCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), logger, func(pool *pgxpool.Pool) error {
				return database.Migrate(cmd.Context(), pool, logger)
			})
		},
	}

	migrateDownCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), logger, func(pool *pgxpool.Pool) error {
				return database.MigrateDown(cmd.Context(), pool, logger)
			})
		},
	}

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	return migrateCmd
}

func withPool(ctx context.Context, logger *slog.Logger, fn func(*pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	return fn(db.Pool)
}
