package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lab-validation-server/internal/config"
	"github.com/lab-validation-server/internal/database"
)

func migrateCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema for drafts and the audit log",
	}

	run := func(fn func(ctx context.Context, runner *database.MigrationRunner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			manager, err := config.NewManager(*configFile)
			if err != nil {
				return err
			}
			cfg := manager.GetConfig()
			logger, err := config.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Database.MigrationsPath
			}

			runner, err := database.NewMigrationRunner(manager.GetDatabaseURL(), dir, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := runner.Close(); err != nil {
					logger.WithError(err).Warn("Failed to close migration runner")
				}
			}()
			logger.WithFields(logrus.Fields{"dir": dir, "database": cfg.Database.Database}).Debug("Migration runner ready")
			return fn(cmd.Context(), runner)
		}
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: run(func(ctx context.Context, runner *database.MigrationRunner) error {
			return runner.Up(ctx)
		}),
	}
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: run(func(ctx context.Context, runner *database.MigrationRunner) error {
			return runner.Down(ctx)
		}),
	}
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show the applied migration version",
		RunE: run(func(ctx context.Context, runner *database.MigrationRunner) error {
			v, dirty, err := runner.Version()
			if err != nil {
				return fmt.Errorf("failed to read migration version: %w", err)
			}
			fmt.Printf("version %d (dirty: %t)\n", v, dirty)
			return nil
		}),
	}

	for _, c := range []*cobra.Command{upCmd, downCmd, versionCmd} {
		c.Flags().String("dir", "", "Path to migrations directory (default: database.migrations_path)")
		cmd.AddCommand(c)
	}
	return cmd
}
