package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgx-cds-server/internal/database"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema for the knowledge base and snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationRunner(func(mr *database.MigrationRunner) error {
				return mr.Up()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationRunner(func(mr *database.MigrationRunner) error {
				return mr.Down()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied and latest migration versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationRunner(func(mr *database.MigrationRunner) error {
				status, err := mr.Status()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d of %d (dirty: %t, pending: %t)\n",
					status.Version, status.Latest, status.Dirty, status.Pending())
				return nil
			})
		},
	})

	return cmd
}

func withMigrationRunner(fn func(*database.MigrationRunner) error) error {
	a, err := loadApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	dbCfg := a.cfg.Database
	mr, err := database.NewMigrationRunner(database.ConfigFrom(dbCfg).URL(), dbCfg.MigrationsPath, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := mr.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close migration runner")
		}
	}()
	return fn(mr)
}
