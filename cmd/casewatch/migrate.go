package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		store, err := storage.Open(logger, storage.Options{
			Path:        cfg.Database.Path,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("Database migrated", zap.String("path", cfg.Database.Path))
		return nil
	},
}
