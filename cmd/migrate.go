package main

import (
	"strings"

	"github.com/spf13/cobra"

	"sdkforge/internal/config"
	"sdkforge/internal/logging"
	"sdkforge/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply the embedded SQL migrations to the configured PostgreSQL database.
With the sqlite driver the schema is created by auto-migration instead.`,
	RunE: func(*cobra.Command, []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := logging.L()

		if strings.EqualFold(cfg.DatabaseDriver, "sqlite") {
			st, err := store.Open(store.Config{Driver: cfg.DatabaseDriver, SQLitePath: cfg.SQLitePath}, logger)
			if err != nil {
				return err
			}
			return st.Close()
		}
		return store.Migrate(cfg.DatabaseURL, logger)
	},
}
