// cmd/service/migrate.go
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gitlab-stats-engine/internal/store"
)

func newMigrateCmd(a *app) *cobra.Command {
	var target int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Apply database migrations. A negative target migrates all the way up, 0 rolls everything back.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := store.Migrate(a.cfg.DBBackend, a.cfg.DBURL, a.cfg.MigrationsPath, target); err != nil {
				return fmt.Errorf("failed to run database migrations: %w", err)
			}
			a.logger.Info("Database migrations applied successfully", "backend", a.cfg.DBBackend, "target", target)
			return nil
		},
	}
	cmd.Flags().IntVar(&target, "target", -1, "target schema version")
	return cmd
}
