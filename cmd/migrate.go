package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/db"
	"github.com/sells-group/reconcile-cli/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		pool, err := db.Connect(cmd.Context(), cfg.Store.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := migrate.Run(cmd.Context(), pool); err != nil {
			return eris.Wrap(err, "run migrations")
		}

		zap.L().Info("migrations up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
