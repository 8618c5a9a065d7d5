package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "reconcile-cli",
	Short: "Entity reconciliation for the account warehouse",
	Long:  "Coalesces enrichment records from clay, companyenrich, gemini, parallel and salesnav into canonical company entities, with per-field provenance and a human review queue for ambiguous matches.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
