package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reconcile-cli/internal/backfill"
)

var (
	backfillChunkSize int
	backfillMaxChunks int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Re-run parked records and unresolved relationship edges",
	Long:  "Replays records parked on ambiguous matches and retries unresolved relationship endpoints, in watermarked chunks. Safe to interrupt; the next run resumes from the last completed chunk.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillChunkSize > 0 {
			cfg.Backfill.ChunkSize = backfillChunkSize
		}
		if backfillMaxChunks > 0 {
			cfg.Backfill.MaxChunks = backfillMaxChunks
		}
		if err := cfg.Validate("backfill"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.reconciler.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "backfill run")
		}

		printReport(report)
		return nil
	},
}

func printReport(report backfill.Report) {
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}

func init() {
	backfillCmd.Flags().IntVar(&backfillChunkSize, "chunk-size", 0, "records per chunk (default from config)")
	backfillCmd.Flags().IntVar(&backfillMaxChunks, "max-chunks", 0, "stop after this many chunks, keeping the watermark (0 = full pass)")
	rootCmd.AddCommand(backfillCmd)
}
