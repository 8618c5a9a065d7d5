package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/ingest"
)

var (
	ingestSource string
	ingestFile   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Process a file of enrichment payloads from one source",
	Long:  "Reads a JSON array of raw source payloads (or newline-free single payload) and runs each through resolve and merge. Use '-' to read from stdin.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		if ingestSource == "" {
			return eris.New("--source is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var data []byte
		if ingestFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(ingestFile)
		}
		if err != nil {
			return eris.Wrapf(err, "read input %s", ingestFile)
		}

		payloads, err := splitPayloads(data)
		if err != nil {
			return err
		}

		recs := make([]ingest.IncomingRecord, 0, len(payloads))
		for i, p := range payloads {
			rec, err := ingest.Parse(ingestSource, p)
			if err != nil {
				return eris.Wrapf(err, "parse payload %d", i)
			}
			recs = append(recs, rec)
		}

		result, err := env.processor.ProcessBatch(ctx, recs, cfg.Ingest.Concurrency)
		if err != nil {
			return eris.Wrap(err, "process batch")
		}

		zap.L().Info("ingest complete",
			zap.String("source", ingestSource),
			zap.Int("processed", result.Processed),
			zap.Int("created", result.Created),
			zap.Int("updated", result.Updated),
			zap.Int("review", result.Review),
			zap.Int("replayed", result.Replayed),
			zap.Int("failed", result.Failed),
		)

		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

// splitPayloads accepts either a JSON array of payload objects or a single
// payload object.
func splitPayloads(data []byte) ([]json.RawMessage, error) {
	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err == nil {
		return batch, nil
	}

	var single json.RawMessage
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, eris.Wrap(err, "input is neither a JSON array nor an object")
	}
	return []json.RawMessage{single}, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "payload source (clay, companyenrich, gemini, parallel, salesnav)")
	ingestCmd.Flags().StringVar(&ingestFile, "file", "-", "input file path, '-' for stdin")
	rootCmd.AddCommand(ingestCmd)
}
