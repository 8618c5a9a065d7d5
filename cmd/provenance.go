package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var provenanceField string

var provenanceCmd = &cobra.Command{
	Use:   "provenance",
	Short: "Inspect the merge decision ledger",
}

var provenanceHistoryCmd = &cobra.Command{
	Use:   "history <entity-id>",
	Short: "Show the decision history for one entity field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("provenance"); err != nil {
			return err
		}
		if provenanceField == "" {
			return eris.New("--field is required")
		}

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid entity id %q", args[0])
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.ledger.History(cmd.Context(), id, provenanceField)
		if err != nil {
			return eris.Wrap(err, "load history")
		}
		if len(entries) == 0 {
			fmt.Printf("no history for entity %d field %s\n", id, provenanceField)
			return nil
		}

		out, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var provenanceSourceCmd = &cobra.Command{
	Use:   "source <name>",
	Short: "Show the rejection rate for a source",
	Long:  "Reports how often a source's values lost merges or were rejected outright. A climbing rate flags a degrading source worth renegotiating or dropping.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("provenance"); err != nil {
			return err
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.ledger.RejectionRate(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrapf(err, "rejection rate for %s", args[0])
		}

		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	provenanceHistoryCmd.Flags().StringVar(&provenanceField, "field", "", "field name to show history for")
	provenanceCmd.AddCommand(provenanceHistoryCmd)
	provenanceCmd.AddCommand(provenanceSourceCmd)
	rootCmd.AddCommand(provenanceCmd)
}
