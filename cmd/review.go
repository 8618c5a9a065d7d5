package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	reviewLimit    int
	reviewReviewer string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the ambiguous-match review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open review items",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("review"); err != nil {
			return err
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		items, err := env.queue.ListOpen(cmd.Context(), reviewLimit)
		if err != nil {
			return eris.Wrap(err, "list review queue")
		}

		if len(items) == 0 {
			fmt.Println("review queue is empty")
			return nil
		}
		out, _ := json.MarshalIndent(items, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve <item-id>",
	Short: "Mark a review item resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("review"); err != nil {
			return err
		}
		if reviewReviewer == "" {
			return eris.New("--by is required; resolutions are attributed")
		}

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid item id %q", args[0])
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.queue.Resolve(cmd.Context(), id, reviewReviewer); err != nil {
			return err
		}

		zap.L().Info("review item resolved",
			zap.Int64("item_id", id),
			zap.String("reviewer", reviewReviewer),
		)
		fmt.Printf("item %d resolved by %s\n", id, reviewReviewer)
		return nil
	},
}

func init() {
	reviewListCmd.Flags().IntVar(&reviewLimit, "limit", 50, "max items to list")
	reviewResolveCmd.Flags().StringVar(&reviewReviewer, "by", "", "reviewer name recorded on the item")
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewResolveCmd)
	rootCmd.AddCommand(reviewCmd)
}
