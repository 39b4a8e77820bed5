package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/paygate/internal/model"
)

var decisionsCmd = &cobra.Command{
	Use:     "decisions",
	Short:   "List recent trigger decisions",
	GroupID: "decisions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}
		records, err := gateClient.ListDecisions(context.Background(), limit)
		if err != nil {
			return fmt.Errorf("listing decisions: %w", err)
		}
		if jsonOutput {
			if records == nil {
				records = []*model.DecisionRecord{}
			}
			return printJSON(cmd.OutOrStdout(), records)
		}
		printDecisionTable(cmd.OutOrStdout(), records)
		return nil
	},
}

var feedbackCmd = &cobra.Command{
	Use:     "feedback <decision-id> <shown|dismissed|acted_on>",
	Short:   "Report what the prompt sink did with a decision",
	GroupID: "decisions",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, err := model.ParseOutcome(args[1])
		if err != nil {
			return err
		}
		if err := gateClient.SendFeedback(context.Background(), args[0], outcome); err != nil {
			return fmt.Errorf("sending feedback: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"decision_id": args[0], "outcome": string(outcome)})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "feedback %s recorded for %s\n", outcome, args[0])
		return nil
	},
}

func init() {
	decisionsCmd.Flags().Int("limit", 20, "maximum number of decisions to show (0 = all)")
}
