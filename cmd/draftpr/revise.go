package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/workflows"
)

var (
	rvFeedback  string
	rvType      string
	rvConcerns  []string
	rvRequested string
	rvBy        string
)

func init() {
	rootCmd.AddCommand(reviseCmd)
	reviseCmd.Flags().StringVar(&rvFeedback, "feedback", "", "What should change in the plan (required)")
	reviseCmd.Flags().StringVar(&rvType, "type", string(plan.FeedbackGeneral), "Feedback type: general, scope, tests, safety or other")
	reviseCmd.Flags().StringSliceVar(&rvConcerns, "concern", nil, "Specific concern (repeatable)")
	reviseCmd.Flags().StringVar(&rvRequested, "requested-changes", "", "Concrete changes requested")
	reviseCmd.Flags().StringVar(&rvBy, "by", "", "Reviewer name")
	_ = reviseCmd.MarkFlagRequired("feedback")
}

var reviseCmd = &cobra.Command{
	Use:   "revise <job-id>",
	Short: "Request a revised plan from feedback",
	Long: `Generate the next plan version from reviewer feedback. The new version
supersedes the previous one; any earlier approval no longer applies.

Example:
  draftpr revise 4f1c... --feedback "Also cover non-UTF8 input" --type tests`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		fb := plan.Feedback{
			Text:             rvFeedback,
			SpecificConcerns: rvConcerns,
			RequestedChanges: rvRequested,
			Type:             plan.FeedbackType(rvType),
			ProvidedBy:       rvBy,
		}
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			if useTemporal {
				if err := a.withTemporal(); err != nil {
					return err
				}
				if err := a.workflows().Revise(ctx, jobID, workflows.RevisionRequest{Feedback: fb}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revision requested for job %s\n", jobID)
				return nil
			}
			if err := a.withPipeline(ctx); err != nil {
				return err
			}
			res, err := a.pipeline.Revise(ctx, jobID, fb)
			if res != nil {
				_ = printResult(cmd.OutOrStdout(), res)
			}
			return err
		})
	},
}
