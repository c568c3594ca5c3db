package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/draftpr/internal/workflows"
)

var (
	apPlanHash string
	apApprover string
	apNotes    string
	apContinue bool
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(continueCmd)

	approveCmd.Flags().StringVar(&apPlanHash, "plan-hash", "", "Hash of the plan version being approved (required)")
	approveCmd.Flags().StringVar(&apApprover, "approver", "", "Who approves the plan (required)")
	approveCmd.Flags().StringVar(&apNotes, "notes", "", "Approval notes")
	approveCmd.Flags().BoolVar(&apContinue, "continue", false, "Apply, verify and draft the PR right away")
	_ = approveCmd.MarkFlagRequired("plan-hash")
	_ = approveCmd.MarkFlagRequired("approver")

	continueCmd.Flags().StringVar(&apPlanHash, "plan-hash", "", "Approved plan hash (required)")
	continueCmd.Flags().StringVar(&apApprover, "approver", "", "Approver recorded for the plan (required)")
	_ = continueCmd.MarkFlagRequired("plan-hash")
	_ = continueCmd.MarkFlagRequired("approver")
}

var approveCmd = &cobra.Command{
	Use:   "approve <job-id>",
	Short: "Approve the latest plan version of a job",
	Long: `Record an approval for a job's latest plan version.

The hash must be the latest version's hash; approving a superseded version is
rejected. With --temporal the approval is sent to the job's workflow, which
continues the job. Otherwise a running "draftpr serve" picks the approval up,
or pass --continue to finish the job in this process.

Examples:
  draftpr approve 4f1c... --plan-hash 9a0b... --approver alice
  draftpr approve 4f1c... --plan-hash 9a0b... --approver alice --continue`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			if useTemporal {
				if err := a.withTemporal(); err != nil {
					return err
				}
				if err := a.workflows().Approve(ctx, jobID, workflows.ApprovalRequest{
					PlanHash: apPlanHash,
					Approver: apApprover,
					Notes:    apNotes,
				}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approval sent to job %s\n", jobID)
				return nil
			}

			if err := a.withPipeline(ctx); err != nil {
				return err
			}
			approval, err := a.pipeline.Approve(ctx, jobID, apPlanHash, apApprover, apNotes)
			if err != nil {
				return err
			}
			if !apContinue {
				if outputJSON {
					return printJSON(cmd.OutOrStdout(), approval)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approved plan %s for job %s\n", approval.PlanHash, jobID)
				return nil
			}
			res, err := a.pipeline.ContinueAfterApproval(ctx, jobID, approval.PlanHash, approval.Approver)
			if res != nil {
				_ = printResult(cmd.OutOrStdout(), res)
			}
			return err
		})
	},
}

var continueCmd = &cobra.Command{
	Use:   "continue <job-id>",
	Short: "Apply an approved plan and open a draft PR",
	Long: `Continue a job whose latest plan version has been approved: apply the
plan, run the verification checks, package the change and open a draft PR.

Example:
  draftpr continue 4f1c... --plan-hash 9a0b... --approver alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.withPipeline(ctx); err != nil {
				return err
			}
			res, err := a.pipeline.ContinueAfterApproval(ctx, jobID, apPlanHash, apApprover)
			if res != nil {
				_ = printResult(cmd.OutOrStdout(), res)
			}
			return err
		})
	},
}
