package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/draftpr/internal/pipeline"
)

var cancelReason string

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Why the job is cancelled")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: `Cancel a job.

A job waiting for approval is failed immediately. A job that is applying,
verifying or drafting is flagged in the coordination store (nats.url must be
set) and stops at its next stage boundary. With --temporal the job's
workflow is signalled instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			if useTemporal {
				if err := a.withTemporal(); err != nil {
					return err
				}
				if err := a.workflows().Cancel(ctx, jobID, cancelReason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation sent to job %s\n", jobID)
				return nil
			}

			if err := a.withPipeline(ctx); err != nil {
				return err
			}
			res, err := a.pipeline.Cancel(ctx, jobID, cancelReason)
			var se *pipeline.StageError
			if errors.As(err, &se) && se.Stage != pipeline.StageCompleted && se.Stage != pipeline.StageFailed {
				if a.coord == nil {
					return fmt.Errorf("job %s is %s; cancelling a running job needs nats.url: %w", jobID, se.Stage, err)
				}
				if err := a.coord.RequestCancel(ctx, jobID, cancelReason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for running job %s\n", jobID)
				return nil
			}
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		})
	},
}
