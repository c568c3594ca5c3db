package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(artifactsCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's stage, plan versions and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			if useTemporal {
				if err := a.withTemporal(); err != nil {
					return err
				}
				st, err := a.workflows().Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			}
			if err := a.withPipeline(ctx); err != nil {
				return err
			}
			st, err := a.pipeline.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st)
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List job IDs in the artifact store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			jobs, err := a.store.Jobs(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			for _, j := range jobs {
				fmt.Fprintln(cmd.OutOrStdout(), j)
			}
			return nil
		})
	},
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts <job-id> [name]",
	Short: "List a job's artifacts, or print one",
	Long: `Without a name, list the artifacts stored for a job. With a name, print
the artifact's contents.

Examples:
  draftpr artifacts 4f1c...
  draftpr artifacts 4f1c... git_diff
  draftpr artifacts 4f1c... plan_v2`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			jobID := args[0]
			if len(args) == 2 {
				data, err := a.store.Get(ctx, jobID, args[1])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			names, err := a.store.List(ctx, jobID)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				return fmt.Errorf("no artifacts for job %s", jobID)
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), names)
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		})
	},
}
