package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var purgeOlderThan time.Duration

func init() {
	rootCmd.AddCommand(purgeCmd)
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "Retention to apply (default artifacts.retention)")
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired job artifacts and stale workspaces",
	Long: `Delete every job whose newest artifact is older than the retention
period, and every workspace older than workspace.max_age.

Example:
  draftpr purge --older-than 168h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			retention := purgeOlderThan
			if retention <= 0 {
				retention = a.cfg.Artifacts.Retention
			}
			now := time.Now()
			purged, err := a.store.Sweep(ctx, retention, now)
			if err != nil {
				return err
			}
			if err := a.withWorkspaces(); err != nil {
				return err
			}
			removed, err := a.workspaces.CleanupOrphans(now)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"purged_jobs":        purged,
					"removed_workspaces": removed,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d job(s), removed %d workspace(s)\n", len(purged), removed)
			return nil
		})
	},
}
