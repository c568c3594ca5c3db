package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/draftpr/internal/workflows"
)

func init() {
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker for draft PR workflows",
	Long: `Run a Temporal worker that executes DraftPRWorkflow and its pipeline
activities on temporal.task_queue. When nats.url is set, activities stop as
soon as a job's cancellation flag is raised.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, runWorker)
	},
}

func runWorker(ctx context.Context, a *app) error {
	if err := a.withPipeline(ctx); err != nil {
		return err
	}
	if err := a.withTemporal(); err != nil {
		return err
	}
	a.logger.Info(ctx, "temporal client connected", zap.String("host", a.cfg.Temporal.HostPort))

	w := worker.New(a.temporal, a.cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.DraftPRWorkflow)

	acts := &workflows.Activities{
		Pipeline: a.pipeline,
		Logger:   a.logger.Underlying().Named("activities"),
	}
	if a.coord != nil {
		acts.Watcher = a.coord
	}
	w.RegisterActivity(acts)

	a.logger.Info(ctx, "worker configured", zap.String("task_queue", a.cfg.Temporal.TaskQueue))

	if err := w.Start(); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	a.logger.Info(ctx, "worker started")

	<-ctx.Done()
	a.logger.Info(context.Background(), "shutdown signal received")
	w.Stop()

	a.logger.Info(context.Background(), "worker stopped gracefully")
	return nil
}
