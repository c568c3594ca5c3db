package workflows

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/draftpr/internal/pipeline"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
)

const heartbeatInterval = 30 * time.Second

// Runner is the pipeline surface driven by the workflow.
type Runner interface {
	Run(ctx context.Context, jobID string, in pipeline.InputSpec) (*pipeline.Result, error)
	Approve(ctx context.Context, jobID, planHash, approver, notes string) (*plan.Approval, error)
	ContinueAfterApproval(ctx context.Context, jobID, approvedHash, approver string) (*pipeline.Result, error)
	Revise(ctx context.Context, jobID string, fb plan.Feedback) (*pipeline.Result, error)
	Cancel(ctx context.Context, jobID, reason string) (*pipeline.Result, error)
}

// CancellationWatcher derives a context that ends when a job's
// cancellation flag is raised.
type CancellationWatcher interface {
	WatchCancellation(parent context.Context, jobID string) (context.Context, context.CancelFunc)
}

// Activities wraps a Runner as Temporal activities. Register a pointer with
// the worker.
type Activities struct {
	Pipeline Runner
	Watcher  CancellationWatcher // optional
	Logger   *zap.Logger
}

func (a *Activities) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// RunPipeline starts the job and returns once it waits for approval or ends.
func (a *Activities) RunPipeline(ctx context.Context, in DraftPRInput) (*pipeline.Result, error) {
	ctx, done := a.begin(ctx, "RunPipeline", in.JobID)
	res, err := a.Pipeline.Run(ctx, in.JobID, in.Input)
	return res, done(err)
}

// ApprovePlan records an approval for the latest plan version.
func (a *Activities) ApprovePlan(ctx context.Context, in ApproveInput) (*plan.Approval, error) {
	ctx, done := a.begin(ctx, "ApprovePlan", in.JobID)
	approval, err := a.Pipeline.Approve(ctx, in.JobID, in.PlanHash, in.Approver, in.Notes)
	return approval, done(err)
}

// ContinuePipeline applies, verifies, packages and drafts an approved plan.
func (a *Activities) ContinuePipeline(ctx context.Context, in ContinueInput) (*pipeline.Result, error) {
	ctx, done := a.begin(ctx, "ContinuePipeline", in.JobID)
	res, err := a.Pipeline.ContinueAfterApproval(ctx, in.JobID, in.PlanHash, in.Approver)
	return res, done(err)
}

// RevisePlan generates the next plan version from feedback.
func (a *Activities) RevisePlan(ctx context.Context, in ReviseInput) (*pipeline.Result, error) {
	ctx, done := a.begin(ctx, "RevisePlan", in.JobID)
	res, err := a.Pipeline.Revise(ctx, in.JobID, in.Feedback)
	return res, done(err)
}

// CancelJob fails a job that is waiting for approval.
func (a *Activities) CancelJob(ctx context.Context, in CancelInput) (*pipeline.Result, error) {
	ctx, done := a.begin(ctx, "CancelJob", in.JobID)
	res, err := a.Pipeline.Cancel(ctx, in.JobID, in.Reason)
	return res, done(err)
}

// begin starts heartbeating and cancellation watching for one activity call.
// The returned function stops both, records metrics and converts err.
func (a *Activities) begin(ctx context.Context, name, jobID string) (context.Context, func(error) error) {
	start := time.Now()
	stopWatch := func() {}
	if a.Watcher != nil {
		ctx, stopWatch = a.Watcher.WatchCancellation(ctx, jobID)
	}
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	if activity.IsActivity(ctx) {
		go heartbeat(hbCtx)
	}

	return ctx, func(err error) error {
		stopHeartbeat()
		stopWatch()
		attrs := metric.WithAttributes(attribute.String("activity", name))
		activityDuration.Record(context.Background(), time.Since(start).Seconds(), attrs)
		if err == nil {
			return nil
		}
		activityErrorCounter.Add(context.Background(), 1, attrs)
		a.logger().Warn("pipeline activity failed",
			zap.String("activity", name),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return wrapActivityError(name, err)
	}
}

func heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			activity.RecordHeartbeat(ctx)
		}
	}
}
