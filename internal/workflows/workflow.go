// Package workflows runs draft PR jobs as durable Temporal workflows.
//
// A DraftPRWorkflow starts the pipeline, then waits on signals while the job
// is in WAITING_FOR_APPROVAL: an approval continues the job, a revision
// produces a new plan version, and a cancel fails the job. Pipeline work runs
// in activities; all job state lives in the artifact store.
package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/draftpr/internal/pipeline"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
)

const (
	defaultActivityTimeout = time.Hour
	approvalTimeoutReason  = "approval timed out"
)

// DraftPRWorkflow drives one job from input to draft PR.
func DraftPRWorkflow(ctx workflow.Context, in DraftPRInput) (*pipeline.Result, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting draft PR workflow", "job_id", in.JobID, "mode", in.Input.Mode)

	timeout := in.ActivityTimeout
	if timeout <= 0 {
		timeout = defaultActivityTimeout
	}
	// A pipeline call that fails part-way has already recorded FAILED, so
	// activities are never retried.
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    2 * heartbeatInterval,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	status := &WorkflowStatus{JobID: in.JobID, Stage: pipeline.StageCreated}
	if err := workflow.SetQueryHandler(ctx, StatusQuery, func() (WorkflowStatus, error) {
		return *status, nil
	}); err != nil {
		return nil, err
	}

	var a *Activities
	var res *pipeline.Result
	if err := workflow.ExecuteActivity(ctx, a.RunPipeline, in).Get(ctx, &res); err != nil {
		status.fail(err)
		return nil, err
	}
	status.update(res)

	approvals := workflow.GetSignalChannel(ctx, ApprovalSignal)
	revisions := workflow.GetSignalChannel(ctx, ReviseSignal)
	cancels := workflow.GetSignalChannel(ctx, CancelSignal)
	signals := workflow.GetMetricsHandler(ctx)

	var timer workflow.Future
	if in.ApprovalTimeout > 0 {
		timer = workflow.NewTimer(ctx, in.ApprovalTimeout)
	}

	for res.RequiresApproval && res.Stage == pipeline.StageWaitingForApproval {
		var (
			next   *pipeline.Result
			actErr error
		)
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(approvals, func(c workflow.ReceiveChannel, _ bool) {
			var req ApprovalRequest
			c.Receive(ctx, &req)
			signals.WithTags(map[string]string{"signal": ApprovalSignal}).Counter("draftpr_workflow_signals").Inc(1)
			logger.Info("Approval received", "approver", req.Approver, "plan_hash", req.PlanHash)
			next, actErr = approveAndContinue(ctx, in.JobID, req)
		})
		selector.AddReceive(revisions, func(c workflow.ReceiveChannel, _ bool) {
			var req RevisionRequest
			c.Receive(ctx, &req)
			signals.WithTags(map[string]string{"signal": ReviseSignal}).Counter("draftpr_workflow_signals").Inc(1)
			logger.Info("Revision requested", "feedback_type", req.Feedback.Type)
			actErr = workflow.ExecuteActivity(ctx, a.RevisePlan, ReviseInput{
				JobID:    in.JobID,
				Feedback: req.Feedback,
			}).Get(ctx, &next)
			if actErr == nil {
				status.Revisions++
			}
		})
		selector.AddReceive(cancels, func(c workflow.ReceiveChannel, _ bool) {
			var req CancelRequest
			c.Receive(ctx, &req)
			signals.WithTags(map[string]string{"signal": CancelSignal}).Counter("draftpr_workflow_signals").Inc(1)
			logger.Info("Cancellation requested", "reason", req.Reason)
			next, actErr = cancelJob(ctx, in.JobID, req.Reason)
		})
		if timer != nil {
			selector.AddFuture(timer, func(workflow.Future) {
				logger.Warn("Approval timed out", "timeout", in.ApprovalTimeout)
				timer = nil
				next, actErr = cancelJob(ctx, in.JobID, approvalTimeoutReason)
			})
		}
		selector.Select(ctx)

		if actErr != nil {
			if isRejectedSignal(actErr) {
				logger.Warn("Signal rejected, still waiting for approval", "error", actErr)
				status.LastError = actErr.Error()
				continue
			}
			status.fail(actErr)
			return nil, actErr
		}
		res = next
		status.update(res)
	}

	logger.Info("Draft PR workflow finished", "job_id", in.JobID, "stage", res.Stage)
	return res, nil
}

func approveAndContinue(ctx workflow.Context, jobID string, req ApprovalRequest) (*pipeline.Result, error) {
	var a *Activities
	var approval *plan.Approval
	if err := workflow.ExecuteActivity(ctx, a.ApprovePlan, ApproveInput{
		JobID:    jobID,
		PlanHash: req.PlanHash,
		Approver: req.Approver,
		Notes:    req.Notes,
	}).Get(ctx, &approval); err != nil {
		return nil, err
	}
	var res *pipeline.Result
	err := workflow.ExecuteActivity(ctx, a.ContinuePipeline, ContinueInput{
		JobID:    jobID,
		PlanHash: approval.PlanHash,
		Approver: approval.Approver,
	}).Get(ctx, &res)
	return res, err
}

func cancelJob(ctx workflow.Context, jobID, reason string) (*pipeline.Result, error) {
	var a *Activities
	var res *pipeline.Result
	err := workflow.ExecuteActivity(ctx, a.CancelJob, CancelInput{JobID: jobID, Reason: reason}).Get(ctx, &res)
	return res, err
}

func (s *WorkflowStatus) update(res *pipeline.Result) {
	if res == nil {
		return
	}
	s.Stage = res.Stage
	s.AwaitingApproval = res.RequiresApproval && res.Stage == pipeline.StageWaitingForApproval
	if n := len(res.PlanVersions); n > 0 {
		s.LatestPlanHash = res.PlanVersions[n-1].Hash
	}
	s.LastError = ""
	if res.Failure != nil {
		s.LastError = res.Failure.Error
	}
}

func (s *WorkflowStatus) fail(err error) {
	s.Stage = pipeline.StageFailed
	s.AwaitingApproval = false
	s.LastError = err.Error()
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() == ErrTypeWrongStage {
		// The job moved on outside this workflow; its real stage is in the store.
		s.Stage = ""
	}
}
