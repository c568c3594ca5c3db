package workflows

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
)

// WorkflowID is the Temporal workflow ID used for a job.
func WorkflowID(jobID string) string {
	return "draftpr-" + jobID
}

// Client starts draft PR workflows and delivers signals to them.
type Client struct {
	temporal  client.Client
	taskQueue string
}

// NewClient wraps a connected Temporal client.
func NewClient(c client.Client, taskQueue string) *Client {
	return &Client{temporal: c, taskQueue: taskQueue}
}

// Start launches the workflow for in.JobID. Starting a job that already has
// a running workflow fails.
func (c *Client) Start(ctx context.Context, in DraftPRInput) (client.WorkflowRun, error) {
	run, err := c.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in.JobID),
		TaskQueue: c.taskQueue,
	}, DraftPRWorkflow, in)
	if err != nil {
		return nil, fmt.Errorf("starting workflow for job %s: %w", in.JobID, err)
	}
	return run, nil
}

// Approve sends an approval signal.
func (c *Client) Approve(ctx context.Context, jobID string, req ApprovalRequest) error {
	return c.signal(ctx, jobID, ApprovalSignal, req)
}

// Revise sends a revision signal.
func (c *Client) Revise(ctx context.Context, jobID string, req RevisionRequest) error {
	return c.signal(ctx, jobID, ReviseSignal, req)
}

// Cancel sends a cancel signal.
func (c *Client) Cancel(ctx context.Context, jobID, reason string) error {
	return c.signal(ctx, jobID, CancelSignal, CancelRequest{Reason: reason})
}

// Status queries the workflow's view of the job.
func (c *Client) Status(ctx context.Context, jobID string) (*WorkflowStatus, error) {
	v, err := c.temporal.QueryWorkflow(ctx, WorkflowID(jobID), "", StatusQuery)
	if err != nil {
		return nil, fmt.Errorf("querying workflow for job %s: %w", jobID, err)
	}
	var st WorkflowStatus
	if err := v.Get(&st); err != nil {
		return nil, fmt.Errorf("decoding workflow status: %w", err)
	}
	return &st, nil
}

// NotifyApproval forwards an approval recorded elsewhere to the waiting
// workflow.
func (c *Client) NotifyApproval(ctx context.Context, a *plan.Approval) error {
	return c.Approve(ctx, a.JobID, ApprovalRequest{
		PlanHash: a.PlanHash,
		Approver: a.Approver,
		Notes:    a.Notes,
	})
}

func (c *Client) signal(ctx context.Context, jobID, name string, arg any) error {
	if err := c.temporal.SignalWorkflow(ctx, WorkflowID(jobID), "", name, arg); err != nil {
		return fmt.Errorf("signalling %s to job %s: %w", name, jobID, err)
	}
	return nil
}
