package workflows

import (
	"time"

	"github.com/fyrsmithlabs/draftpr/internal/pipeline"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
)

// Signal and query names understood by DraftPRWorkflow.
const (
	ApprovalSignal = "approval"
	ReviseSignal   = "revise"
	CancelSignal   = "cancel"
	StatusQuery    = "status"
)

// DraftPRInput starts a DraftPRWorkflow.
type DraftPRInput struct {
	JobID string             // Job identifier, also used as the workflow ID
	Input pipeline.InputSpec // Story and repositories

	// ApprovalTimeout cancels the job when no approval arrives in time.
	// Zero waits forever.
	ApprovalTimeout time.Duration

	// ActivityTimeout bounds each pipeline call. Default: 1h
	ActivityTimeout time.Duration
}

// ApprovalRequest is the payload of the approval signal.
type ApprovalRequest struct {
	PlanHash string
	Approver string
	Notes    string
}

// RevisionRequest is the payload of the revise signal.
type RevisionRequest struct {
	Feedback plan.Feedback
}

// CancelRequest is the payload of the cancel signal.
type CancelRequest struct {
	Reason string
}

// WorkflowStatus is returned by the status query.
type WorkflowStatus struct {
	JobID            string
	Stage            pipeline.Stage
	LatestPlanHash   string
	Revisions        int
	AwaitingApproval bool
	LastError        string
}

// ApproveInput is the input of ApprovePlan.
type ApproveInput struct {
	JobID    string
	PlanHash string
	Approver string
	Notes    string
}

// ContinueInput is the input of ContinuePipeline.
type ContinueInput struct {
	JobID    string
	PlanHash string
	Approver string
}

// ReviseInput is the input of RevisePlan.
type ReviseInput struct {
	JobID    string
	Feedback plan.Feedback
}

// CancelInput is the input of CancelJob.
type CancelInput struct {
	JobID  string
	Reason string
}
