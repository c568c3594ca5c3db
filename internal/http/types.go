package http

import "github.com/fyrsmithlabs/draftpr/internal/pipeline"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status     string                 `json:"status"` // "ok" or "degraded"
	Jobs       int                    `json:"jobs"`
	Stages     map[pipeline.Stage]int `json:"stages"`
	Unreadable int                    `json:"unreadable,omitempty"`
}

// JobListResponse is the response body for GET /api/v1/jobs.
type JobListResponse struct {
	Jobs []string `json:"jobs"`
}

// ArtifactListResponse is the response body for GET /api/v1/jobs/:id/artifacts.
type ArtifactListResponse struct {
	JobID     string   `json:"job_id"`
	Artifacts []string `json:"artifacts"`
}

// ApprovalRequest is the request body for POST /api/v1/jobs/:id/approval.
type ApprovalRequest struct {
	PlanHash string `json:"plan_hash"`
	Approver string `json:"approver"`
	Notes    string `json:"notes,omitempty"`
}
