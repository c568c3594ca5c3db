// Package plan defines versioned change plans: their schema, canonical hash,
// hash chain and structural comparison.
package plan

import (
	"time"
)

// ChangeKind is the kind of change a plan declares for a file.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreate, ChangeModify, ChangeDelete:
		return true
	}
	return false
}

// FileChange is one file in a plan's scope.
type FileChange struct {
	Path   string     `json:"path" yaml:"path"`
	Change ChangeKind `json:"change" yaml:"change"`
}

// Scope lists the files a plan is allowed to touch.
type Scope struct {
	Files []FileChange `json:"files" yaml:"files"`
}

// Paths returns the declared file paths in order.
func (s Scope) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// FailureMode describes how the change could fail.
type FailureMode struct {
	Trigger    string `json:"trigger"`
	Impact     string `json:"impact"`
	Mitigation string `json:"mitigation,omitempty"`
}

// TestKind is the level a planned test runs at.
type TestKind string

const (
	TestUnit        TestKind = "unit"
	TestIntegration TestKind = "integration"
	TestE2E         TestKind = "e2e"
)

// TestSpec is a test the plan commits to adding or running.
type TestSpec struct {
	Type   TestKind `json:"type"`
	Target string   `json:"target"`
}

// CrossRepoImpact flags a repository outside the job that the change affects.
type CrossRepoImpact struct {
	Repo   string `json:"repo"`
	Reason string `json:"reason,omitempty"`
}

// Spec is the structured change specification.
type Spec struct {
	Summary          string            `json:"summary"`
	Scope            Scope             `json:"scope"`
	HappyPaths       []string          `json:"happy_paths"`
	EdgeCases        []string          `json:"edge_cases"`
	FailureModes     []FailureMode     `json:"failure_modes"`
	Assumptions      []string          `json:"assumptions"`
	Unknowns         []string          `json:"unknowns"`
	Tests            []TestSpec        `json:"tests"`
	Rollback         []string          `json:"rollback"`
	CrossRepoImpacts []CrossRepoImpact `json:"cross_repo_impacts"`
}

// FeedbackType categorizes reviewer feedback.
type FeedbackType string

const (
	FeedbackGeneral FeedbackType = "general"
	FeedbackScope   FeedbackType = "scope"
	FeedbackTests   FeedbackType = "tests"
	FeedbackSafety  FeedbackType = "safety"
	FeedbackOther   FeedbackType = "other"
)

// Feedback is a reviewer's response to a plan version.
type Feedback struct {
	Text             string       `json:"feedback_text"`
	SpecificConcerns []string     `json:"specific_concerns,omitempty"`
	RequestedChanges string       `json:"requested_changes,omitempty"`
	Type             FeedbackType `json:"feedback_type"`
	ProvidedBy       string       `json:"provided_by,omitempty"`
	ProvidedAt       time.Time    `json:"provided_at"`
}

// Provenance tags for Version.GeneratedBy.
const (
	GeneratedByCodeAware = "code-aware"
	GeneratedByText      = "text"
)

// Version is an immutable, numbered plan in a job's hash chain.
type Version struct {
	Version         int        `json:"version"`
	Spec            Spec       `json:"plan_spec"`
	Hash            string     `json:"plan_hash"`
	PreviousHash    *string    `json:"previous_version_hash"`
	FeedbackHistory []Feedback `json:"feedback_history"`
	GeneratedBy     string     `json:"generated_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ArtifactName is the artifact key this version is stored under.
func (v *Version) ArtifactName() string {
	return ArtifactName(v.Version)
}

// ShortHash returns the first 8 characters of the plan hash.
func (v *Version) ShortHash() string {
	if len(v.Hash) < 8 {
		return v.Hash
	}
	return v.Hash[:8]
}

// Approval binds a job to the exact plan hash a person approved.
type Approval struct {
	JobID      string    `json:"job_id"`
	PlanHash   string    `json:"plan_hash"`
	Approver   string    `json:"approver"`
	ApprovedAt time.Time `json:"approved_at"`
	Notes      string    `json:"notes,omitempty"`
}

// Matches reports whether the approval names v's hash.
func (a *Approval) Matches(v *Version) bool {
	return a != nil && v != nil && a.PlanHash != "" && a.PlanHash == v.Hash
}

// RepoRef is a repository URL at a ref.
type RepoRef struct {
	URL string `json:"url" yaml:"url"`
	Ref string `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// WorkspaceFingerprint binds the repository set and file scope a plan was
// generated against.
type WorkspaceFingerprint struct {
	Repos         []RepoRef `json:"repos"`
	SelectedPaths []string  `json:"selected_paths"`
	Hash          string    `json:"fingerprint_hash"`
	CreatedAt     time.Time `json:"created_at"`
}
