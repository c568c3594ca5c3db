package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/draftpr/internal/applier"
	"github.com/fyrsmithlabs/draftpr/internal/packager"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/policy"
	"github.com/fyrsmithlabs/draftpr/internal/prcreator"
	"github.com/fyrsmithlabs/draftpr/internal/verifier"
)

var (
	// ErrCancelled is recorded when a job stops on a cancellation request.
	ErrCancelled = errors.New("job cancelled")

	// ErrUnknownPlanHash is returned when no stored version has the hash.
	ErrUnknownPlanHash = errors.New("no plan version with that hash")

	// ErrStaleApproval is returned when a hash names a superseded version.
	ErrStaleApproval = errors.New("plan hash belongs to a superseded version")

	// ErrJobExists is returned when Run is called for a job that already started.
	ErrJobExists = errors.New("job already exists")

	// ErrVerificationFailed is the failure text of a job whose checks failed.
	ErrVerificationFailed = errors.New("verification failed")
)

// StageError is returned when an operation needs the job in another stage.
type StageError struct {
	JobID string
	Stage Stage
	Want  Stage
}

func (e *StageError) Error() string {
	return fmt.Sprintf("job %s is in stage %s, expected %s", e.JobID, e.Stage, e.Want)
}

// InputSpec is the story a job was started from. It is persisted as the
// input_spec artifact and is the only input a resumed job needs.
type InputSpec struct {
	StoryKey          string         `json:"story_key,omitempty" yaml:"story_key"`
	StorySummary      string         `json:"story_summary" yaml:"story_summary"`
	StoryDescription  string         `json:"story_description,omitempty" yaml:"story_description"`
	Repos             []plan.RepoRef `json:"repos" yaml:"repos"`
	Scope             plan.Scope     `json:"scope" yaml:"scope"`
	AdditionalContext string         `json:"additional_context,omitempty" yaml:"additional_context"`
	Mode              Mode           `json:"mode" yaml:"mode"`
	DestinationBranch string         `json:"destination_branch,omitempty" yaml:"destination_branch"`
	UseCodeAware      bool           `json:"use_code_aware,omitempty" yaml:"use_code_aware"`
}

// Validate checks the fields the pipeline cannot run without.
func (in *InputSpec) Validate() error {
	if in.StorySummary == "" {
		return errors.New("story summary is required")
	}
	if len(in.Repos) == 0 {
		return errors.New("at least one repository is required")
	}
	for i, r := range in.Repos {
		if r.URL == "" {
			return fmt.Errorf("repos[%d]: url is required", i)
		}
	}
	if _, err := ParseMode(string(in.Mode)); err != nil {
		return err
	}
	return nil
}

// Failure is the user-visible record of a failed job.
type Failure struct {
	Stage        Stage  `json:"stage"`
	Error        string `json:"error"`
	RolledBack   *bool  `json:"rolled_back,omitempty"`
	BranchPushed string `json:"branch_pushed,omitempty"`
}

// Result is what a pipeline call reports back to its caller.
type Result struct {
	JobID            string             `json:"job_id"`
	Stage            Stage              `json:"stage"`
	RequiresApproval bool               `json:"requires_approval"`
	PlanVersions     []*plan.Version    `json:"plan_versions,omitempty"`
	Comparison       *plan.Comparison   `json:"comparison,omitempty"`
	PolicyEvaluation *policy.Evaluation `json:"policy_evaluation,omitempty"`
	ApprovedHash     string             `json:"approved_hash,omitempty"`
	Apply            *applier.Outcome   `json:"apply,omitempty"`
	Verification     *verifier.Result   `json:"verification,omitempty"`
	Package          *packager.Metadata `json:"package,omitempty"`
	PR               *prcreator.Result  `json:"pr,omitempty"`
	Failure          *Failure           `json:"failure,omitempty"`
}

// Transition is one recorded stage change.
type Transition struct {
	From Stage     `json:"from"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
}

// JobState is the orchestrator-owned job_state artifact.
type JobState struct {
	JobID         string            `json:"job_id"`
	Stage         Stage             `json:"stage"`
	Mode          Mode              `json:"mode"`
	LatestVersion int               `json:"latest_version"`
	ApprovedHash  string            `json:"approved_hash,omitempty"`
	Failure       *Failure          `json:"failure,omitempty"`
	PR            *prcreator.Result `json:"pr,omitempty"`
	History       []Transition      `json:"history"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// VersionInfo summarizes a stored plan version.
type VersionInfo struct {
	Version     int       `json:"version"`
	Hash        string    `json:"plan_hash"`
	GeneratedBy string    `json:"generated_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobStatus is the job aggregate reconstructed from artifacts.
type JobStatus struct {
	JobID        string            `json:"job_id"`
	Stage        Stage             `json:"stage"`
	Mode         Mode              `json:"mode"`
	PlanVersions []VersionInfo     `json:"plan_versions"`
	ApprovedHash string            `json:"approved_hash,omitempty"`
	Approval     *plan.Approval    `json:"approval,omitempty"`
	Failure      *Failure          `json:"failure,omitempty"`
	PR           *prcreator.Result `json:"pr,omitempty"`
	Artifacts    []string          `json:"artifacts"`
	History      []Transition      `json:"history"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// StageEvent is sent to the Notifier on every transition.
type StageEvent struct {
	JobID string    `json:"job_id"`
	From  Stage     `json:"from"`
	To    Stage     `json:"to"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}
