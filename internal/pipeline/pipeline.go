// Package pipeline drives a job through the draft PR state machine:
// planning, approval, apply, verify, package and draft PR creation.
//
// Every transition is persisted as the job_state artifact before work for
// the next stage starts, so a job can be resumed from storage alone.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/draftpr/internal/applier"
	"github.com/fyrsmithlabs/draftpr/internal/artifact"
	"github.com/fyrsmithlabs/draftpr/internal/generator"
	"github.com/fyrsmithlabs/draftpr/internal/logging"
	"github.com/fyrsmithlabs/draftpr/internal/packager"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/policy"
	"github.com/fyrsmithlabs/draftpr/internal/prcreator"
	"github.com/fyrsmithlabs/draftpr/internal/verifier"
)

var tracer = otel.Tracer("draftpr/pipeline")

// PolicyApprover is the approver recorded for plans approved in YOLO mode.
const PolicyApprover = "yolo-policy"

// Artifacts is the subset of the artifact store the pipeline uses.
type Artifacts interface {
	Put(ctx context.Context, jobID, name string, data []byte, meta map[string]string) (string, error)
	PutJSON(ctx context.Context, jobID, name string, v any, meta map[string]string) (string, error)
	GetJSON(ctx context.Context, jobID, name string, v any) error
	List(ctx context.Context, jobID string) ([]string, error)
}

// Workspaces provisions per-job working copies.
type Workspaces interface {
	Create(ctx context.Context, jobID string, repos []plan.RepoRef) (string, error)
	Ensure(ctx context.Context, jobID string, repos []plan.RepoRef) (string, error)
}

// PlanGenerator produces plan versions.
type PlanGenerator interface {
	Generate(ctx context.Context, in generator.GenerateInput) (*plan.Version, error)
	Revise(ctx context.Context, in generator.ReviseInput) (*plan.Version, error)
}

// CodeApplier applies an approved plan to a workspace.
type CodeApplier interface {
	Apply(ctx context.Context, jobID, workspacePath string, v *plan.Version) (*applier.Outcome, error)
}

// CodeVerifier runs the configured checks in a working copy.
type CodeVerifier interface {
	Verify(ctx context.Context, workingCopy string) (*verifier.Result, error)
}

// Packager builds the diff and PR metadata.
type Packager interface {
	Package(ctx context.Context, in packager.Input) (*packager.Package, error)
}

// PRCreator pushes a branch and opens a draft PR.
type PRCreator interface {
	Create(ctx context.Context, in prcreator.Input) (*prcreator.Result, error)
}

// ApplyLocker grants exclusive access to a job's working copy. The returned
// function releases it.
type ApplyLocker interface {
	LockApply(ctx context.Context, jobID string) (func(context.Context) error, error)
}

// CancellationSource reports whether a job was asked to stop.
type CancellationSource interface {
	IsCancelled(ctx context.Context, jobID string) (bool, error)
}

// Notifier receives stage events.
type Notifier interface {
	Publish(ctx context.Context, jobID string, event any) error
}

// Deps are the collaborators of a Pipeline. Locker, Cancellation and
// Notifier are optional.
type Deps struct {
	Artifacts    Artifacts
	Workspaces   Workspaces
	Generator    PlanGenerator
	Applier      CodeApplier
	Verifier     CodeVerifier
	Packager     Packager
	PRCreator    PRCreator
	Policy       policy.Policy
	Locker       ApplyLocker
	Cancellation CancellationSource
	Notifier     Notifier
	Logger       *logging.Logger
	Metrics      *Metrics

	// CancelPollInterval is how often the Cancellation source is polled
	// while the execution backend runs. Zero means two seconds.
	CancelPollInterval time.Duration
}

const defaultCancelPollInterval = 2 * time.Second

// Pipeline is the orchestrator. It is safe for concurrent use across jobs;
// calls for the same job must be serialized by the caller or the Locker.
type Pipeline struct {
	artifacts  Artifacts
	workspaces Workspaces
	generator  PlanGenerator
	applier    CodeApplier
	verifier   CodeVerifier
	packager   Packager
	prs        PRCreator
	policy     policy.Policy
	locker     ApplyLocker
	cancel     CancellationSource
	notifier   Notifier
	logger     *logging.Logger
	metrics    *Metrics
	now        func() time.Time
	pollEvery  time.Duration
}

// New validates d and returns a Pipeline.
func New(d Deps) (*Pipeline, error) {
	var missing []string
	if d.Artifacts == nil {
		missing = append(missing, "artifacts")
	}
	if d.Workspaces == nil {
		missing = append(missing, "workspaces")
	}
	if d.Generator == nil {
		missing = append(missing, "generator")
	}
	if d.Applier == nil {
		missing = append(missing, "applier")
	}
	if d.Verifier == nil {
		missing = append(missing, "verifier")
	}
	if d.Packager == nil {
		missing = append(missing, "packager")
	}
	if d.PRCreator == nil {
		missing = append(missing, "pr creator")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: missing dependencies: %s", strings.Join(missing, ", "))
	}
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics()
	}
	if d.CancelPollInterval <= 0 {
		d.CancelPollInterval = defaultCancelPollInterval
	}
	return &Pipeline{
		artifacts:  d.Artifacts,
		workspaces: d.Workspaces,
		generator:  d.Generator,
		applier:    d.Applier,
		verifier:   d.Verifier,
		packager:   d.Packager,
		prs:        d.PRCreator,
		policy:     d.Policy,
		locker:     d.Locker,
		cancel:     d.Cancellation,
		notifier:   d.Notifier,
		logger:     d.Logger.Named("pipeline"),
		metrics:    d.Metrics,
		now:        time.Now,
		pollEvery:  d.CancelPollInterval,
	}, nil
}

// job is the in-flight view of one job during a pipeline call.
type job struct {
	state   *JobState
	result  *Result
	entered time.Time
}

// Run starts a new job: it persists the input, clones the workspace and
// generates plan v1. In YOLO mode a compliant plan continues straight into
// APPLYING; otherwise the result asks for approval.
func (p *Pipeline) Run(ctx context.Context, jobID string, in InputSpec) (*Result, error) {
	ctx = logging.WithJobID(ctx, jobID)
	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()
	p.metrics.ActiveJobs.Inc()
	defer p.metrics.ActiveJobs.Dec()

	res, err := p.run(ctx, jobID, in)
	p.recordOutcome(span, res, err)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, jobID string, in InputSpec) (*Result, error) {
	if in.Mode == "" {
		in.Mode = ModeNormal
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if _, err := p.loadState(ctx, jobID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, jobID)
	} else if !errors.Is(err, artifact.ErrNotFound) {
		return nil, err
	}

	now := p.now().UTC()
	j := &job{
		state: &JobState{
			JobID:     jobID,
			Stage:     StageCreated,
			Mode:      in.Mode,
			History:   []Transition{},
			CreatedAt: now,
			UpdatedAt: now,
		},
		result:  &Result{JobID: jobID, Stage: StageCreated},
		entered: now,
	}
	if err := p.saveState(ctx, j.state); err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "job created", zap.String("mode", string(in.Mode)), zap.Int("repos", len(in.Repos)))

	if err := p.advance(ctx, j, StagePlanning); err != nil {
		return p.fail(ctx, j, err)
	}
	ctx = logging.WithStage(ctx, string(StagePlanning))

	if _, err := p.artifacts.PutJSON(ctx, jobID, artifact.InputSpec, in, nil); err != nil {
		return p.fail(ctx, j, err)
	}
	wsPath, err := p.workspaces.Create(ctx, jobID, in.Repos)
	if err != nil {
		return p.fail(ctx, j, err)
	}
	fp, err := plan.FingerprintWorkspace(in.Repos, in.Scope.Paths())
	if err != nil {
		return p.fail(ctx, j, err)
	}
	if _, err := p.artifacts.PutJSON(ctx, jobID, artifact.WorkspaceFingerprint, fp, nil); err != nil {
		return p.fail(ctx, j, err)
	}
	if err := p.checkCancelled(ctx, jobID); err != nil {
		return p.fail(ctx, j, err)
	}

	scope := in.Scope
	v1, err := p.generator.Generate(ctx, generator.GenerateInput{
		JobID:             jobID,
		StoryKey:          in.StoryKey,
		StorySummary:      in.StorySummary,
		StoryDescription:  in.StoryDescription,
		Scope:             &scope,
		Repos:             in.Repos,
		AdditionalContext: in.AdditionalContext,
		UseCodeAware:      in.UseCodeAware,
		WorkspacePath:     wsPath,
	})
	if err != nil {
		return p.fail(ctx, j, err)
	}
	if err := p.saveVersion(ctx, jobID, v1); err != nil {
		return p.fail(ctx, j, err)
	}
	j.state.LatestVersion = v1.Version
	j.result.PlanVersions = []*plan.Version{v1}

	if err := p.advance(ctx, j, StageWaitingForApproval); err != nil {
		return p.fail(ctx, j, err)
	}
	ctx = logging.WithStage(ctx, string(StageWaitingForApproval))

	eval := p.evaluate(ctx, jobID, v1)
	j.result.PolicyEvaluation = eval

	if in.Mode == ModeYOLO {
		if eval.Compliant {
			p.logger.Info(ctx, "plan auto-approved by policy", zap.String("plan_hash", v1.ShortHash()))
			if _, err := p.approve(ctx, jobID, v1, PolicyApprover, "auto-approved by YOLO policy"); err != nil {
				return p.fail(ctx, j, err)
			}
			res, err := p.continueWithLock(ctx, jobID, v1.Hash, PolicyApprover)
			if res != nil {
				res.PolicyEvaluation = eval
			}
			return res, err
		}
		p.logger.Info(ctx, "plan not eligible for auto-approval", zap.Strings("violations", eval.Violations))
	}

	j.result.RequiresApproval = true
	p.logger.Info(ctx, "plan awaiting approval", zap.String("plan_hash", v1.ShortHash()))
	return j.result, nil
}

// ContinueAfterApproval resumes a job waiting for approval. All state is
// read back from the artifact store; approvedHash must name the latest plan
// version.
func (p *Pipeline) ContinueAfterApproval(ctx context.Context, jobID, approvedHash, approver string) (*Result, error) {
	ctx = logging.WithJobID(ctx, jobID)
	ctx, span := tracer.Start(ctx, "pipeline.ContinueAfterApproval", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()
	p.metrics.ActiveJobs.Inc()
	defer p.metrics.ActiveJobs.Dec()

	res, err := p.continueWithLock(ctx, jobID, approvedHash, approver)
	p.recordOutcome(span, res, err)
	return res, err
}

func (p *Pipeline) continueWithLock(ctx context.Context, jobID, approvedHash, approver string) (*Result, error) {
	if p.locker != nil {
		release, err := p.locker.LockApply(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("acquiring apply lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn(ctx, "failed to release apply lock", zap.Error(err))
			}
		}()
	}
	return p.continueJob(ctx, jobID, approvedHash, approver)
}

func (p *Pipeline) continueJob(ctx context.Context, jobID, approvedHash, approver string) (*Result, error) {
	state, err := p.loadState(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if state.Stage != StageWaitingForApproval {
		return nil, &StageError{JobID: jobID, Stage: state.Stage, Want: StageWaitingForApproval}
	}
	j := &job{
		state:   state,
		result:  &Result{JobID: jobID, Stage: state.Stage, ApprovedHash: approvedHash},
		entered: p.now(),
	}

	var in InputSpec
	if err := p.artifacts.GetJSON(ctx, jobID, artifact.InputSpec, &in); err != nil {
		return nil, fmt.Errorf("loading input spec: %w", err)
	}
	if err := p.checkCancelled(ctx, jobID); err != nil {
		return p.fail(ctx, j, err)
	}

	v, err := p.resolveVersion(ctx, jobID, state.LatestVersion, approvedHash)
	if err != nil {
		var hie *plan.HashIntegrityError
		if errors.As(err, &hie) {
			return p.fail(ctx, j, err)
		}
		return nil, err
	}
	j.result.PlanVersions = []*plan.Version{v}

	if err := p.ensureApproval(ctx, jobID, v, approver); err != nil {
		return p.fail(ctx, j, err)
	}
	wsPath, err := p.workspaces.Ensure(ctx, jobID, in.Repos)
	if err != nil {
		return p.fail(ctx, j, err)
	}
	if err := p.checkCancelled(ctx, jobID); err != nil {
		return p.fail(ctx, j, err)
	}

	// Re-verify immediately before mutating the working copy.
	if err := p.recheck(ctx, jobID, v); err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return nil, err
		}
		return p.fail(ctx, j, err)
	}
	j.state.ApprovedHash = v.Hash

	if err := p.advance(ctx, j, StageApplying); err != nil {
		return p.fail(ctx, j, err)
	}
	ctx = logging.WithStage(ctx, string(StageApplying))
	applyCtx, stopWatch := p.watchCancellation(ctx, jobID)
	outcome, err := p.applier.Apply(applyCtx, jobID, wsPath, v)
	stopWatch()
	if err != nil {
		return p.fail(ctx, j, err)
	}
	j.result.Apply = outcome
	if _, err := p.artifacts.Put(ctx, jobID, artifact.GitDiff, []byte(outcome.Diff), map[string]string{
		"checkpoint": outcome.Checkpoint,
		"commit":     outcome.Commit,
	}); err != nil {
		return p.fail(ctx, j, err)
	}
	if err := p.checkCancelled(ctx, jobID); err != nil {
		return p.fail(ctx, j, err)
	}

	if err := p.advance(ctx, j, StageVerifying); err != nil {
		return p.fail(ctx, j, err)
	}
	ctx = logging.WithStage(ctx, string(StageVerifying))
	vr, err := p.verifier.Verify(ctx, outcome.RepoPath)
	if err != nil {
		return p.fail(ctx, j, err)
	}
	j.result.Verification = vr
	if _, err := p.artifacts.Put(ctx, jobID, artifact.ValidationLogs, []byte(renderValidationLogs(vr)), nil); err != nil {
		return p.fail(ctx, j, err)
	}
	if !vr.Passed {
		p.markFailed(ctx, j, ErrVerificationFailed)
		return j.result, nil
	}
	if err := p.checkCancelled(ctx, jobID); err != nil {
		return p.fail(ctx, j, err)
	}

	if err := p.advance(ctx, j, StagePackaging); err != nil {
		return p.fail(ctx, j, err)
	}
	ctx = logging.WithStage(ctx, string(StagePackaging))
	pkg, err := p.packager.Package(ctx, packager.Input{
		RepoPath:     outcome.RepoPath,
		Checkpoint:   outcome.Checkpoint,
		Commit:       outcome.Commit,
		Version:      v,
		Verification: vr,
	})
	if err != nil {
		return p.fail(ctx, j, err)
	}
	j.result.Package = &pkg.Metadata
	if _, err := p.artifacts.PutJSON(ctx, jobID, artifact.PRMetadata, pkg.Metadata, nil); err != nil {
		return p.fail(ctx, j, err)
	}
	if _, err := p.artifacts.Put(ctx, jobID, artifact.GitDiff, []byte(pkg.Diff), map[string]string{
		"checkpoint": outcome.Checkpoint,
		"commit":     outcome.Commit,
	}); err != nil {
		return p.fail(ctx, j, err)
	}
	if err := p.checkCancelled(ctx, jobID); err != nil {
		return p.fail(ctx, j, err)
	}

	if err := p.advance(ctx, j, StageDrafting); err != nil {
		return p.fail(ctx, j, err)
	}
	ctx = logging.WithStage(ctx, string(StageDrafting))
	pr, err := p.prs.Create(ctx, prcreator.Input{
		RepoPath:          outcome.RepoPath,
		JobID:             jobID,
		TicketKey:         in.StoryKey,
		DestinationBranch: in.DestinationBranch,
		Version:           v,
		Metadata:          pkg.Metadata,
	})
	if err != nil {
		var pce *prcreator.PRCreationError
		if errors.As(err, &pce) {
			rec := prRecovery{PRCreationError: pce, Error: pce.Err.Error()}
			if _, perr := p.artifacts.PutJSON(context.WithoutCancel(ctx), jobID, artifact.PRRecovery, rec, nil); perr != nil {
				p.logger.Error(ctx, "failed to store PR recovery record", zap.Error(perr))
			}
		}
		return p.fail(ctx, j, err)
	}
	j.result.PR = pr
	j.state.PR = pr

	if err := p.advance(ctx, j, StageCompleted); err != nil {
		return p.fail(ctx, j, err)
	}
	p.logger.Info(ctx, "job completed", zap.Int("pr", pr.Number), zap.String("pr_url", pr.URL))
	return j.result, nil
}

// Revise produces the next plan version from feedback and returns the job
// to WAITING_FOR_APPROVAL. Any earlier approval no longer applies.
func (p *Pipeline) Revise(ctx context.Context, jobID string, fb plan.Feedback) (*Result, error) {
	ctx = logging.WithJobID(ctx, jobID)
	ctx, span := tracer.Start(ctx, "pipeline.Revise", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	res, err := p.revise(ctx, jobID, fb)
	p.recordOutcome(span, res, err)
	return res, err
}

func (p *Pipeline) revise(ctx context.Context, jobID string, fb plan.Feedback) (*Result, error) {
	if strings.TrimSpace(fb.Text) == "" {
		return nil, errors.New("feedback text is required")
	}
	if fb.Type == "" {
		fb.Type = plan.FeedbackGeneral
	}
	if fb.ProvidedAt.IsZero() {
		fb.ProvidedAt = p.now().UTC()
	}

	state, err := p.loadState(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if state.Stage != StageWaitingForApproval {
		return nil, &StageError{JobID: jobID, Stage: state.Stage, Want: StageWaitingForApproval}
	}
	j := &job{state: state, result: &Result{JobID: jobID, Stage: state.Stage}, entered: p.now()}

	var in InputSpec
	if err := p.artifacts.GetJSON(ctx, jobID, artifact.InputSpec, &in); err != nil {
		return nil, fmt.Errorf("loading input spec: %w", err)
	}
	prev, err := p.loadVersion(ctx, jobID, state.LatestVersion)
	if err != nil {
		return nil, err
	}

	if err := p.advance(ctx, j, StagePlanning); err != nil {
		return p.fail(ctx, j, err)
	}
	ctx = logging.WithStage(ctx, string(StagePlanning))

	wsPath, err := p.workspaces.Ensure(ctx, jobID, in.Repos)
	if err != nil {
		return p.fail(ctx, j, err)
	}
	next, err := p.generator.Revise(ctx, generator.ReviseInput{
		JobID:         jobID,
		Previous:      prev,
		Feedback:      fb,
		Repos:         in.Repos,
		UseCodeAware:  in.UseCodeAware,
		WorkspacePath: wsPath,
	})
	if err != nil {
		return p.fail(ctx, j, err)
	}
	if err := p.saveVersion(ctx, jobID, next); err != nil {
		return p.fail(ctx, j, err)
	}
	cmp, err := plan.Compare(prev, next)
	if err != nil {
		return p.fail(ctx, j, err)
	}
	if _, err := p.artifacts.PutJSON(ctx, jobID, artifact.PlanComparison(next.Version), cmp, nil); err != nil {
		return p.fail(ctx, j, err)
	}
	j.state.LatestVersion = next.Version
	j.state.ApprovedHash = ""
	j.result.PlanVersions = []*plan.Version{prev, next}
	j.result.Comparison = cmp

	if err := p.advance(ctx, j, StageWaitingForApproval); err != nil {
		return p.fail(ctx, j, err)
	}
	j.result.PolicyEvaluation = p.evaluate(ctx, jobID, next)
	j.result.RequiresApproval = true
	p.logger.Info(ctx, "plan revised",
		zap.Int("version", next.Version),
		zap.Strings("changed_sections", cmp.ChangedSections),
	)
	return j.result, nil
}

// Approve records approver's approval of planHash, which must name the
// latest plan version of a job waiting for approval.
func (p *Pipeline) Approve(ctx context.Context, jobID, planHash, approver, notes string) (*plan.Approval, error) {
	ctx = logging.WithJobID(ctx, jobID)
	ctx, span := tracer.Start(ctx, "pipeline.Approve", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	if approver == "" {
		return nil, errors.New("approver is required")
	}
	state, err := p.loadState(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if state.Stage != StageWaitingForApproval {
		return nil, &StageError{JobID: jobID, Stage: state.Stage, Want: StageWaitingForApproval}
	}
	v, err := p.resolveVersion(ctx, jobID, state.LatestVersion, planHash)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return p.approve(ctx, jobID, v, approver, notes)
}

// Cancel moves a job that is waiting for approval to FAILED. A job that is
// executing a stage stops on the CancellationSource instead.
func (p *Pipeline) Cancel(ctx context.Context, jobID, reason string) (*Result, error) {
	ctx = logging.WithJobID(ctx, jobID)
	state, err := p.loadState(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if state.Stage != StageWaitingForApproval {
		return nil, &StageError{JobID: jobID, Stage: state.Stage, Want: StageWaitingForApproval}
	}
	j := &job{state: state, result: &Result{JobID: jobID, Stage: state.Stage}, entered: state.UpdatedAt}
	cause := ErrCancelled
	if reason != "" {
		cause = fmt.Errorf("%w: %s", ErrCancelled, reason)
	}
	p.markFailed(ctx, j, cause)
	return j.result, nil
}

// Status reconstructs the job aggregate from its artifacts.
func (p *Pipeline) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	state, err := p.loadState(ctx, jobID)
	if err != nil {
		return nil, err
	}
	names, err := p.artifacts.List(ctx, jobID)
	if err != nil {
		return nil, err
	}
	st := &JobStatus{
		JobID:        jobID,
		Stage:        state.Stage,
		Mode:         state.Mode,
		PlanVersions: make([]VersionInfo, 0, state.LatestVersion),
		ApprovedHash: state.ApprovedHash,
		Failure:      state.Failure,
		PR:           state.PR,
		Artifacts:    names,
		History:      state.History,
		UpdatedAt:    state.UpdatedAt,
	}
	for n := 1; n <= state.LatestVersion; n++ {
		v, err := p.loadVersion(ctx, jobID, n)
		if err != nil {
			return nil, err
		}
		st.PlanVersions = append(st.PlanVersions, VersionInfo{
			Version:     v.Version,
			Hash:        v.Hash,
			GeneratedBy: v.GeneratedBy,
			CreatedAt:   v.CreatedAt,
		})
	}
	var a plan.Approval
	switch err := p.artifacts.GetJSON(ctx, jobID, artifact.Approval, &a); {
	case err == nil:
		st.Approval = &a
	case !errors.Is(err, artifact.ErrNotFound):
		return nil, err
	}
	return st, nil
}

func (p *Pipeline) approve(ctx context.Context, jobID string, v *plan.Version, approver, notes string) (*plan.Approval, error) {
	a := &plan.Approval{
		JobID:      jobID,
		PlanHash:   v.Hash,
		Approver:   approver,
		ApprovedAt: p.now().UTC(),
		Notes:      notes,
	}
	if _, err := p.artifacts.PutJSON(ctx, jobID, artifact.Approval, a, nil); err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "plan approved",
		zap.String("approver", approver),
		zap.Int("version", v.Version),
		zap.String("plan_hash", v.ShortHash()),
	)
	return a, nil
}

// ensureApproval keeps a stored approval that matches v and records one
// otherwise.
func (p *Pipeline) ensureApproval(ctx context.Context, jobID string, v *plan.Version, approver string) error {
	var existing plan.Approval
	err := p.artifacts.GetJSON(ctx, jobID, artifact.Approval, &existing)
	if err == nil && existing.Matches(v) {
		return nil
	}
	if err != nil && !errors.Is(err, artifact.ErrNotFound) {
		return err
	}
	if approver == "" {
		approver = "unknown"
	}
	_, err = p.approve(ctx, jobID, v, approver, "")
	return err
}

// resolveVersion finds the stored version with hash and verifies it. Only
// the latest version can be approved.
func (p *Pipeline) resolveVersion(ctx context.Context, jobID string, latest int, hash string) (*plan.Version, error) {
	if hash == "" {
		return nil, fmt.Errorf("%w: empty hash", ErrUnknownPlanHash)
	}
	for n := latest; n >= 1; n-- {
		v, err := p.loadVersion(ctx, jobID, n)
		if err != nil {
			return nil, err
		}
		if v.Hash != hash {
			continue
		}
		if err := plan.VerifyVersion(v); err != nil {
			return nil, err
		}
		if n != latest {
			return nil, fmt.Errorf("%w: %s is version %d, latest is %d", ErrStaleApproval, v.ShortHash(), n, latest)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPlanHash, hash)
}

// recheck re-reads the job stage and the approved plan from storage.
func (p *Pipeline) recheck(ctx context.Context, jobID string, v *plan.Version) error {
	state, err := p.loadState(ctx, jobID)
	if err != nil {
		return err
	}
	if state.Stage != StageWaitingForApproval {
		return &StageError{JobID: jobID, Stage: state.Stage, Want: StageWaitingForApproval}
	}
	if state.LatestVersion != v.Version {
		return fmt.Errorf("%w: version %d superseded by %d", ErrStaleApproval, v.Version, state.LatestVersion)
	}
	stored, err := p.loadVersion(ctx, jobID, v.Version)
	if err != nil {
		return err
	}
	if err := plan.VerifyVersion(stored); err != nil {
		return err
	}
	if stored.Hash != v.Hash {
		return &plan.HashIntegrityError{Version: v.Version, Stored: stored.Hash, Computed: v.Hash}
	}
	return nil
}

func (p *Pipeline) evaluate(ctx context.Context, jobID string, v *plan.Version) *policy.Evaluation {
	eval := p.policy.Evaluate(&v.Spec)
	if _, err := p.artifacts.PutJSON(ctx, jobID, artifact.PolicyEvaluation, eval, map[string]string{
		"plan_hash": v.Hash,
	}); err != nil {
		p.logger.Warn(ctx, "failed to store policy evaluation", zap.Error(err))
	}
	return &eval
}

func (p *Pipeline) checkCancelled(ctx context.Context, jobID string) error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrCancelled) {
			return cause
		}
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	if p.cancel == nil {
		return nil
	}
	cancelled, err := p.cancel.IsCancelled(ctx, jobID)
	if err != nil {
		p.logger.Warn(ctx, "cancellation check failed", zap.Error(err))
		return nil
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

// watchCancellation derives the context handed to the applier. The context is
// cancelled with ErrCancelled once the Cancellation source reports the job,
// and the applier re-checks the source itself before committing. The
// returned function stops the watcher.
func (p *Pipeline) watchCancellation(ctx context.Context, jobID string) (context.Context, func()) {
	if p.cancel == nil {
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				cancelled, err := p.cancel.IsCancelled(ctx, jobID)
				if err != nil {
					p.logger.Warn(ctx, "cancellation check failed", zap.Error(err))
					continue
				}
				if cancelled {
					p.logger.Info(ctx, "cancellation requested during apply")
					cancel(ErrCancelled)
					return
				}
			}
		}
	}()
	ctx = applier.WithCancelCheck(ctx, func(ctx context.Context) error {
		return p.checkCancelled(ctx, jobID)
	})
	return ctx, func() {
		close(done)
		cancel(nil)
	}
}

// advance moves the job to next and persists the new state.
func (p *Pipeline) advance(ctx context.Context, j *job, next Stage) error {
	from := j.state.Stage
	if !from.CanTransition(next) {
		return fmt.Errorf("illegal stage transition %s -> %s", from, next)
	}
	now := p.now().UTC()
	p.metrics.StageDuration.WithLabelValues(string(from)).Observe(now.Sub(j.entered).Seconds())
	j.entered = now

	j.state.Stage = next
	j.state.UpdatedAt = now
	j.state.History = append(j.state.History, Transition{From: from, To: next, At: now})
	j.result.Stage = next
	if err := p.saveState(ctx, j.state); err != nil {
		return fmt.Errorf("persisting transition to %s: %w", next, err)
	}
	p.metrics.TransitionTotal.WithLabelValues(string(next)).Inc()

	ev := StageEvent{JobID: j.state.JobID, From: from, To: next, At: now}
	if next == StageFailed && j.state.Failure != nil {
		ev.Error = j.state.Failure.Error
	}
	if p.notifier != nil {
		if err := p.notifier.Publish(ctx, j.state.JobID, ev); err != nil {
			p.logger.Warn(ctx, "failed to publish stage event", zap.Error(err))
		}
	}
	p.logger.Info(ctx, "stage transition", zap.String("from", string(from)), zap.String("to", string(next)))
	return nil
}

// markFailed records cause against the current stage and moves the job to
// FAILED. Persistence uses a context that ignores cancellation so a
// cancelled job still records why it stopped.
func (p *Pipeline) markFailed(ctx context.Context, j *job, cause error) {
	stage := j.state.Stage
	f := &Failure{Stage: stage, Error: cause.Error()}

	var gv *applier.GuardViolation
	var ae *applier.ApplicationError
	var pce *prcreator.PRCreationError
	switch {
	case errors.As(cause, &gv):
		f.RolledBack = boolPtr(true)
	case errors.As(cause, &ae):
		f.RolledBack = boolPtr(ae.RolledBack && ae.RollbackErr == nil)
	}
	if errors.As(cause, &pce) {
		f.BranchPushed = pce.Branch
	}
	j.state.Failure = f
	j.result.Failure = f
	p.metrics.StageFailures.WithLabelValues(string(stage)).Inc()

	if ae != nil && ae.Unrecoverable() {
		p.logger.Error(ctx, "rollback failed, working copy state unknown", zap.Error(cause))
	} else {
		p.logger.Error(ctx, "job failed", zap.String("failed_stage", string(stage)), zap.Error(cause))
	}

	if !stage.CanTransition(StageFailed) {
		return
	}
	if err := p.advance(context.WithoutCancel(ctx), j, StageFailed); err != nil {
		p.logger.Error(ctx, "failed to persist job failure", zap.Error(err))
	}
}

func (p *Pipeline) fail(ctx context.Context, j *job, cause error) (*Result, error) {
	p.markFailed(ctx, j, cause)
	return j.result, cause
}

func (p *Pipeline) recordOutcome(span trace.Span, res *Result, err error) {
	outcome := "error"
	switch {
	case res != nil && res.Stage == StageFailed:
		outcome = "failed"
	case res != nil && res.Stage == StageCompleted:
		outcome = "completed"
	case res != nil && res.RequiresApproval:
		outcome = "awaiting_approval"
	}
	p.metrics.RunsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("pipeline.outcome", outcome))
	if res != nil {
		span.SetAttributes(attribute.String("pipeline.stage", string(res.Stage)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (p *Pipeline) loadState(ctx context.Context, jobID string) (*JobState, error) {
	var st JobState
	if err := p.artifacts.GetJSON(ctx, jobID, artifact.JobState, &st); err != nil {
		return nil, err
	}
	if !st.Stage.Valid() {
		return nil, fmt.Errorf("job %s has unknown stage %q", jobID, st.Stage)
	}
	return &st, nil
}

func (p *Pipeline) saveState(ctx context.Context, st *JobState) error {
	_, err := p.artifacts.PutJSON(ctx, st.JobID, artifact.JobState, st, map[string]string{"stage": string(st.Stage)})
	return err
}

func (p *Pipeline) loadVersion(ctx context.Context, jobID string, n int) (*plan.Version, error) {
	var v plan.Version
	if err := p.artifacts.GetJSON(ctx, jobID, plan.ArtifactName(n), &v); err != nil {
		return nil, fmt.Errorf("loading plan version %d: %w", n, err)
	}
	return &v, nil
}

func (p *Pipeline) saveVersion(ctx context.Context, jobID string, v *plan.Version) error {
	_, err := p.artifacts.PutJSON(ctx, jobID, v.ArtifactName(), v, map[string]string{
		"plan_hash":    v.Hash,
		"generated_by": v.GeneratedBy,
	})
	return err
}

func renderValidationLogs(r *verifier.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", r.Summary)
	for _, c := range r.Checks {
		status := "PASSED"
		if !c.Passed() {
			status = "FAILED"
		}
		fmt.Fprintf(&b, "\n=== %s: %s (exit code %d, %s)\n$ %s\n", c.Name, status, c.ExitCode, c.Duration.Round(time.Millisecond), c.Command)
		if c.Failure != "" && c.Failure != verifier.FailureNone {
			fmt.Fprintf(&b, "failure: %s\n", c.Failure)
		}
		if c.Stdout != "" {
			fmt.Fprintf(&b, "--- stdout ---\n%s\n", strings.TrimRight(c.Stdout, "\n"))
		}
		if c.Stderr != "" {
			fmt.Fprintf(&b, "--- stderr ---\n%s\n", strings.TrimRight(c.Stderr, "\n"))
		}
	}
	return b.String()
}

// prRecovery is the pr_recovery artifact: everything needed to open the PR
// by hand for a branch that was pushed.
type prRecovery struct {
	*prcreator.PRCreationError
	Error string `json:"error"`
}

func boolPtr(b bool) *bool { return &b }
