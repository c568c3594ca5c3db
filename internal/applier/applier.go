// Package applier applies an approved plan to a job's working copy inside
// a transaction: checkpoint, dispatch to the execution backend, guard, then
// commit or roll back.
package applier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/sandbox"
	"github.com/fyrsmithlabs/draftpr/internal/vcs"
	"github.com/fyrsmithlabs/draftpr/internal/workspace"
)

var tracer = otel.Tracer("draftpr/applier")

// Outcome describes a committed apply.
type Outcome struct {
	Checkpoint   string         `json:"checkpoint_commit"`
	Commit       string         `json:"commit_hash"`
	ChangedFiles []string       `json:"changed_files"`
	LinesAdded   int            `json:"lines_added"`
	LinesRemoved int            `json:"lines_removed"`
	LOCDelta     int            `json:"loc_delta"`
	Diff         string         `json:"-"`
	FileStats    []vcs.FileStat `json:"file_stats"`
	Warnings     []string       `json:"warnings,omitempty"`
	RepoPath     string         `json:"repo_path"`
	Duration     time.Duration  `json:"duration"`
}

// Applier owns a working copy for the duration of one Apply call.
type Applier struct {
	exec   sandbox.Executor
	guard  Guard
	sig    vcs.Signature
	logger *zap.Logger
}

// Option configures an Applier.
type Option func(*Applier)

// WithSignature sets the author of checkpoint and apply commits.
func WithSignature(sig vcs.Signature) Option {
	return func(a *Applier) { a.sig = sig }
}

// New returns an Applier dispatching to exec.
func New(exec sandbox.Executor, guard Guard, logger *zap.Logger, opts ...Option) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Applier{exec: exec, guard: guard, sig: vcs.DefaultSignature, logger: logger}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply runs the plan against the primary repository in workspacePath. Any
// failure after the checkpoint rolls the working copy back to it; the caller
// never sees a half-applied tree.
func (a *Applier) Apply(ctx context.Context, jobID, workspacePath string, v *plan.Version) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "applier.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("plan.version", v.Version),
	)
	start := time.Now()

	out, err := a.apply(ctx, jobID, workspacePath, v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("apply.changed_files", len(out.ChangedFiles)),
		attribute.Int("apply.loc_delta", out.LOCDelta),
	)
	return out, nil
}

func (a *Applier) apply(ctx context.Context, jobID, workspacePath string, v *plan.Version) (*Outcome, error) {
	if a.exec == nil {
		return nil, &ApplicationError{Err: errors.New("no execution backend configured")}
	}
	repoPath, err := workspace.PrimaryRepo(workspacePath)
	if err != nil {
		return nil, &ApplicationError{Err: err}
	}
	repo, err := vcs.Open(repoPath)
	if err != nil {
		return nil, &ApplicationError{Err: err}
	}
	repo = repo.WithSignature(a.sig)

	tx, err := Begin(repo)
	if err != nil {
		return nil, &ApplicationError{Err: fmt.Errorf("beginning transaction: %w", err)}
	}
	if tx.CreatedCheckpoint {
		a.logger.Info("committed checkpoint of dirty working copy",
			zap.String("job_id", jobID),
			zap.String("checkpoint", tx.Checkpoint().String()),
		)
	}

	instruction, err := renderInstruction(&v.Spec)
	if err != nil {
		return nil, a.fail(jobID, tx, err)
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, a.fail(jobID, tx, err)
	}
	_, err = a.exec.Execute(ctx, sandbox.Request{
		JobID:         jobID,
		WorkspacePath: repoPath,
		Instruction:   instruction,
		Kind:          sandbox.KindCodeApplication,
	})
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
		return nil, a.fail(jobID, tx, err)
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, a.fail(jobID, tx, err)
	}

	// Commits made by the backend are folded back into the working tree so
	// the guard sees every change since the checkpoint.
	if head, err := repo.Head(); err != nil {
		return nil, a.fail(jobID, tx, err)
	} else if head != tx.Checkpoint() {
		if err := repo.ResetMixed(tx.Checkpoint()); err != nil {
			return nil, a.fail(jobID, tx, err)
		}
	}

	changed, err := repo.ChangedFiles()
	if err != nil {
		return nil, a.fail(jobID, tx, err)
	}
	delta, err := repo.WorkingTreeDelta(tx.Checkpoint())
	if err != nil {
		return nil, a.fail(jobID, tx, err)
	}
	a.logger.Info("execution backend finished apply",
		zap.String("job_id", jobID),
		zap.Int("changed_files", len(changed)),
		zap.Int("loc_delta", delta.Net()),
	)

	warnings, err := a.guard.Check(&v.Spec, changed, delta)
	for _, w := range warnings {
		a.logger.Warn(w, zap.String("job_id", jobID))
	}
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return nil, &ApplicationError{Err: err, WorkspaceModified: true, RollbackErr: rbErr}
		}
		a.logger.Warn("plan-apply guard rejected changes",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return nil, err
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, a.fail(jobID, tx, err)
	}
	commit, err := tx.Commit(fmt.Sprintf("Apply plan v%d\n\n%s", v.Version, v.Spec.Summary))
	if err != nil {
		return nil, a.fail(jobID, tx, err)
	}
	diff, stats, err := repo.Patch(tx.Checkpoint(), commit)
	if err != nil {
		return nil, a.fail(jobID, tx, err)
	}

	a.logger.Info("applied plan",
		zap.String("job_id", jobID),
		zap.Int("version", v.Version),
		zap.String("commit", commit.String()),
	)
	return &Outcome{
		Checkpoint:   tx.Checkpoint().String(),
		Commit:       commit.String(),
		ChangedFiles: changed,
		LinesAdded:   delta.Added,
		LinesRemoved: delta.Removed,
		LOCDelta:     delta.Net(),
		Diff:         diff,
		FileStats:    stats,
		Warnings:     warnings,
		RepoPath:     repoPath,
	}, nil
}

type cancelCheckKey struct{}

// WithCancelCheck attaches check to ctx. Apply calls it before dispatching
// to the backend, after the backend returns and again right before the
// commit; a non-nil error rolls the working copy back.
func WithCancelCheck(ctx context.Context, check func(context.Context) error) context.Context {
	return context.WithValue(ctx, cancelCheckKey{}, check)
}

func checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if check, ok := ctx.Value(cancelCheckKey{}).(func(context.Context) error); ok && check != nil {
		return check(ctx)
	}
	return nil
}

// fail rolls the transaction back and wraps cause.
func (a *Applier) fail(jobID string, tx *Transaction, cause error) error {
	modified, _ := tx.Modified()
	appErr := &ApplicationError{Err: cause, WorkspaceModified: modified}
	if err := tx.Rollback(); err != nil {
		appErr.RollbackErr = err
		a.logger.Error("rollback failed",
			zap.String("job_id", jobID),
			zap.String("checkpoint", tx.Checkpoint().String()),
			zap.Error(err),
		)
		return appErr
	}
	appErr.RolledBack = true
	a.logger.Warn("apply failed, rolled back to checkpoint",
		zap.String("job_id", jobID),
		zap.Bool("workspace_modified", modified),
		zap.Error(cause),
	)
	return appErr
}

var instructionTmpl = template.Must(template.New("apply").Parse(`Apply the following plan to the codebase.

SUMMARY
{{.Summary}}

FILES
{{range .Scope.Files}}- {{.Path}}: {{if .Change}}{{.Change}}{{else}}modify{{end}}
{{end}}
Touch only the files listed above. Do not commit.

HAPPY PATHS TO IMPLEMENT
{{range .HappyPaths}}- {{.}}
{{end}}
EDGE CASES TO HANDLE
{{range .EdgeCases}}- {{.}}
{{end}}
TESTS TO CREATE OR UPDATE
{{range .Tests}}- {{.Type}}: {{.Target}}
{{end}}`))

func renderInstruction(spec *plan.Spec) (string, error) {
	var buf bytes.Buffer
	if err := instructionTmpl.Execute(&buf, spec); err != nil {
		return "", fmt.Errorf("rendering apply instruction: %w", err)
	}
	return buf.String(), nil
}
