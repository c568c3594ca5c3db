// Package packager renders the diff and pull request metadata for an
// applied plan. It only reads the working copy.
package packager

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"unicode/utf8"

	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/verifier"
	"github.com/fyrsmithlabs/draftpr/internal/vcs"
)

var tracer = otel.Tracer("draftpr/packager")

const maxTitleRunes = 256

// Labels applied to every draft pull request.
var Labels = []string{"draft", "automated"}

// PackagingError reports a failure to produce the package.
type PackagingError struct {
	Err error
}

func (e *PackagingError) Error() string { return "packaging failed: " + e.Err.Error() }

func (e *PackagingError) Unwrap() error { return e.Err }

// Metadata is what the draft pull request is opened with.
type Metadata struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Labels       []string `json:"labels"`
	ChangedFiles []string `json:"changed_files"`
	PlanVersion  int      `json:"plan_version"`
	PlanHash     string   `json:"plan_hash"`
	// PlanShortHash is the abbreviated hash shown in the description.
	PlanShortHash string `json:"plan_short_hash"`
}

// Package is the output of the PACKAGING stage.
type Package struct {
	Diff         string         `json:"-"`
	ChangedFiles []string       `json:"changed_files"`
	FileStats    []vcs.FileStat `json:"file_stats"`
	Metadata     Metadata       `json:"pr_metadata"`
}

// Input locates the applied change.
type Input struct {
	RepoPath     string
	Checkpoint   string
	Commit       string
	Version      *plan.Version
	Verification *verifier.Result
}

// Service builds packages.
type Service struct {
	logger *zap.Logger
}

// New returns a Service.
func New(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger}
}

// Package diffs the applied commit against the pre-apply checkpoint and
// renders the pull request metadata.
func (s *Service) Package(ctx context.Context, in Input) (*Package, error) {
	_, span := tracer.Start(ctx, "packager.Package")
	defer span.End()

	if in.Version == nil {
		return nil, &PackagingError{Err: fmt.Errorf("plan version is required")}
	}
	repo, err := vcs.Open(in.RepoPath)
	if err != nil {
		return nil, &PackagingError{Err: err}
	}
	diff, stats, err := repo.Patch(plumbing.NewHash(in.Checkpoint), plumbing.NewHash(in.Commit))
	if err != nil {
		return nil, &PackagingError{Err: err}
	}
	changed := make([]string, 0, len(stats))
	for _, st := range stats {
		changed = append(changed, st.Path)
	}

	md, err := RenderMetadata(in.Version, in.Verification, changed)
	if err != nil {
		return nil, &PackagingError{Err: err}
	}

	span.SetAttributes(attribute.Int("package.changed_files", len(changed)))
	s.logger.Info("packaged changes",
		zap.Int("changed_files", len(changed)),
		zap.Int("diff_bytes", len(diff)),
	)
	return &Package{Diff: diff, ChangedFiles: changed, FileStats: stats, Metadata: *md}, nil
}

var descriptionTmpl = template.Must(template.New("description").Parse(`## Summary

{{.Spec.Summary}}

## Changes

{{if .Spec.Scope.Files}}### Files Modified

{{range .Spec.Scope.Files}}- ` + "`{{.Path}}`" + ` ({{if .Change}}{{.Change}}{{else}}modify{{end}})
{{end}}
{{end}}{{with .Verification}}## Verification Results

{{.Summary}}

{{range .Checks}}{{if .Passed}}✅ {{.Name}} passed{{else}}❌ {{.Name}} failed (exit code {{.ExitCode}}){{end}}
{{end}}
{{end}}{{if .Spec.HappyPaths}}## Happy Paths

{{range .Spec.HappyPaths}}- {{.}}
{{end}}
{{end}}{{if .Spec.EdgeCases}}## Edge Cases Handled

{{range .Spec.EdgeCases}}- {{.}}
{{end}}
{{end}}---
Plan v{{.Version}} ({{.Hash}})
`))

// RenderMetadata builds the pull request title and description.
func RenderMetadata(v *plan.Version, verification *verifier.Result, changed []string) (*Metadata, error) {
	var buf bytes.Buffer
	err := descriptionTmpl.Execute(&buf, struct {
		Spec         plan.Spec
		Verification *verifier.Result
		Version      int
		Hash         string
	}{v.Spec, verification, v.Version, v.ShortHash()})
	if err != nil {
		return nil, fmt.Errorf("rendering description: %w", err)
	}
	if changed == nil {
		changed = []string{}
	}
	return &Metadata{
		Title:         truncate("Implement: "+v.Spec.Summary, maxTitleRunes),
		Description:   buf.String(),
		Labels:        append([]string(nil), Labels...),
		ChangedFiles:  changed,
		PlanVersion:   v.Version,
		PlanHash:      v.Hash,
		PlanShortHash: v.ShortHash(),
	}, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
