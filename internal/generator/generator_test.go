package generator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms/fake"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/sandbox"
)

const planJSON = `{
  "summary": "Add input validation to the parser",
  "scope": {"files": [{"path": "x.py", "change": "modify"}]},
  "happy_paths": ["valid input parses"],
  "edge_cases": ["empty input"],
  "failure_modes": [{"trigger": "malformed input", "impact": "parse error", "mitigation": "reject early"}],
  "assumptions": ["callers pass utf-8"],
  "unknowns": [],
  "tests": [{"type": "unit", "target": "test_parse"}],
  "rollback": ["revert commit"],
  "cross_repo_impacts": []
}`

func textGenerator(responses ...string) *Generator {
	return New(Config{Text: NewTextBackend(fake.NewFakeLLM(responses))}, nil)
}

func TestGenerate_TextBackend(t *testing.T) {
	g := textGenerator(planJSON)

	v, err := g.Generate(context.Background(), GenerateInput{
		JobID:        "job-1",
		StoryKey:     "PROJ-1",
		StorySummary: "Validate parser input",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.Nil(t, v.PreviousHash)
	assert.Len(t, v.Hash, 64)
	assert.Equal(t, plan.GeneratedByText, v.GeneratedBy)
	assert.Empty(t, v.FeedbackHistory)
	require.NoError(t, plan.VerifyVersion(v))
}

func TestGenerate_NoBackend(t *testing.T) {
	g := New(Config{}, nil)
	_, err := g.Generate(context.Background(), GenerateInput{JobID: "job-1", StorySummary: "x"})
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestGenerate_SchemaViolation(t *testing.T) {
	g := textGenerator(`{"summary": "too short", "scope": {"files": []}}`)
	_, err := g.Generate(context.Background(), GenerateInput{JobID: "job-1", StorySummary: "x"})
	var sv *plan.SchemaViolation
	require.True(t, errors.As(err, &sv))
	assert.NotEmpty(t, sv.Problems)
}

func TestGenerate_CodeAwareSelection(t *testing.T) {
	var got sandbox.Request
	exec := sandbox.ExecutorFunc(func(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
		got = req
		return &sandbox.Result{Data: json.RawMessage(`{"plan": ` + planJSON + `}`)}, nil
	})
	g := New(Config{
		CodeAware: NewCodeAwareBackend(exec),
		Text:      NewTextBackend(fake.NewFakeLLM([]string{planJSON})),
	}, nil)

	in := GenerateInput{
		JobID:         "job-1",
		StorySummary:  "Validate parser input",
		Repos:         []plan.RepoRef{{URL: "https://github.com/acme/parser.git"}},
		UseCodeAware:  true,
		WorkspacePath: "/work/job-1",
	}
	v, err := g.Generate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, plan.GeneratedByCodeAware, v.GeneratedBy)
	assert.Equal(t, sandbox.KindPlanGeneration, got.Kind)
	assert.Equal(t, "/work/job-1", got.WorkspacePath)
	assert.Contains(t, got.Instruction, "https://github.com/acme/parser.git")

	// Without repositories the text backend is used.
	in.Repos = nil
	v, err = g.Generate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, plan.GeneratedByText, v.GeneratedBy)
}

func TestCodeAwareBackend_ResultShapes(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{name: "wrapped", data: `{"plan": ` + planJSON + `}`},
		{name: "bare plan", data: planJSON},
		{name: "unexpected", data: `{"status": "done"}`, wantErr: true},
		{name: "empty", data: ``, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewCodeAwareBackend(sandbox.ExecutorFunc(func(context.Context, sandbox.Request) (*sandbox.Result, error) {
				return &sandbox.Result{Data: json.RawMessage(tt.data)}, nil
			}))
			out, err := b.Generate(context.Background(), Request{JobID: "j", WorkspacePath: "/w", Prompt: "p"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, err = plan.Parse(out)
			assert.NoError(t, err)
		})
	}
}

func TestRevise(t *testing.T) {
	revised := strings.Replace(planJSON, `"edge_cases": ["empty input"]`,
		`"edge_cases": ["empty input", "input with invalid encoding"]`, 1)
	// Models sometimes echo the version number back.
	revised = strings.Replace(revised, `"summary"`, `"version": 2, "summary"`, 1)
	g := textGenerator(planJSON, revised)
	ctx := context.Background()

	v1, err := g.Generate(ctx, GenerateInput{JobID: "job-1", StorySummary: "Validate parser input"})
	require.NoError(t, err)

	fb := plan.Feedback{Text: "add error handling", Type: plan.FeedbackSafety}
	v2, err := g.Revise(ctx, ReviseInput{JobID: "job-1", Previous: v1, Feedback: fb})
	require.NoError(t, err)

	assert.Equal(t, 2, v2.Version)
	require.NotNil(t, v2.PreviousHash)
	assert.Equal(t, v1.Hash, *v2.PreviousHash)
	require.Len(t, v2.FeedbackHistory, 1)
	assert.Equal(t, "add error handling", v2.FeedbackHistory[0].Text)

	cmp, err := plan.Compare(v1, v2)
	require.NoError(t, err)
	assert.Contains(t, cmp.ChangedSections, "edge_cases")
}

func TestRevise_RejectsCorruptPrevious(t *testing.T) {
	g := textGenerator(planJSON, planJSON)
	v1, err := g.Generate(context.Background(), GenerateInput{JobID: "job-1", StorySummary: "x"})
	require.NoError(t, err)
	v1.Spec.Summary = "tampered summary text"

	_, err = g.Revise(context.Background(), ReviseInput{JobID: "job-1", Previous: v1})
	var hashErr *plan.HashIntegrityError
	assert.True(t, errors.As(err, &hashErr))
}

func TestEnrich(t *testing.T) {
	g := New(Config{KnownRepos: []string{"billing-service", "parser"}}, nil)
	spec := &plan.Spec{
		Summary:     "Store parse results in the database and call the external api",
		HappyPaths:  []string{"notify billing-service after parse", "see github.com/acme/ledger for the client"},
		Assumptions: []string{"parser runs in CI"},
		Unknowns:    []string{unknownEnvironment},
		Rollback:    []string{"unset the FEATURE env flag"},
	}
	repos := []plan.RepoRef{{URL: "https://github.com/acme/parser.git"}}

	g.enrich(spec, repos)

	repoNames := make([]string, 0, len(spec.CrossRepoImpacts))
	for _, i := range spec.CrossRepoImpacts {
		repoNames = append(repoNames, i.Repo)
	}
	assert.ElementsMatch(t, []string{"billing-service", "ledger"}, repoNames)
	assert.Equal(t, []string{unknownEnvironment, unknownDatabase, unknownExternalAPI}, spec.Unknowns)

	// Enriching twice adds nothing new.
	g.enrich(spec, repos)
	assert.Len(t, spec.CrossRepoImpacts, 2)
	assert.Len(t, spec.Unknowns, 3)
}

func TestEnrich_DatabaseAssumptionPresent(t *testing.T) {
	g := New(Config{}, nil)
	spec := &plan.Spec{
		Summary:     "Add an index to the database table",
		Assumptions: []string{"Database migrations run before deploy"},
	}
	g.enrich(spec, nil)
	assert.NotContains(t, spec.Unknowns, unknownDatabase)
}

func TestRenderGenerationPrompt(t *testing.T) {
	out, err := renderGenerationPrompt(GenerateInput{
		StoryKey:          "PROJ-7",
		StorySummary:      "Rate limit login",
		Scope:             &plan.Scope{Files: []plan.FileChange{{Path: "auth.py", Change: plan.ChangeModify}}},
		Repos:             []plan.RepoRef{{URL: "https://github.com/acme/auth.git", Ref: "main"}},
		AdditionalContext: "Use the existing limiter",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "PROJ-7")
	assert.Contains(t, out, "No description provided")
	assert.Contains(t, out, "https://github.com/acme/auth.git (main)")
	assert.Contains(t, out, `"path": "auth.py"`)
	assert.Contains(t, out, "Use the existing limiter")
}
