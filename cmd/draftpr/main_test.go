package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/draftpr/internal/config"
	"github.com/fyrsmithlabs/draftpr/internal/pipeline"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/sandbox"
)

const storyYAML = `story_key: PROJ-12
story_summary: Validate parser input
repos:
  - url: https://github.com/acme/widgets.git
    ref: main
scope:
  files:
    - path: parser/parse.py
      change: modify
mode: yolo
`

func TestReadInput(t *testing.T) {
	t.Run("reads a story file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "story.yaml")
		require.NoError(t, os.WriteFile(path, []byte(storyYAML), 0o600))

		in, err := readInput(nil, path)
		require.NoError(t, err)
		assert.Equal(t, "PROJ-12", in.StoryKey)
		assert.Equal(t, pipeline.ModeYOLO, in.Mode)
		require.Len(t, in.Repos, 1)
		assert.Equal(t, "main", in.Repos[0].Ref)
		require.Len(t, in.Scope.Files, 1)
		assert.Equal(t, plan.ChangeModify, in.Scope.Files[0].Change)
		assert.NoError(t, in.Validate())
	})

	t.Run("reads stdin", func(t *testing.T) {
		in, err := readInput(strings.NewReader(storyYAML), "-")
		require.NoError(t, err)
		assert.Equal(t, "Validate parser input", in.StorySummary)
	})

	t.Run("rejects unknown keys", func(t *testing.T) {
		_, err := readInput(strings.NewReader("story_summary: x\nrepo: y\n"), "-")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse story")
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := readInput(strings.NewReader(""), "-")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "story is empty")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readInput(nil, filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to open story")
	})
}

func TestPrintResult(t *testing.T) {
	res := &pipeline.Result{
		JobID:            "job-1",
		Stage:            pipeline.StageWaitingForApproval,
		RequiresApproval: true,
		PlanVersions: []*plan.Version{{
			Version: 1,
			Hash:    "abc123",
			Spec: plan.Spec{
				Summary: "Reject empty input",
				Scope:   plan.Scope{Files: []plan.FileChange{{Path: "parser/parse.py", Change: plan.ChangeModify}}},
				Tests:   []plan.TestSpec{{Type: plan.TestUnit, Target: "parser"}},
			},
		}},
	}

	t.Run("human readable", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, res))
		out := buf.String()
		assert.Contains(t, out, "WAITING_FOR_APPROVAL")
		assert.Contains(t, out, "Plan:   v1 abc123")
		assert.Contains(t, out, "parser/parse.py")
		assert.Contains(t, out, "draftpr approve job-1 --plan-hash abc123")
	})

	t.Run("json", func(t *testing.T) {
		outputJSON = true
		t.Cleanup(func() { outputJSON = false })

		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, res))
		var got pipeline.Result
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "job-1", got.JobID)
	})

	t.Run("failure with pushed branch", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, &pipeline.Result{
			JobID: "job-2",
			Stage: pipeline.StageFailed,
			Failure: &pipeline.Failure{
				Stage:        pipeline.StageDrafting,
				Error:        "github: 502",
				BranchPushed: "draftpr/PROJ-12-abc12345",
			},
		}))
		assert.Contains(t, buf.String(), "Failed: DRAFTING: github: 502")
		assert.Contains(t, buf.String(), "branch draftpr/PROJ-12-abc12345 was pushed")
	})
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, &pipeline.JobStatus{
		JobID: "job-1",
		Stage: pipeline.StageCompleted,
		Mode:  pipeline.ModeNormal,
		PlanVersions: []pipeline.VersionInfo{
			{Version: 1, Hash: "h1", GeneratedBy: plan.GeneratedByText, CreatedAt: at},
			{Version: 2, Hash: "h2", GeneratedBy: plan.GeneratedByText, CreatedAt: at},
		},
		ApprovedHash: "h2",
		Approval:     &plan.Approval{PlanHash: "h2", Approver: "alice", ApprovedAt: at},
		Artifacts:    []string{"approval", "plan_v1", "plan_v2"},
		UpdatedAt:    at,
	}))
	out := buf.String()
	assert.Contains(t, out, "Approved: h2 by alice")
	assert.Contains(t, out, "h2 (approved)")
	assert.NotContains(t, out, "h1 (approved)")
	assert.Contains(t, out, "Artifacts: approval, plan_v1, plan_v2")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Artifacts.BaseDir = filepath.Join(t.TempDir(), "artifacts")
	cfg.Workspace.BaseDir = filepath.Join(t.TempDir(), "jobs")
	cfg.Logging.Level = "error"
	return cfg
}

func TestNewAppFromConfig(t *testing.T) {
	ctx := context.Background()
	a, err := newAppFromConfig(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	require.NotNil(t, a.store)
	jobs, err := a.store.Jobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, a.withWorkspaces())
	assert.NotNil(t, a.workspaces)

	// Without nats.url there is no coordination store.
	require.NoError(t, a.withCoord(ctx))
	assert.Nil(t, a.coord)
}

func TestWithPipeline_RequiresGitHubToken(t *testing.T) {
	ctx := context.Background()
	a, err := newAppFromConfig(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	err = a.withPipeline(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GitHub token not set")
}

func TestWithPipeline_Wires(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.GitHub.Token = config.Secret("ghp_test")
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.APIKey = config.Secret("sk-test")

	a, err := newAppFromConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	require.NoError(t, a.withPipeline(ctx))
	assert.NotNil(t, a.pipeline)

	_, err = a.pipeline.Status(ctx, "missing")
	assert.Error(t, err)
}

func TestNewExecutor_WithoutCommand(t *testing.T) {
	exec, err := newExecutor(config.BackendConfig{}, nil)
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), sandbox.Request{
		JobID:         "job-1",
		WorkspacePath: t.TempDir(),
		Instruction:   "apply",
		Kind:          sandbox.KindCodeApplication,
	})
	assert.ErrorIs(t, err, errNoBackend)
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "approve", "continue", "revise", "cancel", "status", "jobs", "artifacts", "purge", "serve", "worker"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
