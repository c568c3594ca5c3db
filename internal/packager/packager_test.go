package packager

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/verifier"
	"github.com/fyrsmithlabs/draftpr/internal/vcs/vcstest"
)

func testVersion(t *testing.T, summary string) *plan.Version {
	t.Helper()
	v, err := plan.NewVersion(plan.Spec{
		Summary:      summary,
		Scope:        plan.Scope{Files: []plan.FileChange{{Path: "x.py", Change: plan.ChangeModify}}},
		HappyPaths:   []string{"valid input parses"},
		EdgeCases:    []string{"empty input"},
		FailureModes: []plan.FailureMode{{Trigger: "bad input", Impact: "error"}},
		Assumptions:  []string{"utf-8 input"},
		Tests:        []plan.TestSpec{{Type: plan.TestUnit, Target: "test_x"}},
	}, nil, nil, plan.GeneratedByText)
	require.NoError(t, err)
	return v
}

func TestPackage(t *testing.T) {
	dir := vcstest.InitRepo(t, map[string]string{"x.py": "x = 1\n"})
	checkpoint := vcstest.Head(t, dir)
	vcstest.WriteFiles(t, dir, map[string]string{"x.py": "x = 2\n"})
	commit := vcstest.CommitAll(t, dir, "apply")

	v := testVersion(t, "Validate parser input")
	res := &verifier.Result{
		Passed:  false,
		Summary: "Tests: PASSED | Lint: FAILED (exit code 1) (execution_failed)",
		Checks: []verifier.Check{
			{Name: "Tests"},
			{Name: "Lint", ExitCode: 1, Failure: verifier.FailureExecution},
		},
	}

	pkg, err := New(nil).Package(context.Background(), Input{
		RepoPath:     dir,
		Checkpoint:   checkpoint.String(),
		Commit:       commit.String(),
		Version:      v,
		Verification: res,
	})
	require.NoError(t, err)

	assert.Contains(t, pkg.Diff, "-x = 1")
	assert.Contains(t, pkg.Diff, "+x = 2")
	assert.Equal(t, []string{"x.py"}, pkg.ChangedFiles)

	md := pkg.Metadata
	assert.Equal(t, "Implement: Validate parser input", md.Title)
	assert.Equal(t, []string{"draft", "automated"}, md.Labels)
	assert.Equal(t, 1, md.PlanVersion)
	assert.Equal(t, v.Hash, md.PlanHash)
	assert.Equal(t, v.Hash[:8], md.PlanShortHash)
	assert.Contains(t, md.Description, "Plan v1 ("+v.Hash[:8]+")")
	for _, want := range []string{
		"## Summary", "### Files Modified", "- `x.py` (modify)",
		"## Verification Results", "✅ Tests passed", "❌ Lint failed (exit code 1)",
		"## Happy Paths", "## Edge Cases Handled", "- empty input",
	} {
		assert.Contains(t, md.Description, want)
	}
}

func TestRenderMetadata_WithoutVerification(t *testing.T) {
	md, err := RenderMetadata(testVersion(t, "Validate parser input"), nil, nil)
	require.NoError(t, err)
	assert.NotContains(t, md.Description, "## Verification Results")
	assert.Equal(t, []string{}, md.ChangedFiles)
}

func TestRenderMetadata_TruncatesTitle(t *testing.T) {
	md, err := RenderMetadata(testVersion(t, strings.Repeat("é", 400)), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, maxTitleRunes, utf8.RuneCountInString(md.Title))
	assert.True(t, strings.HasPrefix(md.Title, "Implement: "))
}

func TestPackage_BadCommit(t *testing.T) {
	dir := vcstest.InitRepo(t, nil)
	_, err := New(nil).Package(context.Background(), Input{
		RepoPath:   dir,
		Checkpoint: vcstest.Head(t, dir).String(),
		Commit:     strings.Repeat("0", 40),
		Version:    testVersion(t, "Validate parser input"),
	})
	var pe *PackagingError
	assert.True(t, errors.As(err, &pe))
}
