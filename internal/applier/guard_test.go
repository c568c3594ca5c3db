package applier

import (
	"errors"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/vcs"
	"github.com/fyrsmithlabs/draftpr/internal/vcs/vcstest"
)

func scoped(paths ...string) *plan.Spec {
	s := &plan.Spec{}
	for _, p := range paths {
		s.Scope.Files = append(s.Scope.Files, plan.FileChange{Path: p, Change: plan.ChangeModify})
	}
	return s
}

func TestGuard_Check(t *testing.T) {
	tests := []struct {
		name     string
		spec     *plan.Spec
		changed  []string
		delta    vcs.LineDelta
		wantViol int
		wantWarn int
	}{
		{name: "exact match", spec: scoped("a.py"), changed: []string{"a.py"}, delta: vcs.LineDelta{Added: 3}},
		{name: "dot-slash planned path", spec: scoped("./src/a.py"), changed: []string{"src/a.py"}},
		{name: "subset changed", spec: scoped("a.py", "b.py"), changed: []string{"a.py"}, wantWarn: 1},
		{name: "outside scope", spec: scoped("a.py"), changed: []string{"a.py", "b.py"}, wantViol: 1},
		{name: "declared but nothing changed", spec: scoped("a.py"), wantViol: 1},
		{name: "nothing declared", spec: scoped(), changed: []string{"a.py"}, wantViol: 1},
		{name: "LOC too large", spec: scoped("a.py"), changed: []string{"a.py"}, delta: vcs.LineDelta{Added: 1200}, wantViol: 1},
		{name: "large deletion", spec: scoped("a.py"), changed: []string{"a.py"}, delta: vcs.LineDelta{Removed: 1001}, wantViol: 1},
		{name: "large churn with small net", spec: scoped("a.py"), changed: []string{"a.py"}, delta: vcs.LineDelta{Added: 1500, Removed: 1400}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warnings, err := Guard{}.Check(tt.spec, tt.changed, tt.delta)
			assert.Len(t, warnings, tt.wantWarn)
			if tt.wantViol == 0 {
				assert.NoError(t, err)
				return
			}
			var gv *GuardViolation
			require.True(t, errors.As(err, &gv))
			assert.Len(t, gv.Violations, tt.wantViol)
		})
	}
}

func TestGuard_ConfigurableThreshold(t *testing.T) {
	_, err := Guard{MaxLOCDelta: 10}.Check(scoped("a.py"), []string{"a.py"}, vcs.LineDelta{Added: 11})
	assert.Error(t, err)
}

func TestTransaction_RollbackIdempotent(t *testing.T) {
	dir := vcstest.InitRepo(t, map[string]string{"a.py": "a = 1\n"})
	repo, err := vcs.Open(dir)
	require.NoError(t, err)

	tx, err := Begin(repo)
	require.NoError(t, err)
	assert.False(t, tx.CreatedCheckpoint)

	vcstest.WriteFiles(t, dir, map[string]string{"a.py": "a = 2\n", "new.py": "n = 1\n"})
	modified, err := tx.Modified()
	require.NoError(t, err)
	assert.True(t, modified)

	require.NoError(t, tx.Rollback())
	first, err := repo.ChangedFiles()
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	second, err := repo.ChangedFiles()
	require.NoError(t, err)

	assert.Empty(t, first)
	assert.Equal(t, first, second)
	assert.Equal(t, tx.Checkpoint(), vcstest.Head(t, dir))
}

func TestBegin_RefusesDetachedHead(t *testing.T) {
	dir := vcstest.InitRepo(t, nil)
	repo, err := vcs.Open(dir)
	require.NoError(t, err)
	head := vcstest.Head(t, dir)

	wt, err := repo.Git().Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{Hash: head}))

	_, err = Begin(repo)
	assert.ErrorIs(t, err, vcs.ErrDetachedHead)
}
