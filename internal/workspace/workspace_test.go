package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/vcs/vcstest"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{BaseDir: t.TempDir(), CloneTimeout: time.Minute}, nil)
	require.NoError(t, err)
	return m
}

func TestRepoName(t *testing.T) {
	tests := map[string]string{
		"https://github.com/acme/api.git":  "api",
		"git@github.com:acme/web.git":      "web",
		"https://github.com/acme/svc/":     "svc",
		"/tmp/repos/local":                 "local",
		"https://example.com/acme/..":      "repository",
		"https://example.com/acme/...":     "repository",
		"https://example.com/acme/. .":     "repository",
		"https://example.com/acme/..hid..": "_hid_",
		"":                                 "repository",
	}
	for in, want := range tests {
		assert.Equal(t, want, RepoName(in), "RepoName(%q)", in)
	}
}

func TestManager_CreateAndPrimary(t *testing.T) {
	ctx := context.Background()
	src := vcstest.InitRepo(t, map[string]string{"x.py": "x = 1\n"})
	bare := vcstest.InitBareRemote(t, src)

	m := newManager(t)
	path, err := m.Create(ctx, "job-1", []plan.RepoRef{{URL: bare, Ref: "main"}})
	require.NoError(t, err)
	assert.Equal(t, m.Path("job-1"), path)

	primary, err := PrimaryRepo(path)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(primary, "x.py"))

	// Ensure reuses the existing clone.
	again, err := m.Ensure(ctx, "job-1", []plan.RepoRef{{URL: "/does/not/exist"}})
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestManager_CreateFailureCleansUp(t *testing.T) {
	m := newManager(t)
	_, err := m.Create(context.Background(), "job-2", []plan.RepoRef{{URL: filepath.Join(t.TempDir(), "missing")}})
	var ce *CloneError
	require.True(t, errors.As(err, &ce))
	assert.NoDirExists(t, m.Path("job-2"))
}

func TestManager_DuplicateRepoNames(t *testing.T) {
	m := newManager(t)
	_, err := m.Create(context.Background(), "job-3", []plan.RepoRef{
		{URL: "https://github.com/a/api.git"},
		{URL: "https://github.com/b/api.git"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both map to directory")
}

func TestManager_CleanupOrphans(t *testing.T) {
	m := newManager(t)
	old := m.Path("old")
	fresh := m.Path("fresh")
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	n, err := m.CleanupOrphans(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
}

func TestPrimaryRepo_None(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))
	_, err := PrimaryRepo(dir)
	assert.ErrorIs(t, err, ErrNoRepository)
}

func TestManager_Auth(t *testing.T) {
	m, err := NewManager(Config{BaseDir: t.TempDir(), GitToken: "tok"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, m.auth("https://github.com/a/b.git"))
	assert.Nil(t, m.auth("git@github.com:a/b.git"))
}
