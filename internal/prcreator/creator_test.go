package prcreator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/draftpr/internal/packager"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/vcs"
	"github.com/fyrsmithlabs/draftpr/internal/vcs/vcstest"
)

type fakeHost struct {
	requests []DraftPRRequest
	err      error
}

func (f *fakeHost) CreateDraftPR(_ context.Context, req DraftPRRequest) (*PullRequest, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &PullRequest{Number: 101, URL: "https://github.com/acme/widgets/pull/101"}, nil
}

// setupRepo creates a working copy whose origin is a bare repository at
// .../acme/widgets.git, addressed through a file:// URL.
func setupRepo(t *testing.T) (dir, bare string) {
	t.Helper()
	dir = vcstest.InitRepo(t, map[string]string{"app.py": "print('hi')\n"})
	bare = filepath.Join(t.TempDir(), "acme", "widgets.git")
	_, err := git.PlainInit(bare, true)
	require.NoError(t, err)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{"file://" + bare}})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"refs/heads/main:refs/heads/main"},
	}))
	return dir, bare
}

func testVersion() *plan.Version {
	return &plan.Version{Version: 1, Hash: "abcdef1234567890"}
}

func testMetadata() packager.Metadata {
	return packager.Metadata{
		Title:       "Implement: add greeting",
		Description: "## Summary",
		Labels:      []string{"draft", "automated"},
	}
}

func remoteHasBranch(t *testing.T, bare, branch string) bool {
	t.Helper()
	r, err := git.PlainOpen(bare)
	require.NoError(t, err)
	_, err = r.Reference(plumbing.NewBranchReferenceName(branch), false)
	return err == nil
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "draftpr/PROJ-12-abcdef12", BranchName("job", "PROJ-12", "abcdef1234", 0))
	assert.Equal(t, "draftpr/PROJ-12-abcdef12-2", BranchName("job", "PROJ-12", "abcdef1234", 2))
	assert.Equal(t, "draftpr/PROJ12evil-abcdef12", BranchName("job", "PROJ 12;evil", "abcdef1234", 0))
	assert.Equal(t, "draftpr/ticket-abc", BranchName("job", "!!!", "abc", 0))
	assert.Equal(t, "draftpr/job-1x", BranchName("job-1/../x", "", "abc", 0))
	assert.Equal(t, "draftpr/0b7e-11", BranchName("0b7e-11", "", "abc", 0))
}

func TestCreator_Create(t *testing.T) {
	dir, bare := setupRepo(t)
	host := &fakeHost{}
	c := New(host, Config{}, nil)

	res, err := c.Create(context.Background(), Input{
		RepoPath:  dir,
		JobID:     "job-1",
		TicketKey: "PROJ-7",
		Version:   testVersion(),
		Metadata:  testMetadata(),
	})
	require.NoError(t, err)

	assert.Equal(t, "draftpr/PROJ-7-abcdef12", res.Branch)
	assert.Equal(t, "main", res.Base)
	assert.Equal(t, 101, res.Number)
	assert.Equal(t, "acme", res.Owner)
	assert.Equal(t, "widgets", res.Repo)

	require.Len(t, host.requests, 1)
	req := host.requests[0]
	assert.Equal(t, "acme", req.Owner)
	assert.Equal(t, "widgets", req.Repo)
	assert.Equal(t, res.Branch, req.Head)
	assert.Equal(t, "main", req.Base)
	assert.Equal(t, "Implement: add greeting", req.Title)
	assert.Equal(t, []string{"draft", "automated"}, req.Labels)

	assert.True(t, remoteHasBranch(t, bare, res.Branch))

	repo, err := vcs.Open(dir)
	require.NoError(t, err)
	current, err := repo.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, res.Branch, current)
	assert.Equal(t, "origin", repo.Upstream(res.Branch))
}

func TestCreator_BranchCollisionUsesSuffix(t *testing.T) {
	dir, _ := setupRepo(t)

	repo, err := vcs.Open(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	require.NoError(t, repo.CreateBranch("draftpr/PROJ-7-abcdef12", head))
	require.NoError(t, repo.Checkout("main"))

	c := New(&fakeHost{}, Config{}, nil)
	res, err := c.Create(context.Background(), Input{
		RepoPath: dir, JobID: "job-1", TicketKey: "PROJ-7",
		Version: testVersion(), Metadata: testMetadata(),
	})
	require.NoError(t, err)
	assert.Equal(t, "draftpr/PROJ-7-abcdef12-1", res.Branch)
}

func TestCreator_PushFailureRemovesBranch(t *testing.T) {
	dir := vcstest.InitRepo(t, nil)
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	missing := filepath.Join(t.TempDir(), "acme", "gone.git")
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{"file://" + missing}})
	require.NoError(t, err)

	host := &fakeHost{}
	c := New(host, Config{}, nil)
	_, err = c.Create(context.Background(), Input{
		RepoPath: dir, JobID: "job-9", Version: testVersion(), Metadata: testMetadata(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to push branch draftpr/job-9")

	var pce *PRCreationError
	assert.False(t, errors.As(err, &pce))
	assert.Empty(t, host.requests)

	v, err := vcs.Open(dir)
	require.NoError(t, err)
	assert.False(t, v.BranchExists("draftpr/job-9"))
	current, err := v.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "main", current)
}

func TestCreator_PRFailureKeepsPushedBranch(t *testing.T) {
	dir, bare := setupRepo(t)
	host := &fakeHost{err: errors.New("github down")}
	c := New(host, Config{}, nil)

	_, err := c.Create(context.Background(), Input{
		RepoPath: dir, JobID: "job-2", Version: testVersion(), Metadata: testMetadata(),
	})
	var pce *PRCreationError
	require.True(t, errors.As(err, &pce))
	assert.True(t, pce.Pushed)
	assert.Equal(t, "draftpr/job-2", pce.Branch)
	assert.Equal(t, "main", pce.Base)
	assert.Contains(t, err.Error(), "branch exists without a PR")
	assert.Contains(t, err.Error(), "github down")
	assert.True(t, remoteHasBranch(t, bare, "draftpr/job-2"))
}

func TestCreator_ExplicitDestination(t *testing.T) {
	dir, _ := setupRepo(t)
	repo, err := vcs.Open(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	require.NoError(t, repo.CreateBranch("release", head))

	host := &fakeHost{}
	c := New(host, Config{}, nil)
	res, err := c.Create(context.Background(), Input{
		RepoPath: dir, JobID: "job-3", DestinationBranch: "release",
		Version: testVersion(), Metadata: testMetadata(),
	})
	require.NoError(t, err)
	assert.Equal(t, "release", res.Base)
	assert.Equal(t, "release", host.requests[0].Base)
}

func TestCreator_RequiresVersion(t *testing.T) {
	c := New(&fakeHost{}, Config{}, nil)
	_, err := c.Create(context.Background(), Input{RepoPath: t.TempDir()})
	assert.Error(t, err)
}

func TestCreator_AuthOnlyForHTTPS(t *testing.T) {
	c := New(&fakeHost{}, Config{Token: "ghp_x"}, nil)
	assert.NotNil(t, c.auth("https://github.com/acme/widgets.git"))
	assert.Nil(t, c.auth("git@github.com:acme/widgets.git"))

	noToken := New(&fakeHost{}, Config{}, nil)
	assert.Nil(t, noToken.auth("https://github.com/acme/widgets.git"))
}
