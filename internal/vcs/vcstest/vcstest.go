// Package vcstest builds throwaway git repositories for tests.
package vcstest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

var sig = &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(1700000000, 0)}

// InitRepo creates a non-bare repository on branch main in a temp dir with
// files committed as the initial commit. It returns the repository path.
func InitRepo(t testing.TB, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	InitRepoAt(t, dir, files)
	return dir
}

// InitRepoAt is InitRepo at an explicit directory.
func InitRepoAt(t testing.TB, dir string, files map[string]string) *git.Repository {
	t.Helper()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	require.NoError(t, err)

	if len(files) == 0 {
		files = map[string]string{"README.md": "# test\n"}
	}
	WriteFiles(t, dir, files)

	wt, err := repo.Worktree()
	require.NoError(t, err)
	for name := range files {
		_, err := wt.Add(name)
		require.NoError(t, err)
	}
	_, err = wt.Commit("initial commit", &git.CommitOptions{Author: sig})
	require.NoError(t, err)
	return repo
}

// WriteFiles writes files relative to dir, creating parent directories.
func WriteFiles(t testing.TB, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// CommitAll stages everything in dir and commits it.
func CommitAll(t testing.TB, dir, message string) plumbing.Hash {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	h, err := wt.Commit(message, &git.CommitOptions{Author: sig})
	require.NoError(t, err)
	return h
}

// Head returns the HEAD commit of the repository at dir.
func Head(t testing.TB, dir string) plumbing.Hash {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	ref, err := repo.Head()
	require.NoError(t, err)
	return ref.Hash()
}

// InitBareRemote creates a bare repository and registers it as remote
// "origin" of the repository at dir, pushing main. It returns the bare path.
func InitBareRemote(t testing.TB, dir string) string {
	t.Helper()
	bare := t.TempDir()
	_, err := git.PlainInit(bare, true)
	require.NoError(t, err)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{bare}})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{"refs/heads/main:refs/heads/main"},
	}))
	if err := repo.Fetch(&git.FetchOptions{RemoteName: "origin"}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		require.NoError(t, err)
	}
	return bare
}
