package vcstest

import (
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitBareRemote(t *testing.T) {
	dir := InitRepo(t, map[string]string{"x.py": "x = 1\n"})
	bare := InitBareRemote(t, dir)

	remote, err := git.PlainOpen(bare)
	require.NoError(t, err)
	ref, err := remote.Reference(plumbing.NewBranchReferenceName("main"), true)
	require.NoError(t, err)
	assert.Equal(t, Head(t, dir), ref.Hash())

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	tracking, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", "main"), true)
	require.NoError(t, err)
	assert.Equal(t, Head(t, dir), tracking.Hash())
}
