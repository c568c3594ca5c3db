package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// defaultBranchCandidates are tried in order when origin/HEAD is not set.
var defaultBranchCandidates = []string{"main", "master", "develop", "dev"}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(name string) bool {
	_, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), false)
	return err == nil
}

// ResolveBranch returns the commit of a local branch, falling back to the
// remote-tracking branch on remote.
func (r *Repo) ResolveBranch(name, remote string) (plumbing.Hash, error) {
	if ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true); err == nil {
		return ref.Hash(), nil
	}
	ref, err := r.repo.Reference(plumbing.NewRemoteReferenceName(remote, name), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("branch %q not found locally or on %s: %w", name, remote, err)
	}
	return ref.Hash(), nil
}

// DefaultBranch detects the remote's default branch from its HEAD symbolic
// ref, then from well-known names. It returns fallback when nothing matches.
func (r *Repo) DefaultBranch(remote, fallback string) string {
	headRef := plumbing.NewRemoteHEADReferenceName(remote)
	if ref, err := r.repo.Reference(headRef, false); err == nil && ref.Type() == plumbing.SymbolicReference {
		return strings.TrimPrefix(ref.Target().Short(), remote+"/")
	}
	for _, name := range defaultBranchCandidates {
		if _, err := r.ResolveBranch(name, remote); err == nil {
			return name
		}
	}
	return fallback
}

// CreateBranch creates name at commit and checks it out. The working tree
// must be clean.
func (r *Repo) CreateBranch(name string, at plumbing.Hash) error {
	if r.BranchExists(name) {
		return fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Hash:   at,
		Create: true,
	})
	if err != nil {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}
	return nil
}

// Checkout switches to an existing local branch.
func (r *Repo) Checkout(name string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name)}); err != nil {
		return fmt.Errorf("checking out %s: %w", name, err)
	}
	return nil
}

// DeleteBranch removes a local branch and its config. Missing branches are ignored.
func (r *Repo) DeleteBranch(name string) error {
	if err := r.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		return fmt.Errorf("deleting branch %s: %w", name, err)
	}
	if err := r.repo.DeleteBranch(name); err != nil && !errors.Is(err, git.ErrBranchNotFound) {
		return fmt.Errorf("deleting branch config %s: %w", name, err)
	}
	return nil
}

// Push pushes a local branch to the same name on remote.
func (r *Repo) Push(ctx context.Context, remote, branch string, auth transport.AuthMethod) error {
	ref := plumbing.NewBranchReferenceName(branch)
	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(ref.String() + ":" + ref.String())},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s to %s: %w", branch, remote, err)
	}
	return nil
}

// SetUpstream records remote/branch as the upstream of the local branch.
func (r *Repo) SetUpstream(branch, remote string) error {
	cfg, err := r.repo.Config()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg.Branches[branch] = &config.Branch{
		Name:   branch,
		Remote: remote,
		Merge:  plumbing.NewBranchReferenceName(branch),
	}
	if err := r.repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("setting upstream for %s: %w", branch, err)
	}
	return nil
}

// Upstream returns the remote configured for branch, or "".
func (r *Repo) Upstream(branch string) string {
	cfg, err := r.repo.Config()
	if err != nil {
		return ""
	}
	if b, ok := cfg.Branches[branch]; ok {
		return b.Remote
	}
	return ""
}

// RemoteURL returns the first URL configured for remote.
func (r *Repo) RemoteURL(remote string) (string, error) {
	rem, err := r.repo.Remote(remote)
	if err != nil {
		return "", fmt.Errorf("remote %s: %w", remote, err)
	}
	urls := rem.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %s has no URL", remote)
	}
	return urls[0], nil
}
