// Package vcs implements the version-control primitives the pipeline relies
// on over go-git: state checks, staging, commits, hard reset, diffs,
// branches and push.
package vcs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"
)

var (
	// ErrDetachedHead is returned when HEAD does not point at a branch.
	ErrDetachedHead = errors.New("working copy is in detached HEAD state")

	// ErrConflicts is returned when the index holds unmerged entries.
	ErrConflicts = errors.New("working copy has unresolved merge conflicts")

	// ErrBranchExists is returned when creating a branch that already exists.
	ErrBranchExists = errors.New("branch already exists")
)

// Signature identifies the author of commits made by the pipeline.
type Signature struct {
	Name  string
	Email string
}

// DefaultSignature is used when no signature is configured.
var DefaultSignature = Signature{Name: "draftpr", Email: "draftpr@localhost"}

// Repo is an opened working copy.
type Repo struct {
	path string
	repo *git.Repository
	sig  Signature
}

// Open opens the repository at path.
func Open(path string) (*Repo, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", path, err)
	}
	return &Repo{path: path, repo: r, sig: DefaultSignature}, nil
}

// WithSignature returns a copy of r that commits as sig.
func (r *Repo) WithSignature(sig Signature) *Repo {
	c := *r
	c.sig = sig
	return &c
}

// Path returns the working copy root.
func (r *Repo) Path() string { return r.path }

// Git exposes the underlying go-git repository.
func (r *Repo) Git() *git.Repository { return r.repo }

// Head returns the commit HEAD points at.
func (r *Repo) Head() (plumbing.Hash, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving HEAD: %w", err)
	}
	return ref.Hash(), nil
}

// CurrentBranch returns the short name of the checked-out branch, or
// ErrDetachedHead.
func (r *Repo) CurrentBranch() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	if !ref.Name().IsBranch() {
		return "", ErrDetachedHead
	}
	return ref.Name().Short(), nil
}

// IsDetached reports whether HEAD is detached.
func (r *Repo) IsDetached() (bool, error) {
	_, err := r.CurrentBranch()
	if errors.Is(err, ErrDetachedHead) {
		return true, nil
	}
	return false, err
}

// HasConflicts reports whether the index has unmerged entries.
func (r *Repo) HasConflicts() (bool, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return false, fmt.Errorf("reading index: %w", err)
	}
	for _, e := range idx.Entries {
		// Decoded entries carry stage 0 unless they are unmerged.
		if e.Stage > 0 {
			return true, nil
		}
	}
	return false, nil
}

// IsDirty reports whether the working tree or index differs from HEAD.
func (r *Repo) IsDirty() (bool, error) {
	st, err := r.status()
	if err != nil {
		return false, err
	}
	return !st.IsClean(), nil
}

// ChangedFiles returns the sorted paths that differ from HEAD, including
// untracked files.
func (r *Repo) ChangedFiles() ([]string, error) {
	st, err := r.status()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(st))
	for path, fs := range st {
		if fs.Staging == git.Unmodified && fs.Worktree == git.Unmodified {
			continue
		}
		files = append(files, filepath.ToSlash(path))
	}
	sort.Strings(files)
	return files, nil
}

// StageAll stages every change, including deletions and untracked files.
func (r *Repo) StageAll() error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}
	for path, fs := range st {
		switch fs.Worktree {
		case git.Unmodified:
			continue
		case git.Deleted:
			if _, err := wt.Remove(path); err != nil {
				return fmt.Errorf("staging removal of %s: %w", path, err)
			}
		default:
			if _, err := wt.Add(path); err != nil {
				return fmt.Errorf("staging %s: %w", path, err)
			}
		}
	}
	return nil
}

// Commit records the staged changes and returns the new commit hash.
func (r *Repo) Commit(message string) (plumbing.Hash, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("opening worktree: %w", err)
	}
	h, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: r.sig.Name, Email: r.sig.Email, When: time.Now()},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("committing: %w", err)
	}
	return h, nil
}

// ResetHard moves the branch, index and working tree to commit and removes
// untracked files and directories. Calling it twice is equivalent to once.
func (r *Repo) ResetHard(commit plumbing.Hash) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: commit, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("hard reset to %s: %w", commit, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning untracked files: %w", err)
	}
	return nil
}

// ResetMixed moves the branch and index to commit and leaves the working
// tree untouched, so commits made after it show up as working-tree changes.
func (r *Repo) ResetMixed(commit plumbing.Hash) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: commit, Mode: git.MixedReset}); err != nil {
		return fmt.Errorf("mixed reset to %s: %w", commit, err)
	}
	return nil
}

// LineDelta is a count of added and removed lines.
type LineDelta struct {
	Added   int
	Removed int
}

// Net returns Added minus Removed.
func (d LineDelta) Net() int { return d.Added - d.Removed }

// WorkingTreeDelta diffs every changed file on disk against its content
// at base and totals the changed lines.
func (r *Repo) WorkingTreeDelta(base plumbing.Hash) (LineDelta, error) {
	var total LineDelta

	commit, err := r.repo.CommitObject(base)
	if err != nil {
		return total, fmt.Errorf("loading commit %s: %w", base, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return total, fmt.Errorf("loading tree of %s: %w", base, err)
	}
	files, err := r.ChangedFiles()
	if err != nil {
		return total, err
	}

	for _, path := range files {
		before := ""
		if f, err := tree.File(path); err == nil {
			if before, err = f.Contents(); err != nil {
				return total, fmt.Errorf("reading %s at %s: %w", path, base, err)
			}
		}
		after := ""
		data, err := os.ReadFile(filepath.Join(r.path, filepath.FromSlash(path)))
		switch {
		case err == nil:
			after = string(data)
		case !errors.Is(err, os.ErrNotExist):
			return total, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, d := range diff.Do(before, after) {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				total.Added += countLines(d.Text)
			case diffmatchpatch.DiffDelete:
				total.Removed += countLines(d.Text)
			}
		}
	}
	return total, nil
}

// FileStat is the per-file line summary between two commits.
type FileStat struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// Patch returns the unified diff and per-file stats between two commits.
func (r *Repo) Patch(from, to plumbing.Hash) (string, []FileStat, error) {
	fromCommit, err := r.repo.CommitObject(from)
	if err != nil {
		return "", nil, fmt.Errorf("loading commit %s: %w", from, err)
	}
	toCommit, err := r.repo.CommitObject(to)
	if err != nil {
		return "", nil, fmt.Errorf("loading commit %s: %w", to, err)
	}
	patch, err := fromCommit.Patch(toCommit)
	if err != nil {
		return "", nil, fmt.Errorf("diffing %s..%s: %w", from, to, err)
	}

	stats := patch.Stats()
	out := make([]FileStat, 0, len(stats))
	for _, s := range stats {
		out = append(out, FileStat{Path: s.Name, Added: s.Addition, Removed: s.Deletion})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return patch.String(), out, nil
}

func (r *Repo) status() (git.Status, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	return st, nil
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
