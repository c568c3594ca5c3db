package applier

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/fyrsmithlabs/draftpr/internal/vcs"
)

const checkpointMessage = "Checkpoint before APPLY"

// Transaction brackets a change to a working copy with a known-good
// checkpoint commit to return to.
type Transaction struct {
	repo       *vcs.Repo
	checkpoint plumbing.Hash
	// CreatedCheckpoint is set when Begin had to commit a dirty tree.
	CreatedCheckpoint bool
}

// Begin refuses detached or conflicted working copies and commits any
// pending changes so the checkpoint is always a commit.
func Begin(repo *vcs.Repo) (*Transaction, error) {
	detached, err := repo.IsDetached()
	if err != nil {
		return nil, err
	}
	if detached {
		return nil, vcs.ErrDetachedHead
	}
	conflicted, err := repo.HasConflicts()
	if err != nil {
		return nil, err
	}
	if conflicted {
		return nil, vcs.ErrConflicts
	}

	tx := &Transaction{repo: repo}
	dirty, err := repo.IsDirty()
	if err != nil {
		return nil, err
	}
	if dirty {
		if err := repo.StageAll(); err != nil {
			return nil, fmt.Errorf("staging checkpoint: %w", err)
		}
		if _, err := repo.Commit(checkpointMessage); err != nil {
			return nil, fmt.Errorf("creating checkpoint: %w", err)
		}
		tx.CreatedCheckpoint = true
	}
	if tx.checkpoint, err = repo.Head(); err != nil {
		return nil, err
	}
	return tx, nil
}

// Checkpoint returns the commit the transaction rolls back to.
func (tx *Transaction) Checkpoint() plumbing.Hash { return tx.checkpoint }

// Modified reports whether HEAD moved or the tree changed since Begin.
func (tx *Transaction) Modified() (bool, error) {
	head, err := tx.repo.Head()
	if err != nil {
		return false, err
	}
	if head != tx.checkpoint {
		return true, nil
	}
	return tx.repo.IsDirty()
}

// Rollback hard-resets to the checkpoint and removes untracked files. It is
// safe to call more than once.
func (tx *Transaction) Rollback() error {
	return tx.repo.ResetHard(tx.checkpoint)
}

// Commit stages everything and commits it with message.
func (tx *Transaction) Commit(message string) (plumbing.Hash, error) {
	if err := tx.repo.StageAll(); err != nil {
		return plumbing.ZeroHash, err
	}
	return tx.repo.Commit(message)
}
