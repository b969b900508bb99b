// Package vcs is the best-effort commit step of the persistence
// pipeline: stage one file and commit it in the repository that
// contains it, if there is one. Failure here never fails a save — the
// file and row store are already consistent by the time this runs.
package vcs

import (
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Committer commits a single file to its enclosing git repository.
type Committer struct {
	authorName  string
	authorEmail string
}

// NewCommitter returns a Committer that signs commits as authorName.
func NewCommitter(authorName, authorEmail string) *Committer {
	return &Committer{authorName: authorName, authorEmail: authorEmail}
}

// Commit opens the repository containing path (searching parent
// directories the way `git` itself does), stages path, and commits it
// with message. It is a no-op, not an error, if path is not inside a
// git repository.
func (c *Committer) Commit(path, message string) error {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err == git.ErrRepositoryNotExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vcs: open repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("vcs: worktree: %w", err)
	}

	relPath, err := relativeToWorktree(wt.Filesystem.Root(), path)
	if err != nil {
		return err
	}

	if _, err := wt.Add(relPath); err != nil {
		return fmt.Errorf("vcs: stage %s: %w", relPath, err)
	}

	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.authorName,
			Email: c.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("vcs: commit: %w", err)
	}
	return nil
}
