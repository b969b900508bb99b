package vcs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
)

func TestCommit_StagesAndCommitsFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatalf("PlainInit failed: %v", err)
	}

	target := filepath.Join(dir, "file.py")
	if err := os.WriteFile(target, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	c := NewCommitter("codetree", "codetree@example.com")
	if err := c.Commit(target, "add file.py"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("PlainOpen failed: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		t.Fatalf("CommitObject failed: %v", err)
	}
	if commit.Message != "add file.py" {
		t.Errorf("expected commit message %q, got %q", "add file.py", commit.Message)
	}
}

func TestCommit_NoOpOutsideRepository(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.py")
	os.WriteFile(target, []byte("x = 1\n"), 0o644)

	c := NewCommitter("codetree", "codetree@example.com")
	if err := c.Commit(target, "add file.py"); err != nil {
		t.Errorf("expected no-op outside a repository, got error: %v", err)
	}
}
