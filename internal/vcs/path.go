package vcs

import (
	"fmt"
	"path/filepath"
	"strings"
)

// relativeToWorktree expresses path relative to root using forward
// slashes, the separator go-git's index expects regardless of OS.
func relativeToWorktree(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("vcs: %s is not inside worktree %s: %w", path, root, err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("vcs: %s is outside worktree %s", path, root)
	}
	return filepath.ToSlash(rel), nil
}
