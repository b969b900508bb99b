// Package backup implements the backup collaborator the persistence
// pipeline calls before overwriting a file: a timestamped copy plus a
// JSON index mapping the original path to every version taken of it,
// so a later restore can find the right one.
package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Version is one retained copy of a file.
type Version struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`      // original, absolute file path
	StoredAt  string    `json:"stored_at"` // path of the backup copy itself
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// index is the on-disk ledger: original path -> versions, newest last.
type index struct {
	Versions map[string][]Version `json:"versions"`
}

// Store creates and restores timestamped backups under a single
// directory, tracked by a JSON index beside them.
type Store struct {
	dir       string
	indexPath string
	mu        sync.Mutex
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir, indexPath: filepath.Join(dir, "index.json")}, nil
}

// Create copies path's current content into the store and returns the
// new version's id. The caller must have already confirmed path exists.
func (s *Store) Create(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("backup: read %s: %w", path, err)
	}

	id := uuid.NewString()
	stored := filepath.Join(s.dir, id)
	if err := os.WriteFile(stored, content, 0o644); err != nil {
		return "", fmt.Errorf("backup: write backup copy: %w", err)
	}

	idx, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	idx.Versions[path] = append(idx.Versions[path], Version{
		ID:        id,
		Path:      path,
		StoredAt:  stored,
		CreatedAt: time.Now().UTC(),
	})
	if err := s.saveIndex(idx); err != nil {
		return "", err
	}
	return id, nil
}

// Restore writes the version's content back to its original path.
func (s *Store) Restore(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, versions := range idx.Versions {
		for _, v := range versions {
			if v.ID == id {
				content, err := os.ReadFile(v.StoredAt)
				if err != nil {
					return fmt.Errorf("backup: read stored version %s: %w", id, err)
				}
				return os.WriteFile(v.Path, content, 0o644)
			}
		}
	}
	return fmt.Errorf("backup: version %q not found", id)
}

// Versions returns every retained version of path, oldest first.
func (s *Store) Versions(path string) ([]Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return idx.Versions[path], nil
}

func (s *Store) loadIndex() (*index, error) {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return &index{Versions: make(map[string][]Version)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backup: read index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("backup: parse index: %w", err)
	}
	if idx.Versions == nil {
		idx.Versions = make(map[string][]Version)
	}
	return &idx, nil
}

func (s *Store) saveIndex(idx *index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath, data, 0o644)
}
