package backup

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAndRestore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	target := filepath.Join(dir, "file.py")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	id, err := store.Create(target)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty version id")
	}

	if err := os.WriteFile(target, []byte("changed"), 0o644); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	if err := store.Restore(id); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("expected restored content 'original', got %q", data)
	}
}

func TestVersionsAccumulate(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	target := filepath.Join(dir, "file.py")
	os.WriteFile(target, []byte("v1"), 0o644)
	store.Create(target)
	os.WriteFile(target, []byte("v2"), 0o644)
	store.Create(target)

	versions, err := store.Versions(target)
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
}

func TestRestoreUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.Restore("does-not-exist"); err == nil {
		t.Error("expected error restoring an unknown version id")
	}
}
