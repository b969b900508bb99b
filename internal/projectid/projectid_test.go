package projectid

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReadBareUUID(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, MarkerFileName), []byte("abc-123\n"), 0o644)

	id, err := Read(dir)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if id != "abc-123" {
		t.Errorf("expected id %q, got %q", "abc-123", id)
	}
}

func TestReadJSONObject(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, MarkerFileName), []byte(`{"id": "xyz-789"}`), 0o644)

	id, err := Read(dir)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if id != "xyz-789" {
		t.Errorf("expected id %q, got %q", "xyz-789", id)
	}
}

func TestReadMissingMarker(t *testing.T) {
	dir := t.TempDir()
	_, err := Read(dir)
	if !errors.Is(err, ErrNoMarker) {
		t.Fatalf("expected ErrNoMarker, got %v", err)
	}
}

func TestVerifyUnpinnedAlwaysPasses(t *testing.T) {
	dir := t.TempDir()
	if err := Verify(dir, "anything"); err != nil {
		t.Errorf("expected an unpinned root to pass verification, got %v", err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, MarkerFileName), []byte("pinned-id"), 0o644)

	if err := Verify(dir, "pinned-id"); err != nil {
		t.Errorf("expected matching id to pass, got %v", err)
	}
	if err := Verify(dir, "other-id"); !errors.Is(err, ErrMismatch) {
		t.Errorf("expected ErrMismatch, got %v", err)
	}
}
