package integrity

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/glebarez/go-sqlite"

	"github.com/oxhq/codetree/internal/backup"
)

func newTestGate(t *testing.T, dsn string) *Gate {
	t.Helper()
	dir := t.TempDir()
	bs, err := backup.NewStore(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	marker := filepath.Join(dir, "store.db.corrupt.json")
	return NewGate(dsn, marker, bs, nil)
}

func TestCheckPassesOnHealthyStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}
	db.Close()

	g := newTestGate(t, path)
	if err := g.Check(context.Background()); err != nil {
		t.Fatalf("expected a healthy store to pass, got %v", err)
	}
}

func TestCheckPassesOnMissingStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.db")

	g := newTestGate(t, path)
	if err := g.Check(context.Background()); err != nil {
		t.Fatalf("expected a not-yet-created store to pass, got %v", err)
	}
}

func TestFreezeWritesMarkerAndShortCircuits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")
	if err := os.WriteFile(path, []byte("not a sqlite file"), 0o644); err != nil {
		t.Fatalf("write corrupt file failed: %v", err)
	}

	stopped := false
	g := newTestGate(t, path)
	g.OnCorrupted = func() { stopped = true }

	err := g.Check(context.Background())
	if err == nil {
		t.Fatal("expected the corrupted store to fail Check")
	}
	ec, ok := err.(*ErrCorrupted)
	if !ok {
		t.Fatalf("expected *ErrCorrupted, got %T", err)
	}
	if ec.MarkerPath != g.MarkerPath {
		t.Errorf("expected marker path %q, got %q", g.MarkerPath, ec.MarkerPath)
	}
	if !stopped {
		t.Error("expected OnCorrupted to have been called")
	}
	if _, statErr := os.Stat(g.MarkerPath); statErr != nil {
		t.Errorf("expected marker file to exist: %v", statErr)
	}

	// A second Check must short-circuit without re-probing the store.
	err2 := g.Check(context.Background())
	if err2 == nil {
		t.Fatal("expected Check to stay frozen")
	}
	if _, ok := err2.(*ErrCorrupted); !ok {
		t.Fatalf("expected *ErrCorrupted on the frozen path too, got %T", err2)
	}
}

func TestRepairClearsMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")
	os.WriteFile(path, []byte("not a sqlite file"), 0o644)

	g := newTestGate(t, path)
	if err := g.Check(context.Background()); err == nil {
		t.Fatal("expected Check to fail first")
	}

	frozen, _ := g.Status()
	if !frozen {
		t.Fatal("expected Status to report frozen")
	}

	if err := g.Repair(); err != nil {
		t.Fatalf("Repair failed: %v", err)
	}

	frozen, _ = g.Status()
	if frozen {
		t.Error("expected Status to report not frozen after Repair")
	}
}
