package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/oxhq/codetree/internal/backup"
	"github.com/oxhq/codetree/internal/parser"
	"github.com/oxhq/codetree/internal/store"
	"github.com/oxhq/codetree/internal/treeindex"
)

func newTestPipeline(t *testing.T) (*Pipeline, store.Facade) {
	t.Helper()
	dir := t.TempDir()

	aw := NewAtomicWriter(DefaultAtomicConfig())
	tm := NewTransactionManager(filepath.Join(dir, "txlog"), aw)
	bs, err := backup.NewStore(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	facade, err := store.Connect(":memory:")
	if err != nil {
		t.Fatalf("store.Connect failed: %v", err)
	}

	p := NewPipeline(aw, tm, bs, facade, nil, parser.New(), nil)
	return p, facade
}

func buildTestTree(t *testing.T, path, source string) *treeindex.Tree {
	t.Helper()
	adapter := parser.New()
	res, err := adapter.Parse(context.Background(), []byte(source))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	tree, err := treeindex.Build("t1", path, res.Source, res.Tree.RootNode(), res.Tree, 10000)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return tree
}

func TestSaveWritesFileAndRow(t *testing.T) {
	p, facade := newTestPipeline(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "a.py")

	tree := buildTestTree(t, target, "def foo():\n    return 1\n")

	ctx := context.Background()
	proj := &store.Project{RootPath: dir}
	if err := facade.UpsertProject(ctx, proj); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}

	result, err := p.Save(ctx, tree, SaveOptions{ProjectID: proj.ID})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if result.FileID == "" {
		t.Error("expected a non-empty file id")
	}

	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(content) != "def foo():\n    return 1\n" {
		t.Errorf("unexpected written content: %q", content)
	}

	files, err := facade.ListFiles(ctx, proj.ID)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file row, got %d", len(files))
	}
	if files[0].LineCount != 2 {
		t.Errorf("expected line count 2, got %d", files[0].LineCount)
	}
}

func TestSaveWithBackupRetainsPriorVersion(t *testing.T) {
	p, facade := newTestPipeline(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "a.py")
	if err := os.WriteFile(target, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	tree := buildTestTree(t, target, "x = 2\n")

	ctx := context.Background()
	proj := &store.Project{RootPath: dir}
	if err := facade.UpsertProject(ctx, proj); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}

	result, err := p.Save(ctx, tree, SaveOptions{ProjectID: proj.ID, Backup: true})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if result.BackupID == "" {
		t.Error("expected a backup id since the target already existed")
	}

	versions, err := p.Backup.Versions(target)
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 retained version, got %d", len(versions))
	}
}

func TestSaveRejectsInvalidParseCheckedContent(t *testing.T) {
	p, facade := newTestPipeline(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "a.py")

	adapter := parser.New()
	// Build a tree, then corrupt its source so Unparse writes something
	// that no longer parses cleanly.
	res, err := adapter.Parse(context.Background(), []byte("def foo():\n    return 1\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	tree, err := treeindex.Build("t1", target, res.Source, res.Tree.RootNode(), res.Tree, 10000)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	tree.Source = []byte("def foo(:\n")

	ctx := context.Background()
	proj := &store.Project{RootPath: dir}
	if err := facade.UpsertProject(ctx, proj); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}

	_, err = p.Save(ctx, tree, SaveOptions{ProjectID: proj.ID, ParseCheck: true})
	if err == nil {
		t.Fatal("expected an error from an invalid parse-checked write")
	}
	if _, statErr := os.Stat(target); statErr == nil {
		t.Error("expected the target file not to have been created")
	}
}
