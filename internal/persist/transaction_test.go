package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *TransactionManager {
	t.Helper()
	logDir := filepath.Join(t.TempDir(), "txlog")
	aw := NewAtomicWriter(DefaultAtomicConfig())
	return NewTransactionManager(logDir, aw)
}

func TestBeginTransaction_RejectsConcurrentOpen(t *testing.T) {
	tm := newTestManager(t)

	if _, err := tm.BeginTransaction("first"); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	if _, err := tm.BeginTransaction("second"); err == nil {
		t.Error("expected error starting a second transaction while one is open")
	}
}

func TestAddOperation_BacksUpExistingFileOnModify(t *testing.T) {
	tm := newTestManager(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "file.py")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	if _, err := tm.BeginTransaction("modify file"); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	op, err := tm.AddOperation("modify", target)
	if err != nil {
		t.Fatalf("AddOperation failed: %v", err)
	}
	if op.BackupPath == "" {
		t.Fatal("expected a backup path for a modify of an existing file")
	}
	if _, err := os.Stat(op.BackupPath); err != nil {
		t.Fatalf("expected backup file to exist: %v", err)
	}
	if op.Checksum == "" {
		t.Error("expected a checksum to be recorded")
	}
}

func TestCommitTransaction_RequiresAllOperationsComplete(t *testing.T) {
	tm := newTestManager(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "new.py")

	if _, err := tm.BeginTransaction("create file"); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	if _, err := tm.AddOperation("create", target); err != nil {
		t.Fatalf("AddOperation failed: %v", err)
	}

	if err := tm.CommitTransaction(); err == nil {
		t.Error("expected commit to fail before the operation is completed")
	}

	if err := tm.CompleteOperation(target, nil); err != nil {
		t.Fatalf("CompleteOperation failed: %v", err)
	}
	if err := tm.CommitTransaction(); err != nil {
		t.Fatalf("CommitTransaction failed: %v", err)
	}
}

func TestRollbackTransaction_RestoresModifiedFile(t *testing.T) {
	tm := newTestManager(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "file.py")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	if _, err := tm.BeginTransaction("modify file"); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	if _, err := tm.AddOperation("modify", target); err != nil {
		t.Fatalf("AddOperation failed: %v", err)
	}
	if err := os.WriteFile(target, []byte("changed"), 0o644); err != nil {
		t.Fatalf("simulated write failed: %v", err)
	}
	if err := tm.CompleteOperation(target, nil); err != nil {
		t.Fatalf("CompleteOperation failed: %v", err)
	}

	if err := tm.RollbackTransaction(); err != nil {
		t.Fatalf("RollbackTransaction failed: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target failed: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("expected file restored to 'original', got %q", data)
	}
}

func TestListPendingTransactions(t *testing.T) {
	tm := newTestManager(t)
	if _, err := tm.BeginTransaction("left open"); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}

	pending, err := tm.ListPendingTransactions()
	if err != nil {
		t.Fatalf("ListPendingTransactions failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending transaction, got %d", len(pending))
	}
}

func TestCleanupOldTransactions(t *testing.T) {
	tm := newTestManager(t)
	tx, err := tm.BeginTransaction("to clean up")
	if err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	if err := tm.CommitTransaction(); err != nil {
		t.Fatalf("CommitTransaction failed: %v", err)
	}

	if err := tm.CleanupOldTransactions(-time.Hour); err != nil {
		t.Fatalf("CleanupOldTransactions failed: %v", err)
	}

	if _, err := tm.LoadTransaction(tx.ID); err == nil {
		t.Error("expected the committed transaction log to have been removed")
	}
}
