package persist

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sirupsen/logrus"

	"github.com/oxhq/codetree/internal/backup"
	"github.com/oxhq/codetree/internal/core"
	"github.com/oxhq/codetree/internal/parser"
	"github.com/oxhq/codetree/internal/store"
	"github.com/oxhq/codetree/internal/treeindex"
	"github.com/oxhq/codetree/internal/vcs"
)

// SaveOptions controls one Pipeline.Save call. Everything but the
// target tree is optional: the pipeline degrades gracefully when a
// collaborator is nil or a flag is unset.
type SaveOptions struct {
	ProjectID       string
	Backup          bool
	ParseCheck      bool // warn (don't abort) if the on-disk content fails to parse before writing
	CommitMessage   string
	AutoReload      bool
	IncludeDiff     bool // compute a unified diff of the old vs. new content
}

// Result is what a caller gets back from a successful Save.
type Result struct {
	FilePath     string
	FileID       string
	BackupID     string
	TreeReloaded *treeindex.Tree
	Diff         string // unified diff, set only when SaveOptions.IncludeDiff is true
}

// Pipeline wires the save collaborators into an ordered, rollback-aware
// write: lock/backup/write via AtomicWriter's temp-then-rename, a
// TransactionManager log so a partial failure can restore the backup,
// a row-store transaction for the fact replay, and a best-effort VCS
// commit last.
type Pipeline struct {
	Writer  *AtomicWriter
	Txn     *TransactionManager
	Backup  *backup.Store
	Store   store.Facade
	VCS     *vcs.Committer
	Parser  *parser.Adapter
	Log     *logrus.Logger
}

// NewPipeline wires a Pipeline from its collaborators. vcsCommitter
// may be nil if the deployment never wants VCS commits.
func NewPipeline(writer *AtomicWriter, txn *TransactionManager, backupStore *backup.Store, facade store.Facade, vcsCommitter *vcs.Committer, adapter *parser.Adapter, log *logrus.Logger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{Writer: writer, Txn: txn, Backup: backupStore, Store: facade, VCS: vcsCommitter, Parser: adapter, Log: log}
}

// Save writes tree's current source to disk, replays its facts into
// the row store, and optionally commits it to VCS and rebuilds the
// in-memory index — the thirteen steps in order, restoring the
// pre-write backup on any failure at or after the rename.
func (p *Pipeline) Save(ctx context.Context, tree *treeindex.Tree, opts SaveOptions) (*Result, error) {
	absolute, err := filepath.Abs(tree.FilePath)
	if err != nil {
		return nil, fmt.Errorf("persist: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absolute), 0o755); err != nil {
		return nil, fmt.Errorf("persist: create parent dir: %w", err)
	}

	if opts.ParseCheck {
		p.warnIfExistingContentInvalid(ctx, absolute)
	}

	existed := fileExists(absolute)

	var previousContent []byte
	if opts.IncludeDiff && existed {
		previousContent, _ = os.ReadFile(absolute)
	}

	var backupID string
	if opts.Backup && existed && p.Backup != nil {
		backupID, err = p.Backup.Create(absolute)
		if err != nil {
			return nil, fmt.Errorf("persist: backup: %w", err)
		}
	}

	newContent := p.Parser.Unparse(&parser.ParseResult{Source: tree.Source})

	tempFile, err := os.CreateTemp(filepath.Dir(absolute), ".codetree-save-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("persist: create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(newContent); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return nil, fmt.Errorf("persist: write temp file: %w", err)
	}
	tempFile.Close()

	if opts.ParseCheck {
		if res, perr := p.Parser.Parse(ctx, newContent); perr != nil || p.Parser.ValidateModule(res) != nil {
			os.Remove(tempPath)
			if perr == nil {
				perr = p.Parser.ValidateModule(res)
			}
			return nil, fmt.Errorf("persist: new content failed to parse: %w", perr)
		}
	}

	opType := "modify"
	if !existed {
		opType = "create"
	}
	if _, err := p.Txn.BeginTransaction(fmt.Sprintf("save %s", absolute)); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("persist: begin transaction log: %w", err)
	}
	if _, err := p.Txn.AddOperation(opType, absolute); err != nil {
		os.Remove(tempPath)
		p.Txn.RollbackTransaction()
		return nil, fmt.Errorf("persist: record planned operation: %w", err)
	}

	var txID store.TxnID
	if p.Store != nil {
		txID, err = p.Store.Begin(ctx)
		if err != nil {
			os.Remove(tempPath)
			p.Txn.RollbackTransaction()
			return nil, fmt.Errorf("persist: begin row-store transaction: %w", err)
		}
	}

	if err := os.Rename(tempPath, absolute); err != nil {
		// Step 8 failure: the target is untouched, so remove the temp
		// file and roll back both transactions, neither of which
		// completed anything.
		os.Remove(tempPath)
		if p.Store != nil {
			p.Store.Rollback(txID)
		}
		p.Txn.RollbackTransaction()
		return nil, fmt.Errorf("persist: rename temp file into place: %w", err)
	}

	fileID, factsErr := p.recordFacts(ctx, tree, absolute, opts)
	if factsErr != nil {
		if p.Store != nil {
			p.Store.Rollback(txID)
		}
		p.Txn.CompleteOperation(absolute, factsErr)
		p.Txn.RollbackTransaction()
		return nil, fmt.Errorf("persist: record facts: %w", factsErr)
	}

	if p.Store != nil {
		if err := p.Store.Commit(txID); err != nil {
			p.Txn.CompleteOperation(absolute, err)
			p.Txn.RollbackTransaction()
			return nil, fmt.Errorf("persist: commit row-store transaction: %w", err)
		}
	}

	if err := p.Txn.CompleteOperation(absolute, nil); err != nil {
		p.Log.WithError(err).Warn("persist: failed to mark transaction operation complete")
	}
	if err := p.Txn.CommitTransaction(); err != nil {
		p.Log.WithError(err).Warn("persist: failed to close transaction log")
	}

	if opts.CommitMessage != "" && p.VCS != nil {
		if err := p.VCS.Commit(absolute, opts.CommitMessage); err != nil {
			p.Log.WithError(err).WithField("path", absolute).Warn("persist: best-effort VCS commit failed")
		}
	}

	result := &Result{FilePath: absolute, FileID: fileID, BackupID: backupID}

	if opts.IncludeDiff {
		result.Diff = unifiedDiff(absolute, previousContent, newContent)
	}

	if opts.AutoReload {
		reloaded, err := p.Parser.Parse(ctx, newContent)
		if err != nil {
			p.Log.WithError(err).Warn("persist: auto-reload parse failed")
			return result, nil
		}
		rebuilt, err := treeindex.Build(tree.ID, tree.FilePath, reloaded.Source, reloaded.Tree.RootNode(), reloaded.Tree, tree.MaxNodes)
		if err != nil {
			p.Log.WithError(err).Warn("persist: auto-reload index rebuild failed")
			return result, nil
		}
		result.TreeReloaded = rebuilt
	}

	return result, nil
}

// unifiedDiff renders a standard "---"/"+++" unified diff between the
// file's prior content and what Save just wrote. An empty before with
// a non-empty after (file creation) still produces a readable diff.
func unifiedDiff(path string, before, after []byte) string {
	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return ""
	}
	return text
}

func (p *Pipeline) warnIfExistingContentInvalid(ctx context.Context, path string) {
	existing, err := os.ReadFile(path)
	if err != nil {
		return // new file, nothing to warn about
	}
	res, err := p.Parser.Parse(ctx, existing)
	if err != nil || p.Parser.ValidateModule(res) != nil {
		p.Log.WithField("path", path).Warn("persist: on-disk content does not currently parse cleanly")
	}
}

// recordFacts recomputes the file's metadata and upserts it plus its
// side-effect rows (classes/functions/methods/imports/usages) from
// the tree already held in memory — the fact replay never re-parses,
// since tree already reflects the bytes just written.
func (p *Pipeline) recordFacts(ctx context.Context, tree *treeindex.Tree, absolute string, opts SaveOptions) (string, error) {
	if p.Store == nil {
		return "", nil
	}

	info, err := os.Stat(absolute)
	if err != nil {
		return "", fmt.Errorf("stat written file: %w", err)
	}
	lineCount := countLines(tree.Source)

	file, err := p.Store.GetFileByPath(ctx, opts.ProjectID, absolute)
	if err != nil {
		file = &store.File{ProjectID: opts.ProjectID, AbsPath: absolute}
	}
	file.LineCount = lineCount
	file.ModifiedAt = info.ModTime()
	file.ContentHash = contentHash(tree.Source)
	if err := p.Store.UpsertFile(ctx, file); err != nil {
		return "", fmt.Errorf("upsert file row: %w", err)
	}

	classes, functions, methods, imports, usages := factsFromTree(tree, file.ID)
	if err := p.Store.ReplaceClasses(ctx, file.ID, classes); err != nil {
		return "", err
	}
	if err := p.Store.ReplaceFunctions(ctx, file.ID, functions); err != nil {
		return "", err
	}
	if err := p.Store.ReplaceMethods(ctx, file.ID, methods); err != nil {
		return "", err
	}
	if err := p.Store.ReplaceImports(ctx, file.ID, imports); err != nil {
		return "", err
	}
	if err := p.Store.ReplaceUsages(ctx, file.ID, usages); err != nil {
		return "", err
	}

	return file.ID, nil
}

// factsFromTree walks the index's own metadata map rather than
// re-parsing, classifying each node by the Kind treeindex already
// assigned it.
func factsFromTree(tree *treeindex.Tree, fileID string) ([]store.Class, []store.Function, []store.Method, []store.Import, []store.Usage) {
	var classes []store.Class
	var functions []store.Function
	var methods []store.Method
	var imports []store.Import

	classByQualname := make(map[string]string) // qualname -> synthetic row id, filled as we go

	for id, m := range tree.Metadata {
		switch m.Kind {
		case core.KindClass:
			rowID := id
			classByQualname[m.Qualname] = rowID
			classes = append(classes, store.Class{
				ID: rowID, FileID: fileID, Name: m.Name, Qualname: m.Qualname,
				StartLine: m.StartLine, EndLine: m.EndLine,
			})
		case core.KindFunction:
			functions = append(functions, store.Function{
				ID: id, FileID: fileID, Name: m.Name, Qualname: m.Qualname,
				StartLine: m.StartLine, EndLine: m.EndLine,
			})
		case core.KindMethod:
			ownerQualname := strings.TrimSuffix(m.Qualname, "."+m.Name)
			methods = append(methods, store.Method{
				ID: id, ClassID: classByQualname[ownerQualname], FileID: fileID,
				Name: m.Name, Qualname: m.Qualname, StartLine: m.StartLine, EndLine: m.EndLine,
			})
		case core.KindImport:
			imports = append(imports, store.Import{
				ID: id, FileID: fileID, Module: m.Name, Line: m.StartLine,
			})
		}
	}

	// Usages are out of codetree's own analysis scope: the core never
	// populates call/reference facts, so this is always
	// empty here and exists solely so the façade call has something to
	// clear stale rows with.
	var usages []store.Usage

	return classes, functions, methods, imports, usages
}

func countLines(source []byte) int {
	if len(source) == 0 {
		return 0
	}
	scanner := bufio.NewScanner(bytes.NewReader(source))
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	count := 0
	for scanner.Scan() {
		count++
	}
	return count
}

func contentHash(source []byte) string {
	h := fnv1a(source)
	return fmt.Sprintf("%016x", h)
}

// fnv1a avoids pulling in crypto/sha256 for a cheap change-detection
// hash; the row store never uses this for anything security-relevant.
func fnv1a(data []byte) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, b := range data {
		h ^= uint64(b)
		h *= prime64
	}
	return h
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
