package rpc

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/oxhq/codetree/internal/core"
	"github.com/oxhq/codetree/internal/integrity"
	"github.com/oxhq/codetree/internal/mutator"
	"github.com/oxhq/codetree/internal/parser"
	"github.com/oxhq/codetree/internal/persist"
	"github.com/oxhq/codetree/internal/projectid"
	"github.com/oxhq/codetree/internal/selector"
	"github.com/oxhq/codetree/internal/treeindex"
)

// maxNodesDefault bounds a loaded tree when neither the request nor
// the deployment names an explicit cap.
const maxNodesDefault = 200_000

// Deps bundles every collaborator the method table dispatches onto.
// One Deps backs one store/project: a deployment with several stores
// runs one Gateway (and one Deps) per socket.
type Deps struct {
	Registry *treeindex.Registry
	Parser   *parser.Adapter
	Mutator  *mutator.Mutator
	Pipeline *persist.Pipeline
	Gate     *integrity.Gate

	// ProjectRoot is checked against a request's ProjectID via
	// projectid.Verify before any mutating call runs.
	ProjectRoot string

	// MaxNodes bounds a freshly loaded tree when a tree.load call
	// doesn't name one explicitly. Zero means maxNodesDefault.
	MaxNodes int
}

// RegisterHandlers wires the full method table onto router. Every
// method except the ones on integrity.AllowList first passes through
// deps.Gate.Check, so a frozen store only ever answers recovery calls.
func RegisterHandlers(router *Router, deps *Deps) {
	table := map[string]Handler{
		"tree.load":              deps.handleLoad,
		"tree.reload":            deps.handleReload,
		"tree.remove":            deps.handleRemove,
		"tree.query":             deps.handleQuery,
		"tree.search":            deps.handleSearch,
		"tree.find_covering":     deps.handleFindCovering,
		"tree.find_intersecting": deps.handleFindIntersecting,
		"tree.modify":            deps.handleModify,
		"tree.save":              deps.handleSave,
		"files.hard_delete":      deps.handleFilesHardDelete,
		"integrity.status":       deps.handleIntegrityStatus,
		"integrity.backup":       deps.handleIntegrityBackup,
		"integrity.repair":       deps.handleIntegrityRepair,
		"integrity.restore":      deps.handleIntegrityRestore,
	}

	for method, handler := range table {
		router.Register(method, deps.gated(method, handler))
	}
}

// gated wraps handler so that every method not on the allow-list runs
// the corruption probe first, and a frozen store short-circuits straight
// to error code 2 with details.marker_path set, never reaching handler.
func (d *Deps) gated(method string, handler Handler) Handler {
	if allowListed(method) {
		return handler
	}
	return func(ctx context.Context, params []byte) Envelope {
		if d.Gate != nil {
			if err := d.Gate.Check(ctx); err != nil {
				return envelopeForCorruption(err)
			}
		}
		return handler(ctx, params)
	}
}

func allowListed(method string) bool {
	for _, m := range integrity.AllowList {
		if m == method {
			return true
		}
	}
	return false
}

func envelopeForCorruption(err error) Envelope {
	var corrupted *integrity.ErrCorrupted
	if errors.As(err, &corrupted) {
		return Fail(DatabaseError, corrupted.Message, map[string]any{
			"marker_path":  corrupted.MarkerPath,
			"backup_paths": corrupted.BackupPaths,
			"allow_list":   corrupted.AllowList,
		})
	}
	return Fail(DatabaseError, err.Error(), nil)
}

// nodeInfo is the wire shape every tree-query-family method hands back
// for a node: core.NodeMetadata plus nothing extra, named so the JSON
// field order stays stable regardless of the struct's internal layout.
type nodeInfo = core.NodeMetadata

// --- tree.load ---------------------------------------------------------

type loadParams struct {
	ProjectID string `json:"project_id"`
	FilePath  string `json:"file_path"`
	MaxNodes  int    `json:"max_nodes,omitempty"`
}

type loadResult struct {
	TreeID   string    `json:"tree_id"`
	FilePath string    `json:"file_path"`
	Root     *nodeInfo `json:"root"`
	NodeCount int      `json:"node_count"`
}

func (d *Deps) handleLoad(ctx context.Context, raw []byte) Envelope {
	var p loadParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}
	if p.FilePath == "" {
		return Fail(ValidationError, "file_path is required", nil)
	}

	source, err := os.ReadFile(p.FilePath)
	if err != nil {
		return Fail(NotFound, fmt.Sprintf("read %s: %v", p.FilePath, err), nil)
	}

	res, err := d.Parser.Parse(ctx, source)
	if err != nil {
		return Fail(ValidationError, err.Error(), nil)
	}
	if err := d.Parser.ValidateModule(res); err != nil {
		return Fail(ValidationError, err.Error(), nil)
	}

	maxNodes := p.MaxNodes
	if maxNodes <= 0 {
		maxNodes = d.MaxNodes
	}
	if maxNodes <= 0 {
		maxNodes = maxNodesDefault
	}

	tree, err := treeindex.Build(uuid.NewString(), p.FilePath, res.Source, res.Tree.RootNode(), res.Tree, maxNodes)
	if err != nil {
		return Fail(ValidationError, err.Error(), nil)
	}
	d.Registry.Put(tree)

	return Ok(loadResultFor(tree))
}

func loadResultFor(tree *treeindex.Tree) loadResult {
	rootID := ""
	for id, m := range tree.Metadata {
		if m.ParentID == "" {
			rootID = id
			break
		}
	}
	var root *nodeInfo
	if rootID != "" {
		root = tree.Metadata[rootID]
	}
	return loadResult{TreeID: tree.ID, FilePath: tree.FilePath, Root: root, NodeCount: len(tree.Metadata)}
}

// --- tree.reload --------------------------------------------------------

type treeIDParams struct {
	TreeID string `json:"tree_id"`
}

func (d *Deps) handleReload(ctx context.Context, raw []byte) Envelope {
	var p treeIDParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}

	tree, err := d.Registry.MustGet(p.TreeID)
	if err != nil {
		return Fail(NotFound, err.Error(), nil)
	}

	var result Envelope
	lockErr := d.Registry.WithLock(p.TreeID, func() error {
		source, readErr := os.ReadFile(tree.FilePath)
		if readErr != nil {
			result = Fail(NotFound, fmt.Sprintf("read %s: %v", tree.FilePath, readErr), nil)
			return nil
		}
		res, parseErr := d.Parser.Parse(ctx, source)
		if parseErr != nil {
			result = Fail(ValidationError, parseErr.Error(), nil)
			return nil
		}
		if validateErr := d.Parser.ValidateModule(res); validateErr != nil {
			result = Fail(ValidationError, validateErr.Error(), nil)
			return nil
		}
		rebuilt, buildErr := treeindex.Build(tree.ID, tree.FilePath, res.Source, res.Tree.RootNode(), res.Tree, tree.MaxNodes)
		if buildErr != nil {
			result = Fail(ValidationError, buildErr.Error(), nil)
			return nil
		}
		d.Registry.Put(rebuilt)
		result = Ok(loadResultFor(rebuilt))
		return nil
	})
	if lockErr != nil {
		return Fail(Internal, lockErr.Error(), nil)
	}
	return result
}

// --- tree.remove ---------------------------------------------------------

func (d *Deps) handleRemove(ctx context.Context, raw []byte) Envelope {
	var p treeIDParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}
	if _, ok := d.Registry.Get(p.TreeID); !ok {
		return Fail(NotFound, fmt.Sprintf("no tree loaded for id %q", p.TreeID), nil)
	}
	d.Registry.Remove(p.TreeID)
	return Ok(map[string]any{"removed": p.TreeID})
}

// --- tree.query (selector) -----------------------------------------------

type queryParams struct {
	TreeID      string `json:"tree_id"`
	Selector    string `json:"selector"`
	IncludeCode bool   `json:"include_code,omitempty"`
}

func (d *Deps) handleQuery(ctx context.Context, raw []byte) Envelope {
	var p queryParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}

	tree, err := d.Registry.MustGet(p.TreeID)
	if err != nil {
		return Fail(NotFound, err.Error(), nil)
	}

	sel, err := selector.Parse(p.Selector)
	if err != nil {
		return Fail(ValidationError, err.Error(), nil)
	}

	ids := sel.Eval(tree)
	nodes := make([]*nodeInfo, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, withCode(tree, tree.Metadata[id], p.IncludeCode))
	}
	return Ok(map[string]any{"nodes": nodes})
}

// withCode returns m unchanged, or a shallow copy carrying its source
// snippet when include is set. It never mutates the tree's own stored
// metadata, since that pointer is shared across every future query.
func withCode(tree *treeindex.Tree, m *nodeInfo, include bool) *nodeInfo {
	if !include || m == nil {
		return m
	}
	cp := *m
	cp.Code = string(tree.Source[cp.StartByte:cp.EndByte])
	return &cp
}

// --- tree.search (independent-filter search) -----------------------------

type searchParams struct {
	TreeID      string `json:"tree_id"`
	Kind        string `json:"kind,omitempty"`
	Name        string `json:"name,omitempty"`
	Qualname    string `json:"qualname,omitempty"`
	Type        string `json:"type,omitempty"`
	IncludeCode bool   `json:"include_code,omitempty"`
}

func (d *Deps) handleSearch(ctx context.Context, raw []byte) Envelope {
	var p searchParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}

	tree, err := d.Registry.MustGet(p.TreeID)
	if err != nil {
		return Fail(NotFound, err.Error(), nil)
	}

	var nodes []*nodeInfo
	for _, m := range tree.Metadata {
		if p.Kind != "" && string(m.Kind) != p.Kind {
			continue
		}
		if p.Name != "" && m.Name != p.Name {
			continue
		}
		if p.Qualname != "" && m.Qualname != p.Qualname {
			continue
		}
		if p.Type != "" && m.Type != p.Type {
			continue
		}
		nodes = append(nodes, withCode(tree, m, p.IncludeCode))
	}
	return Ok(map[string]any{"nodes": nodes})
}

// --- tree.find_covering / tree.find_intersecting -------------------------

type lineRangeParams struct {
	TreeID      string `json:"tree_id"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	PreferExact bool   `json:"prefer_exact,omitempty"`
}

func (d *Deps) handleFindCovering(ctx context.Context, raw []byte) Envelope {
	var p lineRangeParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}
	tree, err := d.Registry.MustGet(p.TreeID)
	if err != nil {
		return Fail(NotFound, err.Error(), nil)
	}
	node := tree.FindCovering(p.StartLine, p.EndLine, p.PreferExact)
	if node == nil {
		return Fail(NotFound, "no node covers the given line range", nil)
	}
	return Ok(map[string]any{"node": node})
}

func (d *Deps) handleFindIntersecting(ctx context.Context, raw []byte) Envelope {
	var p lineRangeParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}
	tree, err := d.Registry.MustGet(p.TreeID)
	if err != nil {
		return Fail(NotFound, err.Error(), nil)
	}
	return Ok(map[string]any{"nodes": tree.FindIntersecting(p.StartLine, p.EndLine)})
}

// --- tree.modify ----------------------------------------------------------

type modifyParams struct {
	TreeID    string       `json:"tree_id"`
	ProjectID string       `json:"project_id"`
	Ops       []core.TreeOp `json:"ops"`
}

func (d *Deps) handleModify(ctx context.Context, raw []byte) Envelope {
	var p modifyParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}
	if err := d.verifyProject(p.ProjectID); err != nil {
		return Fail(PermissionDenied, err.Error(), nil)
	}

	tree, err := d.Registry.MustGet(p.TreeID)
	if err != nil {
		return Fail(NotFound, err.Error(), nil)
	}

	var result Envelope
	lockErr := d.Registry.WithLock(p.TreeID, func() error {
		newTree, applyErr := d.Mutator.Apply(ctx, tree, p.Ops)
		if applyErr != nil {
			result = Fail(mutatorErrorCode(applyErr), applyErr.Error(), nil)
			return nil
		}
		d.Registry.Put(newTree)
		result = Ok(loadResultFor(newTree))
		return nil
	})
	if lockErr != nil {
		return Fail(Internal, lockErr.Error(), nil)
	}
	return result
}

// mutatorErrorCode distinguishes "the request named something that
// doesn't exist" from "the request was malformed" — NotFound for an
// unknown node id, ValidationError for everything else the mutator
// rejects.
func mutatorErrorCode(err error) ErrorCode {
	if errors.Is(err, core.ErrNodeNotFound) {
		return NotFound
	}
	return ValidationError
}

// --- tree.save -------------------------------------------------------------

type saveParams struct {
	TreeID        string `json:"tree_id"`
	ProjectID     string `json:"project_id"`
	Backup        bool   `json:"backup"`
	ParseCheck    bool   `json:"parse_check"`
	CommitMessage string `json:"commit_message,omitempty"`
	AutoReload    bool   `json:"auto_reload"`
	IncludeDiff   bool   `json:"include_diff,omitempty"`
}

func (d *Deps) handleSave(ctx context.Context, raw []byte) Envelope {
	var p saveParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}
	if err := d.verifyProject(p.ProjectID); err != nil {
		return Fail(PermissionDenied, err.Error(), nil)
	}

	tree, err := d.Registry.MustGet(p.TreeID)
	if err != nil {
		return Fail(NotFound, err.Error(), nil)
	}

	result, err := d.Pipeline.Save(ctx, tree, persist.SaveOptions{
		ProjectID:     p.ProjectID,
		Backup:        p.Backup,
		ParseCheck:    p.ParseCheck,
		CommitMessage: p.CommitMessage,
		AutoReload:    p.AutoReload,
		IncludeDiff:   p.IncludeDiff,
	})
	if err != nil {
		return Fail(TransactionError, err.Error(), nil)
	}

	if result.TreeReloaded != nil {
		d.Registry.Put(result.TreeReloaded)
	}

	data := map[string]any{
		"file_path": result.FilePath,
		"file_id":   result.FileID,
		"backup_id": result.BackupID,
	}
	if p.IncludeDiff {
		data["diff"] = result.Diff
	}
	return Ok(data)
}

func (d *Deps) verifyProject(requestProjectID string) error {
	if d.ProjectRoot == "" {
		return nil
	}
	return projectid.Verify(d.ProjectRoot, requestProjectID)
}

// --- files.hard_delete ------------------------------------------------------

// hardDeleteParams names a file row, not a loaded tree: hard delete is
// a row-store cleanup operation kept off the tree.* surface so it can
// never happen as a side effect of an ordinary save or modify call.
type hardDeleteParams struct {
	ProjectID string `json:"project_id"`
	FileID    string `json:"file_id"`
}

func (d *Deps) handleFilesHardDelete(ctx context.Context, raw []byte) Envelope {
	var p hardDeleteParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}
	if p.FileID == "" {
		return Fail(ValidationError, "file_id is required", nil)
	}
	if err := d.verifyProject(p.ProjectID); err != nil {
		return Fail(PermissionDenied, err.Error(), nil)
	}
	if err := d.Pipeline.Store.HardDelete(ctx, p.FileID); err != nil {
		return Fail(DatabaseError, err.Error(), nil)
	}
	return Ok(map[string]any{"hard_deleted": p.FileID})
}

// --- integrity.* -----------------------------------------------------------

func (d *Deps) handleIntegrityStatus(ctx context.Context, raw []byte) Envelope {
	frozen, marker := d.Gate.Status()
	data := map[string]any{"frozen": frozen}
	if marker != nil {
		data["message"] = marker.Message
		data["detected_at"] = marker.DetectedAt
		data["backup_paths"] = marker.BackupPaths
	}
	return Ok(data)
}

type backupParams struct {
	Path string `json:"path"`
}

func (d *Deps) handleIntegrityBackup(ctx context.Context, raw []byte) Envelope {
	var p backupParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}
	if d.Gate.Backup == nil {
		return Fail(Internal, "no backup store configured", nil)
	}
	id, err := d.Gate.Backup.Create(p.Path)
	if err != nil {
		return Fail(DatabaseError, err.Error(), nil)
	}
	return Ok(map[string]any{"backup_id": id})
}

func (d *Deps) handleIntegrityRepair(ctx context.Context, raw []byte) Envelope {
	if err := d.Gate.Repair(); err != nil {
		return Fail(DatabaseError, err.Error(), nil)
	}
	return Ok(map[string]any{"repaired": true})
}

type restoreParams struct {
	BackupID string `json:"backup_id"`
}

func (d *Deps) handleIntegrityRestore(ctx context.Context, raw []byte) Envelope {
	var p restoreParams
	if err := decodeParams(raw, &p); err != nil {
		return Fail(InvalidRequest, err.Error(), nil)
	}
	if err := d.Gate.Restore(p.BackupID); err != nil {
		return Fail(DatabaseError, err.Error(), nil)
	}
	return Ok(map[string]any{"restored": p.BackupID})
}
