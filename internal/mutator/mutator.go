// Package mutator applies structural edits to a loaded tree as a
// single atomic, all-or-nothing batch. Tree-sitter trees are immutable
// C-owned structures, so there is no in-place rewrite available the
// way a Python CST library offers one: every op is converted into a
// source-byte splice, the whole batch is applied to a working copy,
// and the result is re-parsed and validated before it ever replaces
// the live tree.
package mutator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/oxhq/codetree/internal/core"
	"github.com/oxhq/codetree/internal/parser"
	"github.com/oxhq/codetree/internal/treeindex"
)

// Mutator applies core.TreeOp batches to a treeindex.Tree's source
// and hands back a freshly rebuilt tree.
type Mutator struct {
	adapter *parser.Adapter
}

// New returns a Mutator bound to the given parser adapter.
func New(adapter *parser.Adapter) *Mutator {
	return &Mutator{adapter: adapter}
}

// resolvedSplice is one concrete byte-range replacement derived from
// a validated op. end == start is a pure insertion.
type resolvedSplice struct {
	start, end int
	text       []byte
}

// Apply runs the two-phase validate-then-splice-then-reparse pipeline.
// On success it returns a brand-new *treeindex.Tree with a fully
// rebuilt index; every node id from tree is considered invalid after
// this call. On any failure it returns the first failing op's error
// and the caller's tree is left untouched.
func (m *Mutator) Apply(ctx context.Context, tree *treeindex.Tree, ops []core.TreeOp) (*treeindex.Tree, error) {
	splices := make([]resolvedSplice, 0, len(ops))
	for i, op := range ops {
		s, err := m.resolve(ctx, tree, op)
		if err != nil {
			return nil, fmt.Errorf("mutator: op %d (%s): %w", i, op.Kind, err)
		}
		splices = append(splices, s...)
	}

	if err := checkOverlaps(splices); err != nil {
		return nil, err
	}

	sort.Slice(splices, func(i, j int) bool { return splices[i].start > splices[j].start })

	working := append([]byte(nil), tree.Source...)
	for _, s := range splices {
		working = splice(working, s.start, s.end, s.text)
	}

	res, err := m.adapter.Parse(ctx, working)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidModuleAfterApply, err)
	}
	if err := m.adapter.ValidateModule(res); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidModuleAfterApply, err)
	}

	newTree, err := treeindex.Build(tree.ID, tree.FilePath, res.Source, res.Tree.RootNode(), res.Tree, tree.MaxNodes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidModuleAfterApply, err)
	}
	return newTree, nil
}

func (m *Mutator) resolve(ctx context.Context, tree *treeindex.Tree, op core.TreeOp) ([]resolvedSplice, error) {
	switch op.Kind {
	case core.OpReplace:
		return m.resolveReplace(ctx, tree, op)
	case core.OpReplaceRange:
		return m.resolveReplaceRange(ctx, tree, op)
	case core.OpInsert:
		return m.resolveInsert(ctx, tree, op)
	case core.OpDelete:
		return m.resolveDelete(tree, op)
	default:
		return nil, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

func (m *Mutator) resolveReplace(ctx context.Context, tree *treeindex.Tree, op core.TreeOp) ([]resolvedSplice, error) {
	meta, ok := tree.Metadata[op.NodeID]
	if !ok {
		return nil, core.ErrNodeNotFound
	}
	if !isReplaceableTarget(tree, op.NodeID) {
		return nil, core.ErrNotReplaceable
	}

	nodes, src, err := m.adapter.ParseSnippet(ctx, op.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidSnippet, err)
	}

	indent := lineIndent(tree.Source, meta.StartByte)
	text := reindentBody(joinSnippetNodes(nodes, src), indent)
	return []resolvedSplice{{start: meta.StartByte, end: meta.EndByte, text: []byte(text)}}, nil
}

func (m *Mutator) resolveReplaceRange(ctx context.Context, tree *treeindex.Tree, op core.TreeOp) ([]resolvedSplice, error) {
	startMeta, ok := tree.Metadata[op.StartNodeID]
	if !ok {
		return nil, core.ErrNodeNotFound
	}
	endMeta, ok := tree.Metadata[op.EndNodeID]
	if !ok {
		return nil, core.ErrNodeNotFound
	}

	startParent, hasStartParent := tree.Parents[op.StartNodeID]
	endParent, hasEndParent := tree.Parents[op.EndNodeID]
	if !hasStartParent || !hasEndParent || startParent != endParent {
		return nil, core.ErrInvalidRangeEndpoints
	}
	if startMeta.StartByte > endMeta.StartByte {
		return nil, core.ErrInvalidRangeEndpoints
	}

	nodes, src, err := m.adapter.ParseSnippet(ctx, op.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidSnippet, err)
	}

	indent := lineIndent(tree.Source, startMeta.StartByte)
	text := reindentBody(joinSnippetNodes(nodes, src), indent)
	return []resolvedSplice{{start: startMeta.StartByte, end: endMeta.EndByte, text: []byte(text)}}, nil
}

func (m *Mutator) resolveInsert(ctx context.Context, tree *treeindex.Tree, op core.TreeOp) ([]resolvedSplice, error) {
	hasParent := op.ParentNodeID != ""
	hasTarget := op.TargetNodeID != ""
	if hasParent == hasTarget {
		return nil, core.ErrInvalidInsertTarget
	}

	nodes, src, err := m.adapter.ParseSnippet(ctx, op.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidSnippet, err)
	}
	joined := joinSnippetNodes(nodes, src)

	if hasTarget {
		meta, ok := tree.Metadata[op.TargetNodeID]
		if !ok {
			return nil, core.ErrNodeNotFound
		}
		if !isReplaceableTarget(tree, op.TargetNodeID) {
			return nil, core.ErrNotReplaceable
		}
		indent := lineIndent(tree.Source, meta.StartByte)
		switch op.Position {
		case core.PositionBefore:
			text := reindentBody(joined, indent) + "\n" + indent
			return []resolvedSplice{{start: meta.StartByte, end: meta.StartByte, text: []byte(text)}}, nil
		case core.PositionAfter:
			text := "\n" + indent + reindentBody(joined, indent)
			return []resolvedSplice{{start: meta.EndByte, end: meta.EndByte, text: []byte(text)}}, nil
		default:
			return nil, fmt.Errorf("%w: target_node_id requires before/after position, got %q", core.ErrInvalidInsertTarget, op.Position)
		}
	}

	containerID, err := bodyContainerID(tree, op.ParentNodeID)
	if err != nil {
		return nil, err
	}
	containerMeta := tree.Metadata[containerID]
	children := tree.Children[containerID]

	switch op.Position {
	case core.PositionBodyStart:
		if len(children) == 0 {
			text := reindentBody(joined, bodyIndentGuess(containerMeta))
			return []resolvedSplice{{start: containerMeta.StartByte, end: containerMeta.StartByte, text: []byte(text)}}, nil
		}
		first := tree.Metadata[children[0]]
		indent := lineIndent(tree.Source, first.StartByte)
		text := reindentBody(joined, indent) + "\n" + indent
		return []resolvedSplice{{start: first.StartByte, end: first.StartByte, text: []byte(text)}}, nil

	case core.PositionBodyEnd:
		if len(children) == 0 {
			text := reindentBody(joined, bodyIndentGuess(containerMeta))
			return []resolvedSplice{{start: containerMeta.StartByte, end: containerMeta.StartByte, text: []byte(text)}}, nil
		}
		last := tree.Metadata[children[len(children)-1]]
		indent := lineIndent(tree.Source, last.StartByte)
		text := "\n" + indent + reindentBody(joined, indent)
		return []resolvedSplice{{start: last.EndByte, end: last.EndByte, text: []byte(text)}}, nil

	default:
		return nil, fmt.Errorf("%w: parent_node_id requires body_start/body_end position, got %q", core.ErrInvalidInsertTarget, op.Position)
	}
}

func (m *Mutator) resolveDelete(tree *treeindex.Tree, op core.TreeOp) ([]resolvedSplice, error) {
	meta, ok := tree.Metadata[op.NodeID]
	if !ok {
		return nil, core.ErrNodeNotFound
	}
	if !isReplaceableTarget(tree, op.NodeID) {
		return nil, core.ErrNotReplaceable
	}
	start := lineStartOffset(tree.Source, meta.StartByte)
	end := meta.EndByte
	if end < len(tree.Source) && tree.Source[end] == '\n' {
		end++
	}
	return []resolvedSplice{{start: start, end: end, text: nil}}, nil
}

// isReplaceableTarget reports whether id's immediate parent is a
// module body or an indented block — the only containers the mutator
// knows how to splice REPLACE/DELETE targets out of or INSERT
// before/after a target in.
func isReplaceableTarget(tree *treeindex.Tree, id string) bool {
	parentID, ok := tree.Parents[id]
	if !ok {
		return false
	}
	parentMeta, ok := tree.Metadata[parentID]
	if !ok {
		return false
	}
	return treeindex.ReplaceableContainerTypes[parentMeta.Type]
}

// bodyContainerID resolves a parent_node_id (a class, function, or the
// module itself) to the id whose Children hold its body statements:
// the module node's own children, or its function/class's "block" child.
func bodyContainerID(tree *treeindex.Tree, parentID string) (string, error) {
	meta, ok := tree.Metadata[parentID]
	if !ok {
		return "", core.ErrNodeNotFound
	}
	if meta.Type == "module" {
		return parentID, nil
	}
	for _, childID := range tree.Children[parentID] {
		if tree.Metadata[childID].Type == "block" {
			return childID, nil
		}
	}
	return "", fmt.Errorf("%w: node %q has no insertable body", core.ErrInvalidInsertTarget, parentID)
}

func bodyIndentGuess(m *core.NodeMetadata) string {
	if m.Type == "module" {
		return ""
	}
	return "    "
}

func checkOverlaps(splices []resolvedSplice) error {
	sorted := append([]resolvedSplice(nil), splices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].start < sorted[i-1].end {
			return core.ErrOverlappingOps
		}
	}
	return nil
}

func joinSnippetNodes(nodes []*sitter.Node, src []byte) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, n.Content(src))
	}
	return strings.Join(parts, "\n")
}

// reindentBody prefixes every line after the first with indent, so a
// multi-statement replacement lines up under the column its target
// already sits at. The first line is left alone because the splice
// point itself already sits at that column.
func reindentBody(text, indent string) string {
	lines := strings.Split(text, "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i] != "" {
			lines[i] = indent + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}

func lineIndent(source []byte, byteOffset int) string {
	start := lineStartOffset(source, byteOffset)
	i := start
	for i < len(source) && (source[i] == ' ' || source[i] == '\t') {
		i++
	}
	return string(source[start:i])
}

func lineStartOffset(source []byte, offset int) int {
	i := offset
	if i > len(source) {
		i = len(source)
	}
	for i > 0 && source[i-1] != '\n' {
		i--
	}
	return i
}
