// Package treeindex builds and maintains the per-tree node index:
// stable node ids, kind classification, qualnames, and the byte-range
// lookups the selector and mutator packages query against.
package treeindex

import (
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/oxhq/codetree/internal/core"
)

// smallStatementTypes are tree-sitter-python node types that classify
// as a "smallstmt" per the kind rules: single-line statements that
// are never themselves a class/function/import.
var smallStatementTypes = map[string]bool{
	"expression_statement": true,
	"return_statement":     true,
	"assert_statement":     true,
	"delete_statement":     true,
	"pass_statement":       true,
	"break_statement":      true,
	"continue_statement":   true,
	"raise_statement":      true,
	"global_statement":     true,
	"nonlocal_statement":   true,
}

// compoundStatementTypes classify as "stmt": multi-line constructs
// with their own indented body.
var compoundStatementTypes = map[string]bool{
	"if_statement":       true,
	"for_statement":      true,
	"while_statement":    true,
	"with_statement":     true,
	"try_statement":      true,
	"match_statement":    true,
}

// ReplaceableContainerTypes are the node types the mutator accepts as
// a parent for REPLACE/INSERT targets.
var ReplaceableContainerTypes = map[string]bool{
	"module": true,
	"block":  true,
}

// Tree is the in-memory index for one loaded file: its parsed CST
// plus every node's metadata, keyed by the stable node id.
type Tree struct {
	ID       string
	FilePath string
	Source   []byte
	Root     *sitter.Node
	Sitter   *sitter.Tree

	Nodes    map[string]*sitter.Node
	Metadata map[string]*core.NodeMetadata
	Parents  map[string]string // node id -> parent node id
	Children map[string][]string

	MaxNodes int
}

// Build walks a parsed tree and produces its index.
func Build(id, filePath string, source []byte, root *sitter.Node, sitterTree *sitter.Tree, maxNodes int) (*Tree, error) {
	t := &Tree{
		ID:       id,
		FilePath: filePath,
		Source:   source,
		Root:     root,
		Sitter:   sitterTree,
		Nodes:    make(map[string]*sitter.Node),
		Metadata: make(map[string]*core.NodeMetadata),
		Parents:  make(map[string]string),
		Children: make(map[string][]string),
		MaxNodes: maxNodes,
	}

	b := &builder{tree: t, source: source}
	if err := b.visit(root, "", nil, nil); err != nil {
		return nil, err
	}
	return t, nil
}

type builder struct {
	tree       *Tree
	source     []byte
	classStack []string
	funcStack  []string
}

func (b *builder) visit(n *sitter.Node, parentID string, classStack, funcStack []string) error {
	if len(b.tree.Nodes) >= b.tree.MaxNodes {
		return fmt.Errorf("treeindex: tree exceeds max node count (%d)", b.tree.MaxNodes)
	}

	name := nodeName(n, b.source)
	kind := classifyKind(n, classStack)
	qualname := qualnameFor(n, name, kind, classStack, funcStack)
	id := generateNodeID(kind, qualname, n)

	b.tree.Nodes[id] = n
	b.tree.Metadata[id] = &core.NodeMetadata{
		ID:        id,
		Type:      n.Type(),
		Kind:      kind,
		Name:      name,
		Qualname:  qualname,
		ParentID:  parentID,
		StartLine: int(n.StartPoint().Row) + 1,
		StartCol:  int(n.StartPoint().Column),
		EndLine:   int(n.EndPoint().Row) + 1,
		EndCol:    int(n.EndPoint().Column),
		StartByte: int(n.StartByte()),
		EndByte:   int(n.EndByte()),
	}
	if parentID != "" {
		b.tree.Parents[id] = parentID
		b.tree.Children[parentID] = append(b.tree.Children[parentID], id)
	}

	childClassStack, childFuncStack := classStack, funcStack
	switch n.Type() {
	case "class_definition":
		childClassStack = append(append([]string{}, classStack...), name)
	case "function_definition":
		childFuncStack = append(append([]string{}, funcStack...), name)
	}

	for i := 0; i < int(n.ChildCount()); i++ {
		if err := b.visit(n.Child(i), id, childClassStack, childFuncStack); err != nil {
			return err
		}
	}

	children := b.tree.Children[id]
	meta := b.tree.Metadata[id]
	meta.ChildrenIDs = children
	meta.ChildCount = len(children)
	return nil
}

// generateNodeID produces the stable id
// "{kind}:{qualname}:{type}:{start_line}:{start_col}-{end_line}:{end_col}".
func generateNodeID(kind core.Kind, qualname string, n *sitter.Node) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d-%d:%d",
		kind, qualname, n.Type(),
		int(n.StartPoint().Row)+1, int(n.StartPoint().Column),
		int(n.EndPoint().Row)+1, int(n.EndPoint().Column),
	)
}

// classifyKind applies the kind rules in priority order: class, then
// function/method, then import, then small-stmt-vs-stmt, then node.
func classifyKind(n *sitter.Node, classStack []string) core.Kind {
	switch n.Type() {
	case "class_definition":
		return core.KindClass
	case "function_definition":
		if len(classStack) > 0 {
			return core.KindMethod
		}
		return core.KindFunction
	case "import_statement", "import_from_statement":
		return core.KindImport
	}
	if smallStatementTypes[n.Type()] {
		return core.KindSmallStmt
	}
	if compoundStatementTypes[n.Type()] || n.Type() == "function_definition" || n.Type() == "class_definition" {
		return core.KindStmt
	}
	return core.KindNode
}

// qualnameFor builds the dotted qualified name: the enclosing class
// names (outermost first), then the enclosing function names
// (outermost first), then this node's own name. Classes always come
// before functions, whatever order they are nested in.
func qualnameFor(n *sitter.Node, name string, kind core.Kind, classStack, funcStack []string) string {
	if name == "" {
		return ""
	}
	var parts []string
	parts = append(parts, classStack...)
	parts = append(parts, funcStack...)
	parts = append(parts, name)
	return strings.Join(parts, ".")
}

// nodeName extracts the identifier tree-sitter-python attaches to a
// definition or import, or "" if the node has none.
func nodeName(n *sitter.Node, source []byte) string {
	switch n.Type() {
	case "function_definition", "class_definition":
		if nameNode := n.ChildByFieldName("name"); nameNode != nil {
			return nameNode.Content(source)
		}
	case "import_statement":
		if n.ChildCount() > 1 {
			return n.Child(1).Content(source)
		}
	case "import_from_statement":
		if mod := n.ChildByFieldName("module_name"); mod != nil {
			return mod.Content(source)
		}
	}
	return ""
}

// FindCovering returns the node covering [startLine, endLine] (1-based,
// inclusive): node.start_line <= startLine <= endLine <= node.end_line.
// Line-only granularity means several nested nodes on the same one or
// two lines can tie for "covering": without preferExact, the node with
// the smallest line span wins, then the smallest byte span (ties broken
// by earliest start line, then column, then node id); with preferExact, a node whose own line span
// equals [startLine, endLine] exactly wins instead — and among several
// same-line exact matches, the outermost (widest byte span) one does,
// so an exact request resolves to the enclosing statement rather than
// a same-line nested expression.
func (t *Tree) FindCovering(startLine, endLine int, preferExact bool) *core.NodeMetadata {
	var bestExact, bestCovering *core.NodeMetadata
	for _, m := range t.Metadata {
		if m.StartLine > startLine || endLine > m.EndLine {
			continue
		}
		if m.StartLine == startLine && m.EndLine == endLine {
			if bestExact == nil || widerMatch(m, bestExact) {
				bestExact = m
			}
		}
		if bestCovering == nil || coversTighter(m, bestCovering) {
			bestCovering = m
		}
	}
	if preferExact && bestExact != nil {
		return bestExact
	}
	return bestCovering
}

// coversTighter reports whether a is a strictly better covering-node
// candidate than b: smaller line span, then smaller byte span, then
// earliest start, then id order as a last, fully deterministic
// tie-break.
func coversTighter(a, b *core.NodeMetadata) bool {
	aLines, bLines := a.EndLine-a.StartLine, b.EndLine-b.StartLine
	if aLines != bLines {
		return aLines < bLines
	}
	aBytes, bBytes := a.EndByte-a.StartByte, b.EndByte-b.StartByte
	if aBytes != bBytes {
		return aBytes < bBytes
	}
	if a.StartLine != b.StartLine {
		return a.StartLine < b.StartLine
	}
	if a.StartCol != b.StartCol {
		return a.StartCol < b.StartCol
	}
	return a.ID < b.ID
}

// widerMatch reports whether a is the better of two nodes that share
// the exact requested line range: the widest byte span wins, then
// earliest start, then id order.
func widerMatch(a, b *core.NodeMetadata) bool {
	aBytes, bBytes := a.EndByte-a.StartByte, b.EndByte-b.StartByte
	if aBytes != bBytes {
		return aBytes > bBytes
	}
	if a.StartCol != b.StartCol {
		return a.StartCol < b.StartCol
	}
	return a.ID < b.ID
}

// FindIntersecting returns every node whose line span overlaps
// [startLine, endLine], in document order.
func (t *Tree) FindIntersecting(startLine, endLine int) []*core.NodeMetadata {
	var out []*core.NodeMetadata
	for _, m := range t.Metadata {
		if m.StartLine <= endLine && startLine <= m.EndLine {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.StartByte != b.StartByte {
			return a.StartByte < b.StartByte
		}
		return a.ID < b.ID
	})
	return out
}
