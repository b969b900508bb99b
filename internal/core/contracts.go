// Package core holds the data-only contracts shared by every other
// package: node metadata, tree operations, and the client-facing error
// taxonomy. Nothing here depends on tree-sitter or the store — those
// live in parser/treeindex and store respectively.
package core

// Kind is the coarse classification every node in the index carries,
// independent of the underlying grammar's own type vocabulary.
type Kind string

const (
	KindClass     Kind = "class"
	KindFunction  Kind = "function"
	KindMethod    Kind = "method"
	KindImport    Kind = "import"
	KindSmallStmt Kind = "smallstmt"
	KindStmt      Kind = "stmt"
	KindNode      Kind = "node"
)

// NodeMetadata describes one indexed node of a CSTTree.
type NodeMetadata struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`      // grammar-level type, e.g. "function_definition"
	Kind        Kind     `json:"kind"`      // coarse classification
	Name        string   `json:"name,omitempty"`
	Qualname    string   `json:"qualname,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	ChildCount  int      `json:"child_count"`
	ChildrenIDs []string `json:"children_ids,omitempty"`
	StartLine   int      `json:"start_line"`
	StartCol    int      `json:"start_col"`
	EndLine     int      `json:"end_line"`
	EndCol      int      `json:"end_col"`
	StartByte   int      `json:"start_byte"`
	EndByte     int      `json:"end_byte"`

	// Code is the node's source snippet, populated only when a caller
	// explicitly requests it.
	Code string `json:"code,omitempty"`
}

// OpKind tags a TreeOp's concrete shape so mutator.Apply can dispatch
// with a type switch instead of a class hierarchy.
type OpKind string

const (
	OpReplace      OpKind = "replace"
	OpReplaceRange OpKind = "replace_range"
	OpInsert       OpKind = "insert"
	OpDelete       OpKind = "delete"
)

// InsertPosition says where an OpInsert lands relative to its anchor.
type InsertPosition string

const (
	PositionBefore    InsertPosition = "before"
	PositionAfter     InsertPosition = "after"
	PositionBodyStart InsertPosition = "body_start"
	PositionBodyEnd   InsertPosition = "body_end"
)

// TreeOp is one requested mutation. Which of the optional fields
// applies is selected by Kind; Insert alone requires exactly one of
// ParentNodeID or TargetNodeID, never both.
type TreeOp struct {
	Kind OpKind `json:"kind"`

	// Replace / Delete anchor.
	NodeID string `json:"node_id,omitempty"`

	// ReplaceRange anchors: both must share a parent.
	StartNodeID string `json:"start_node_id,omitempty"`
	EndNodeID   string `json:"end_node_id,omitempty"`

	// Insert anchors: ParentNodeID splices at the parent's body
	// start/end per Position; TargetNodeID splices immediately
	// before/after the target within its own parent's body.
	ParentNodeID string `json:"parent_node_id,omitempty"`
	TargetNodeID string `json:"target_node_id,omitempty"`
	Position     InsertPosition `json:"position,omitempty"`

	// Replace / ReplaceRange / Insert payload. Unused by Delete.
	Code string `json:"code,omitempty"`
}
