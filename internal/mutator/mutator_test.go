package mutator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhq/codetree/internal/core"
	"github.com/oxhq/codetree/internal/parser"
	"github.com/oxhq/codetree/internal/treeindex"
)

func load(t *testing.T, source string) (*parser.Adapter, *treeindex.Tree) {
	t.Helper()
	a := parser.New()
	res, err := a.Parse(context.Background(), []byte(source))
	require.NoError(t, err)
	tree, err := treeindex.Build("t1", "sample.py", res.Source, res.Tree.RootNode(), res.Tree, 10000)
	require.NoError(t, err)
	return a, tree
}

func idOfReturn(tree *treeindex.Tree) string {
	for id, m := range tree.Metadata {
		if m.Type == "return_statement" {
			return id
		}
	}
	return ""
}

func idOfFunc(tree *treeindex.Tree, name string) string {
	for id, m := range tree.Metadata {
		if m.Kind == core.KindFunction && m.Name == name {
			return id
		}
	}
	return ""
}

func TestApplyReplaceSingleStatement(t *testing.T) {
	a, tree := load(t, "def f():\n    return 1\n")
	m := New(a)

	target := idOfReturn(tree)
	require.NotEmpty(t, target)

	out, err := m.Apply(context.Background(), tree, []core.TreeOp{
		{Kind: core.OpReplace, NodeID: target, Code: "return 2"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(out.Source), "return 2")
	assert.NotContains(t, string(out.Source), "return 1")
}

func TestApplyReplaceRejectsUnreplaceableTarget(t *testing.T) {
	a, tree := load(t, "def f(x):\n    return x\n")
	m := New(a)

	var paramID string
	for id, meta := range tree.Metadata {
		if meta.Type == "parameters" {
			paramID = id
		}
	}
	require.NotEmpty(t, paramID)

	_, err := m.Apply(context.Background(), tree, []core.TreeOp{
		{Kind: core.OpReplace, NodeID: paramID, Code: "(y)"},
	})
	assert.ErrorIs(t, err, core.ErrNotReplaceable)
}

func TestApplyDeleteRemovesStatementAndLine(t *testing.T) {
	a, tree := load(t, "x = 1\ny = 2\n")
	m := New(a)

	var firstID string
	for id, meta := range tree.Metadata {
		if meta.Type == "expression_statement" && meta.StartByte == 0 {
			firstID = id
		}
	}
	require.NotEmpty(t, firstID)

	out, err := m.Apply(context.Background(), tree, []core.TreeOp{
		{Kind: core.OpDelete, NodeID: firstID},
	})
	require.NoError(t, err)
	assert.Equal(t, "y = 2\n", string(out.Source))
}

func TestApplyInsertBodyEndOnModule(t *testing.T) {
	a, tree := load(t, "def f():\n    return 1\n")
	m := New(a)

	var moduleID string
	for id, meta := range tree.Metadata {
		if meta.Type == "module" {
			moduleID = id
		}
	}
	require.NotEmpty(t, moduleID)

	out, err := m.Apply(context.Background(), tree, []core.TreeOp{
		{Kind: core.OpInsert, ParentNodeID: moduleID, Position: core.PositionBodyEnd, Code: "def g():\n    return 2\n"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, idOfFunc(out, "g"))
	assert.NotEmpty(t, idOfFunc(out, "f"))
}

func TestApplyInsertBeforeTarget(t *testing.T) {
	a, tree := load(t, "def f():\n    return 1\n")
	m := New(a)

	target := idOfReturn(tree)
	require.NotEmpty(t, target)

	out, err := m.Apply(context.Background(), tree, []core.TreeOp{
		{Kind: core.OpInsert, TargetNodeID: target, Position: core.PositionBefore, Code: "x = 1"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(out.Source), "x = 1\n    return 1")
}

func TestApplyInsertRejectsBothAnchors(t *testing.T) {
	a, tree := load(t, "x = 1\n")
	m := New(a)

	var id string
	for k := range tree.Metadata {
		id = k
		break
	}

	_, err := m.Apply(context.Background(), tree, []core.TreeOp{
		{Kind: core.OpInsert, ParentNodeID: id, TargetNodeID: id, Position: core.PositionBodyEnd, Code: "y = 1"},
	})
	assert.ErrorIs(t, err, core.ErrInvalidInsertTarget)
}

func TestApplyReplaceRangeRequiresSharedParent(t *testing.T) {
	a, tree := load(t, "x = 1\ndef f():\n    return 1\n")
	m := New(a)

	var topLevelAssign, nestedReturn string
	for id, meta := range tree.Metadata {
		if meta.Type == "expression_statement" {
			topLevelAssign = id
		}
		if meta.Type == "return_statement" {
			nestedReturn = id
		}
	}
	require.NotEmpty(t, topLevelAssign)
	require.NotEmpty(t, nestedReturn)

	_, err := m.Apply(context.Background(), tree, []core.TreeOp{
		{Kind: core.OpReplaceRange, StartNodeID: topLevelAssign, EndNodeID: nestedReturn, Code: "z = 1"},
	})
	assert.ErrorIs(t, err, core.ErrInvalidRangeEndpoints)
}

func TestApplyReplaceRangeAcrossSiblings(t *testing.T) {
	a, tree := load(t, "x = 1\ny = 2\nz = 3\n")
	m := New(a)

	var first, last string
	for id, meta := range tree.Metadata {
		if meta.Type == "expression_statement" {
			if first == "" || meta.StartByte < tree.Metadata[first].StartByte {
				first = id
			}
			if last == "" || meta.StartByte > tree.Metadata[last].StartByte {
				last = id
			}
		}
	}
	require.NotEmpty(t, first)
	require.NotEmpty(t, last)

	out, err := m.Apply(context.Background(), tree, []core.TreeOp{
		{Kind: core.OpReplaceRange, StartNodeID: first, EndNodeID: last, Code: "w = 9"},
	})
	require.NoError(t, err)
	assert.Equal(t, "w = 9\n", string(out.Source))
}

func TestApplyRollsBackOnInvalidSnippet(t *testing.T) {
	a, tree := load(t, "def f():\n    return 1\n")
	m := New(a)

	target := idOfReturn(tree)
	_, err := m.Apply(context.Background(), tree, []core.TreeOp{
		{Kind: core.OpReplace, NodeID: target, Code: "***not python***"},
	})
	assert.Error(t, err)
}

func TestApplyDetectsOverlappingOps(t *testing.T) {
	a, tree := load(t, "def f():\n    return 1\n")
	m := New(a)

	target := idOfReturn(tree)
	_, err := m.Apply(context.Background(), tree, []core.TreeOp{
		{Kind: core.OpReplace, NodeID: target, Code: "return 2"},
		{Kind: core.OpDelete, NodeID: target},
	})
	assert.ErrorIs(t, err, core.ErrOverlappingOps)
}
