package treeindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhq/codetree/internal/core"
	"github.com/oxhq/codetree/internal/parser"
)

func buildTestTree(t *testing.T, source string) *Tree {
	t.Helper()
	a := parser.New()
	res, err := a.Parse(context.Background(), []byte(source))
	require.NoError(t, err)
	tree, err := Build("tree-1", "sample.py", res.Source, res.Tree.RootNode(), res.Tree, 10000)
	require.NoError(t, err)
	return tree
}

func TestBuildClassifiesMethodVsFunction(t *testing.T) {
	tree := buildTestTree(t, "class A:\n    def f(self):\n        return 1\n\ndef g():\n    return 2\n")

	var sawMethod, sawFunction bool
	for _, m := range tree.Metadata {
		switch {
		case m.Kind == core.KindMethod && m.Name == "f":
			sawMethod = true
			assert.Equal(t, "A.f", m.Qualname)
		case m.Kind == core.KindFunction && m.Name == "g":
			sawFunction = true
			assert.Equal(t, "g", m.Qualname)
		}
	}
	assert.True(t, sawMethod, "expected to classify A.f as a method")
	assert.True(t, sawFunction, "expected to classify g as a function")
}

func TestBuildClassifiesImportAndSmallStmt(t *testing.T) {
	tree := buildTestTree(t, "import os\n\ndef f():\n    return 1\n")

	var sawImport, sawSmallStmt bool
	for _, m := range tree.Metadata {
		if m.Kind == core.KindImport {
			sawImport = true
		}
		if m.Kind == core.KindSmallStmt && m.Type == "return_statement" {
			sawSmallStmt = true
		}
	}
	assert.True(t, sawImport)
	assert.True(t, sawSmallStmt)
}

func TestFindCoveringReturnsSmallestContainingNode(t *testing.T) {
	tree := buildTestTree(t, "def f():\n    return 1\n")

	var retID string
	for id, m := range tree.Metadata {
		if m.Type == "return_statement" {
			retID = id
		}
	}
	require.NotEmpty(t, retID)

	meta := tree.Metadata[retID]
	covering := tree.FindCovering(meta.StartLine, meta.EndLine, false)
	require.NotNil(t, covering)
	assert.Equal(t, retID, covering.ID)
}

func TestFindCoveringPreferExactPicksOutermostSameLineMatch(t *testing.T) {
	// A single line of code puts the assignment, the call, and the
	// integer literal all on line 1, so they tie at line granularity;
	// prefer_exact should resolve the tie toward the widest (outermost)
	// of them rather than the narrowest nested token.
	tree := buildTestTree(t, "x = f(1)\n")

	loose := tree.FindCovering(1, 1, false)
	require.NotNil(t, loose)
	exact := tree.FindCovering(1, 1, true)
	require.NotNil(t, exact)

	assert.GreaterOrEqual(t, exact.EndByte-exact.StartByte, loose.EndByte-loose.StartByte,
		"prefer_exact should pick the outermost same-line match, not a narrower nested one")
}

func TestFindIntersectingIncludesOverlappingNodes(t *testing.T) {
	tree := buildTestTree(t, "x = 1\ny = 2\n")
	var firstEndLine int
	for _, m := range tree.Metadata {
		if m.Type == "expression_statement" && firstEndLine == 0 {
			firstEndLine = m.EndLine
		}
	}
	require.NotZero(t, firstEndLine)

	results := tree.FindIntersecting(1, firstEndLine)
	assert.NotEmpty(t, results)
}

func TestRegistryPerTreeLocking(t *testing.T) {
	r := NewRegistry()
	tree := buildTestTree(t, "x = 1\n")
	r.Put(tree)

	got, ok := r.Get("tree-1")
	require.True(t, ok)
	assert.Equal(t, tree, got)

	err := r.WithLock("tree-1", func() error { return nil })
	assert.NoError(t, err)

	r.Remove("tree-1")
	_, ok = r.Get("tree-1")
	assert.False(t, ok)
}
