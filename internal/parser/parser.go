// Package parser wraps the tree-sitter Python grammar behind a small
// adapter: parse source into a CST, unparse a CST back to source
// bytes, validate that a module is free of grammar errors, and parse
// a bare code snippet the way a mutation's replacement text arrives.
package parser

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	python "github.com/smacker/go-tree-sitter/python"
)

// ParseResult bundles a parsed tree with the exact bytes it was
// parsed from — Unparse never needs to print anything, because a
// tree-sitter tree is itself a CST over Source.
type ParseResult struct {
	Tree   *sitter.Tree
	Source []byte
}

// Adapter is the only thing in the system that talks to tree-sitter
// directly.
type Adapter struct {
	lang *sitter.Language
}

// New returns an Adapter bound to the Python grammar.
func New() *Adapter {
	return &Adapter{lang: python.GetLanguage()}
}

// Language exposes the bound grammar, for callers that build their
// own sitter.Query (the selector engine does not; it walks metadata
// maps instead, see internal/selector).
func (a *Adapter) Language() *sitter.Language { return a.lang }

// Parse parses source into a CST.
func (a *Adapter) Parse(ctx context.Context, source []byte) (*ParseResult, error) {
	p := sitter.NewParser()
	p.SetLanguage(a.lang)
	tree, err := p.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parser: parse failed: %w", err)
	}
	return &ParseResult{Tree: tree, Source: source}, nil
}

// Unparse returns the CST's backing source. A tree produced by the
// mutator already holds the post-splice bytes in Source, so this is
// always a plain field read, never a print-the-tree walk.
func (a *Adapter) Unparse(r *ParseResult) []byte { return r.Source }

// ValidateModule reports the first ERROR or MISSING node tree-sitter
// recorded while parsing, or nil if the module is clean.
func (a *Adapter) ValidateModule(r *ParseResult) error {
	if n := firstErrorNode(r.Tree.RootNode()); n != nil {
		line := int(n.StartPoint().Row) + 1
		return fmt.Errorf("parser: syntax error at line %d near %q", line, snippet(r.Source, n))
	}
	return nil
}

func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if found := firstErrorNode(n.Child(i)); found != nil {
			return found
		}
	}
	return nil
}

func snippet(src []byte, n *sitter.Node) string {
	start, end := int(n.StartByte()), int(n.EndByte())
	if end > len(src) {
		end = len(src)
	}
	if start > end {
		start = end
	}
	s := string(src[start:end])
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return s
}

// ParseSnippet parses a fragment of replacement code the way a
// mutation op supplies it: possibly indented relative to its future
// home, possibly a bare expression/statement rather than a full
// module. It tries, in order:
//
//  1. dedent and parse as a standalone module;
//  2. wrap in a synthetic function and parse the wrapped module,
//     returning the wrapped function's body statements;
//  3. parse as a single statement.
//
// Empty input parses to an empty node slice.
func (a *Adapter) ParseSnippet(ctx context.Context, code string) ([]*sitter.Node, []byte, error) {
	trimmed := strings.TrimRight(code, "\n")
	if strings.TrimSpace(trimmed) == "" {
		return nil, []byte(code), nil
	}

	dedented := dedent(trimmed)

	if res, err := a.Parse(ctx, []byte(dedented+"\n")); err == nil && a.ValidateModule(res) == nil {
		return bodyStatements(res.Tree.RootNode()), res.Source, nil
	}

	wrapped := "def _codetree_snippet():\n" + indent(dedented, "    ") + "\n"
	if res, err := a.Parse(ctx, []byte(wrapped)); err == nil && a.ValidateModule(res) == nil {
		fn := res.Tree.RootNode().Child(0)
		if fn != nil {
			if body := fn.ChildByFieldName("body"); body != nil {
				return bodyStatements(body), res.Source, nil
			}
		}
	}

	if res, err := a.Parse(ctx, []byte(dedented+"\n")); err == nil {
		return bodyStatements(res.Tree.RootNode()), res.Source, nil
	}

	return nil, nil, fmt.Errorf("parser: snippet does not parse: %q", code)
}

func bodyStatements(n *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.Type() != "comment" {
			out = append(out, c)
		}
	}
	return out
}

// dedent strips the common leading whitespace from every non-blank
// line, mirroring Python's textwrap.dedent.
func dedent(s string) string {
	lines := strings.Split(s, "\n")
	prefix := ""
	found := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ws := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if !found {
			prefix = ws
			found = true
			continue
		}
		prefix = commonPrefix(prefix, ws)
	}
	if prefix == "" {
		return s
	}
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.Join(lines, "\n")
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}
