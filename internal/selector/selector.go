// Package selector implements the XPath-like mini-language used to
// query a loaded tree: "kind[attr=\"value\"]" predicates chained by
// whitespace (descendant) or ">" (direct child), with a trailing
// :first / :last / :nth(n) pseudo-class. It walks the node-metadata
// maps treeindex.Build produced; it never touches tree-sitter's own
// query language.
package selector

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/oxhq/codetree/internal/core"
	"github.com/oxhq/codetree/internal/treeindex"
)

var pseudoPattern = regexp.MustCompile(`^:(first|last|nth)(?:\((\d+)\))?$`)
var segmentPattern = regexp.MustCompile(`^(\*|[a-zA-Z_][\w]*)((?:\[[^\]]*\])*)$`)
var attrPattern = regexp.MustCompile(`\[([a-zA-Z_][\w]*)="([^"]*)"\]`)

// Selector is a parsed, ready-to-evaluate query.
type Selector struct {
	segments []segment
}

// Parse compiles a selector string. It is the only entry point into
// this package's grammar; Eval never re-parses.
func Parse(input string) (*Selector, error) {
	tokens, combinators, err := tokenize(input)
	if err != nil {
		return nil, err
	}

	segs := make([]segment, 0, len(tokens))
	for i, tok := range tokens {
		body := tok
		pseudo := ""
		nthArg := 0
		if idx := strings.Index(tok, ":"); idx >= 0 {
			body = tok[:idx]
			pm := pseudoPattern.FindStringSubmatch(tok[idx:])
			if pm == nil {
				return nil, fmt.Errorf("selector: invalid pseudo-class in %q", tok)
			}
			pseudo = pm[1]
			if pm[2] != "" {
				n, err := strconv.Atoi(pm[2])
				if err != nil {
					return nil, fmt.Errorf("selector: invalid :nth() argument in %q", tok)
				}
				nthArg = n
			} else if pseudo == "nth" {
				return nil, fmt.Errorf("selector: :nth() requires an argument in %q", tok)
			}
		}

		m := segmentPattern.FindStringSubmatch(body)
		if m == nil {
			return nil, fmt.Errorf("selector: invalid segment %q", tok)
		}
		attrs := map[string]string{}
		for _, am := range attrPattern.FindAllStringSubmatch(m[2], -1) {
			attrs[am[1]] = am[2]
		}

		segs = append(segs, segment{
			kind:       m[1],
			attrs:      attrs,
			pseudo:     pseudo,
			nthArg:     nthArg,
			combinator: combinators[i],
		})
	}

	return &Selector{segments: segs}, nil
}

// Eval runs the selector against tree, in document order (by start
// byte).
func (s *Selector) Eval(tree *treeindex.Tree) []string {
	var candidates map[string]bool

	for i, seg := range s.segments {
		matched := matchSegment(tree, seg)

		if i == 0 {
			candidates = matched
		} else if seg.combinator == '>' {
			candidates = filterByParent(tree, matched, candidates)
		} else {
			candidates = filterByAncestor(tree, matched, candidates)
		}

		if seg.pseudo != "" {
			candidates = applyPseudo(tree, candidates, seg.pseudo, seg.nthArg)
		}
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sortByDocumentOrder(tree, ids)
	return ids
}

func matchSegment(tree *treeindex.Tree, seg segment) map[string]bool {
	out := make(map[string]bool)
	for id, m := range tree.Metadata {
		if seg.kind != "*" && string(m.Kind) != seg.kind {
			continue
		}
		if matchesAttrs(m, seg.attrs) {
			out[id] = true
		}
	}
	return out
}

// matchesAttrs reports whether m satisfies every requested attribute
// predicate. Only the fields selectors can address are recognized;
// an unknown attribute name never matches.
func matchesAttrs(m *core.NodeMetadata, attrs map[string]string) bool {
	for k, v := range attrs {
		switch k {
		case "name":
			if m.Name != v {
				return false
			}
		case "qualname":
			if m.Qualname != v {
				return false
			}
		case "type":
			if m.Type != v {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// filterByParent keeps only the ids in matched whose direct parent is
// in parents: the ">" combinator.
func filterByParent(tree *treeindex.Tree, matched, parents map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for id := range matched {
		if parents[tree.Parents[id]] {
			out[id] = true
		}
	}
	return out
}

// filterByAncestor keeps only the ids in matched that have some
// ancestor in ancestors: the whitespace (descendant) combinator.
func filterByAncestor(tree *treeindex.Tree, matched, ancestors map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for id := range matched {
		pid := tree.Parents[id]
		for pid != "" {
			if ancestors[pid] {
				out[id] = true
				break
			}
			pid = tree.Parents[pid]
		}
	}
	return out
}

func applyPseudo(tree *treeindex.Tree, ids map[string]bool, pseudo string, nthArg int) map[string]bool {
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	sortByDocumentOrder(tree, list)

	switch pseudo {
	case "first":
		if len(list) == 0 {
			return map[string]bool{}
		}
		return map[string]bool{list[0]: true}
	case "last":
		if len(list) == 0 {
			return map[string]bool{}
		}
		return map[string]bool{list[len(list)-1]: true}
	case "nth":
		if nthArg < 1 || nthArg > len(list) {
			return map[string]bool{}
		}
		return map[string]bool{list[nthArg-1]: true}
	}
	return ids
}

func sortByDocumentOrder(tree *treeindex.Tree, ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := tree.Metadata[ids[i]], tree.Metadata[ids[j]]
		return a.StartByte < b.StartByte
	})
}
