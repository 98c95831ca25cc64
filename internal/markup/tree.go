package markup

import (
	"sort"
	"unicode/utf8"

	"github.com/conneroisu/eltag/internal/types"
)

// Tree is a parsed source file. It is safe to share between goroutines as
// long as nobody mutates it; use a Rewriter for edits.
type Tree struct {
	Path   string
	Source []byte
	Roots  []Node

	lineStarts []int
}

// NewTree builds a tree over src.
func NewTree(path string, src []byte, roots []Node) *Tree {
	t := &Tree{Path: path, Source: src, Roots: roots}
	t.lineStarts = append(t.lineStarts, 0)
	for i, b := range src {
		if b == '\n' {
			t.lineStarts = append(t.lineStarts, i+1)
		}
	}
	return t
}

// LineCol converts a byte offset to a 1-based line and 1-based rune column.
func (t *Tree) LineCol(offset int) (line, col int) {
	if offset < 0 {
		offset = 0
	}
	if offset > len(t.Source) {
		offset = len(t.Source)
	}
	idx := sort.Search(len(t.lineStarts), func(i int) bool {
		return t.lineStarts[i] > offset
	}) - 1
	if idx < 0 {
		idx = 0
	}
	return idx + 1, utf8.RuneCount(t.Source[t.lineStarts[idx]:offset]) + 1
}

// Position returns the source position of n.
func (t *Tree) Position(n Node) types.Position {
	s := n.Span()
	line, col := t.LineCol(s.Start)
	return types.Position{Line: line, Column: col, ByteStart: s.Start, ByteEnd: s.End}
}

// Text returns the source text covered by span.
func (t *Tree) Text(s Span) string {
	if s.Start < 0 || s.End > len(t.Source) || s.Start > s.End {
		return ""
	}
	return string(t.Source[s.Start:s.End])
}

// Lines returns the number of lines in the source.
func (t *Tree) Lines() int { return len(t.lineStarts) }

// Elements returns every element in document order.
func (t *Tree) Elements() []*Element {
	var out []*Element
	_ = Walk(t.Roots, func(n Node, _ []Node) Action {
		if el, ok := n.(*Element); ok {
			out = append(out, el)
		}
		return Continue
	}, WalkOptions{})
	return out
}

// CacheSize approximates the memory held by the tree: the source plus a
// rough per-line and per-node overhead.
func (t *Tree) CacheSize() int64 {
	nodes := 0
	_ = Walk(t.Roots, func(Node, []Node) Action {
		nodes++
		return Continue
	}, WalkOptions{})
	return int64(len(t.Source)) + int64(len(t.lineStarts))*8 + int64(nodes)*96
}
