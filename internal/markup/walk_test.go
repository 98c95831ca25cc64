package markup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTree returns <div><span/><Card>text</Card></div>, <p/>.
func buildTree() []Node {
	span := &Element{Name: "span"}
	card := &Element{Name: "Card", Body: []Node{&Text{Value: "text"}}}
	div := &Element{
		Name:       "div",
		Attributes: []*Attribute{{Name: "id"}},
		Body:       []Node{span, card},
	}
	return []Node{div, &Element{Name: "p"}}
}

func names(nodes []Node) []string {
	var out []string
	for _, n := range nodes {
		switch v := n.(type) {
		case *Element:
			out = append(out, v.Name)
		case *Attribute:
			out = append(out, "@"+v.Name)
		case *Text:
			out = append(out, "#"+v.Value)
		}
	}
	return out
}

func collect(t *testing.T, roots []Node, opts WalkOptions) []string {
	t.Helper()
	var visited []Node
	err := Walk(roots, func(n Node, _ []Node) Action {
		visited = append(visited, n)
		return Continue
	}, opts)
	require.NoError(t, err)
	return names(visited)
}

func TestWalkOrder(t *testing.T) {
	testCases := []struct {
		name     string
		opts     WalkOptions
		expected []string
	}{
		{
			name:     "pre-order",
			expected: []string{"div", "@id", "span", "Card", "#text", "p"},
		},
		{
			name:     "reverse children",
			opts:     WalkOptions{Reverse: true},
			expected: []string{"p", "div", "Card", "#text", "span", "@id"},
		},
		{
			name:     "max depth",
			opts:     WalkOptions{MaxDepth: 1},
			expected: []string{"div", "@id", "span", "Card", "p"},
		},
		{
			name:     "skip kinds",
			opts:     WalkOptions{SkipKinds: []NodeKind{NodeAttribute, NodeText}},
			expected: []string{"div", "span", "Card", "p"},
		},
		{
			name:     "only kinds still descends",
			opts:     WalkOptions{OnlyKinds: []NodeKind{NodeText}},
			expected: []string{"#text"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, collect(t, buildTree(), tc.opts))
		})
	}
}

func TestWalkControl(t *testing.T) {
	roots := buildTree()

	var visited []Node
	err := Walk(roots, func(n Node, _ []Node) Action {
		visited = append(visited, n)
		if el, ok := n.(*Element); ok && el.Name == "div" {
			return SkipChildren
		}
		return Continue
	}, WalkOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"div", "p"}, names(visited))

	visited = nil
	err = Walk(roots, func(n Node, _ []Node) Action {
		visited = append(visited, n)
		if el, ok := n.(*Element); ok && el.Name == "span" {
			return Stop
		}
		return Continue
	}, WalkOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"div", "@id", "span"}, names(visited))
}

func TestWalkParents(t *testing.T) {
	var chain []string
	err := Walk(buildTree(), func(n Node, parents []Node) Action {
		if txt, ok := n.(*Text); ok && txt.Value == "text" {
			chain = names(parents)
		}
		return Continue
	}, WalkOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"div", "Card"}, chain)
}

func TestWalkCycleGuard(t *testing.T) {
	a := &Element{Name: "a"}
	b := &Element{Name: "b", Body: []Node{a}}
	a.Body = []Node{b}

	got := collect(t, []Node{a, a}, WalkOptions{})
	assert.Equal(t, []string{"a", "b"}, got)
}

type foreignNode struct{}

func (foreignNode) Kind() NodeKind   { return NodeKind(99) }
func (foreignNode) Children() []Node { return nil }
func (foreignNode) Span() Span       { return Span{} }

func TestWalkSkipsNilAndUnknownNodes(t *testing.T) {
	var nilElement *Element
	roots := []Node{nil, nilElement, foreignNode{}, &Element{Name: "ok"}}
	assert.Equal(t, []string{"ok"}, collect(t, roots, WalkOptions{}))
}

func TestWalkRecoversVisitorPanic(t *testing.T) {
	err := Walk(buildTree(), func(Node, []Node) Action {
		panic("boom")
	}, WalkOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestTreeLineCol(t *testing.T) {
	tree := NewTree("a.jsx", []byte("ab\n  é<div>\n"), nil)
	line, col := tree.LineCol(0)
	assert.Equal(t, 1, line)
	assert.Equal(t, 1, col)

	// "  é" is three runes but four bytes.
	line, col = tree.LineCol(3 + 4)
	assert.Equal(t, 2, line)
	assert.Equal(t, 4, col)
	assert.Equal(t, 3, tree.Lines())
}
