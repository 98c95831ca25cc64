package parser

import (
	"path/filepath"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"

	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/markup"
)

// maxNesting bounds element recursion so hostile input cannot exhaust the
// stack.
const maxNesting = 512

var (
	langJavaScript = tree_sitter.NewLanguage(tree_sitter_javascript.Language())
	langTSX        = tree_sitter.NewLanguage(tree_sitter_typescript.LanguageTSX())
)

// JSX parses JavaScript and TypeScript sources containing JSX with the
// tree-sitter grammars. Only the markup is modelled; the surrounding code is
// searched for JSX roots and otherwise ignored.
type JSX struct{}

// NewJSX creates a JSX parser.
func NewJSX() *JSX { return &JSX{} }

// Name implements Parser.
func (*JSX) Name() string { return "jsx" }

// language picks the grammar for path. TypeScript files need the TSX grammar
// for type annotations and generics; everything else uses JavaScript.
func language(path string) *tree_sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsx", ".ts", ".mts", ".cts":
		return langTSX
	default:
		return langJavaScript
	}
}

// Parse implements Parser.
func (*JSX) Parse(path string, src []byte) (*markup.Tree, error) {
	p := tree_sitter.NewParser()
	defer p.Close()
	if err := p.SetLanguage(language(path)); err != nil {
		return nil, errors.NewParseError(errors.ErrCodeParseFailed, "load grammar", err).WithFile(path)
	}

	ts := p.Parse(src, nil)
	if ts == nil {
		return nil, errors.NewParseError(errors.ErrCodeParseFailed, "parser returned no tree", nil).WithFile(path)
	}
	defer ts.Close()

	b := &jsxBuilder{src: src, tree: markup.NewTree(path, src, nil)}
	root := ts.RootNode()
	if root.HasError() {
		n := firstError(root)
		msg := "syntax error"
		if n.IsMissing() {
			msg = "missing " + n.Kind()
		}
		return nil, b.errorAt(int(n.StartByte()), msg)
	}

	roots, err := b.collect(root)
	if err != nil {
		return nil, err
	}
	return markup.NewTree(path, src, roots), nil
}

// firstError returns the first ERROR or MISSING node in document order. It
// falls back to n itself when the flag is set but no such node is reachable.
func firstError(n *tree_sitter.Node) *tree_sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := uint(0); i < n.ChildCount(); i++ {
		c := n.Child(i)
		if c == nil || !(c.HasError() || c.IsMissing()) {
			continue
		}
		return firstError(c)
	}
	return n
}

type jsxBuilder struct {
	src     []byte
	tree    *markup.Tree
	nesting int
}

func (b *jsxBuilder) errorAt(offset int, msg string) error {
	line, col := b.tree.LineCol(offset)
	return errors.NewParseError(errors.ErrCodeParseFailed, msg, nil).
		WithLocation(b.tree.Path, line, col)
}

func (b *jsxBuilder) text(n *tree_sitter.Node) string {
	return string(b.src[n.StartByte():n.EndByte()])
}

func span(n *tree_sitter.Node) markup.Span {
	return markup.Span{Start: int(n.StartByte()), End: int(n.EndByte())}
}

// collect returns the outermost JSX nodes below n.
func (b *jsxBuilder) collect(n *tree_sitter.Node) ([]markup.Node, error) {
	switch n.Kind() {
	case "jsx_element", "jsx_self_closing_element":
		el, err := b.element(n)
		if err != nil {
			return nil, err
		}
		return []markup.Node{el}, nil
	}

	var out []markup.Node
	for i := uint(0); i < n.ChildCount(); i++ {
		c := n.Child(i)
		if c == nil {
			continue
		}
		nodes, err := b.collect(c)
		if err != nil {
			return nil, err
		}
		out = append(out, nodes...)
	}
	return out, nil
}

// element converts a jsx_element or jsx_self_closing_element. A
// jsx_element whose opening tag has no name is a fragment.
func (b *jsxBuilder) element(n *tree_sitter.Node) (markup.Node, error) {
	if b.nesting >= maxNesting {
		return nil, b.errorAt(int(n.StartByte()), "markup nested too deeply")
	}
	b.nesting++
	defer func() { b.nesting-- }()

	open := n
	selfClosing := n.Kind() == "jsx_self_closing_element"
	if !selfClosing {
		open = n.ChildByFieldName("open_tag")
		if open == nil {
			return nil, b.errorAt(int(n.StartByte()), "element without opening tag")
		}
	}

	name := open.ChildByFieldName("name")
	if name == nil {
		body, err := b.children(n, open)
		if err != nil {
			return nil, err
		}
		return &markup.Fragment{Body: body, Src: span(n)}, nil
	}

	el := &markup.Element{
		Name:        b.text(name),
		NameSpan:    span(name),
		SelfClosing: selfClosing,
		InsertAt:    int(name.EndByte()),
		Src:         span(n),
	}

	for i := uint(0); i < open.ChildCount(); i++ {
		c := open.Child(i)
		if c == nil {
			continue
		}
		switch c.Kind() {
		case "type_arguments":
			el.InsertAt = int(c.EndByte())
		case "jsx_attribute":
			attr, err := b.attribute(c)
			if err != nil {
				return nil, err
			}
			el.Attributes = append(el.Attributes, attr)
			el.InsertAt = int(c.EndByte())
		case "jsx_expression":
			attr, err := b.spread(c)
			if err != nil {
				return nil, err
			}
			el.Attributes = append(el.Attributes, attr)
			el.InsertAt = int(c.EndByte())
		}
	}

	if selfClosing {
		return el, nil
	}

	if closeTag := n.ChildByFieldName("close_tag"); closeTag != nil {
		closing := ""
		if cn := closeTag.ChildByFieldName("name"); cn != nil {
			closing = b.text(cn)
		}
		if closing != el.Name {
			return nil, b.errorAt(int(closeTag.StartByte()),
				"closing tag </"+closing+"> does not match <"+el.Name+">")
		}
	}

	body, err := b.children(n, open)
	if err != nil {
		return nil, err
	}
	el.Body = body
	return el, nil
}

// children converts the body of a jsx_element. Elements and expression
// containers become nodes; every byte range between them becomes Text so
// that whitespace survives.
func (b *jsxBuilder) children(n, open *tree_sitter.Node) ([]markup.Node, error) {
	if n.Kind() == "jsx_self_closing_element" {
		return nil, nil
	}
	end := int(n.EndByte())
	if closeTag := n.ChildByFieldName("close_tag"); closeTag != nil {
		end = int(closeTag.StartByte())
	}

	var out []markup.Node
	cursor := int(open.EndByte())
	flush := func(to int) {
		if to > cursor {
			out = append(out, &markup.Text{
				Value: string(b.src[cursor:to]),
				Src:   markup.Span{Start: cursor, End: to},
			})
		}
	}

	for i := uint(0); i < n.ChildCount(); i++ {
		c := n.Child(i)
		if c == nil || int(c.StartByte()) < cursor || int(c.EndByte()) > end {
			continue
		}
		var node markup.Node
		switch c.Kind() {
		case "jsx_element", "jsx_self_closing_element":
			el, err := b.element(c)
			if err != nil {
				return nil, err
			}
			node = el
		case "jsx_expression":
			x, err := b.expression(c)
			if err != nil {
				return nil, err
			}
			node = x
		default:
			continue
		}
		flush(int(c.StartByte()))
		out = append(out, node)
		cursor = int(c.EndByte())
	}
	flush(end)
	return out, nil
}

// attribute converts a jsx_attribute. Its first named child is the name and
// the optional second one the value.
func (b *jsxBuilder) attribute(n *tree_sitter.Node) (*markup.Attribute, error) {
	name := n.NamedChild(0)
	if name == nil {
		return nil, b.errorAt(int(n.StartByte()), "attribute without name")
	}
	attr := &markup.Attribute{
		Name:      b.text(name),
		NameSpan:  span(name),
		LeadStart: leadStart(b.src, int(n.StartByte())),
		Src:       span(n),
	}

	value := n.NamedChild(1)
	if value == nil {
		return attr, nil
	}
	switch value.Kind() {
	case "string":
		raw := b.text(value)
		v := ""
		if len(raw) >= 2 {
			v = raw[1 : len(raw)-1]
		}
		attr.Value = &v
	case "jsx_expression":
		x, err := b.expression(value)
		if err != nil {
			return nil, err
		}
		attr.Expr = true
		attr.ValueNodes = []markup.Node{x}
	case "jsx_element", "jsx_self_closing_element":
		el, err := b.element(value)
		if err != nil {
			return nil, err
		}
		attr.Expr = true
		attr.ValueNodes = []markup.Node{el}
	default:
		return nil, b.errorAt(int(value.StartByte()), "unsupported attribute value "+value.Kind())
	}
	return attr, nil
}

// spread converts a {...props} attribute.
func (b *jsxBuilder) spread(n *tree_sitter.Node) (*markup.Attribute, error) {
	inner, err := b.collect(n)
	if err != nil {
		return nil, err
	}
	s := span(n)
	return &markup.Attribute{
		Name:       strings.TrimSpace(string(b.src[s.Start+1 : s.End-1])),
		NameSpan:   s,
		LeadStart:  leadStart(b.src, s.Start),
		Spread:     true,
		ValueNodes: inner,
		Src:        s,
	}, nil
}

// expression converts a {...} container.
func (b *jsxBuilder) expression(n *tree_sitter.Node) (*markup.Expression, error) {
	var body []markup.Node
	for i := uint(0); i < n.ChildCount(); i++ {
		c := n.Child(i)
		if c == nil {
			continue
		}
		nodes, err := b.collect(c)
		if err != nil {
			return nil, err
		}
		body = append(body, nodes...)
	}
	s := span(n)
	source := ""
	if s.Len() >= 2 {
		source = string(b.src[s.Start+1 : s.End-1])
	}
	return &markup.Expression{Source: source, Body: body, Src: s}, nil
}
