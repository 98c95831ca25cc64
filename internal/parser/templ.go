package parser

import (
	"bytes"
	"strings"

	templparser "github.com/a-h/templ/parser/v2"

	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/markup"
)

// Templ parses .templ files. The templ parser supplies element structure and
// name positions; attribute extents are lexed from the source starting at
// each attribute key so edits can be spliced precisely.
type Templ struct{}

// NewTempl creates a templ parser.
func NewTempl() *Templ { return &Templ{} }

// Name implements Parser.
func (*Templ) Name() string { return "templ" }

// Parse implements Parser.
func (*Templ) Parse(path string, src []byte) (*markup.Tree, error) {
	tf, err := templparser.ParseString(string(src))
	if err != nil {
		return nil, errors.NewParseError(errors.ErrCodeParseFailed, "invalid templ file", err).WithFile(path)
	}

	c := &templConverter{src: src}
	var roots []markup.Node
	for _, n := range tf.Nodes {
		ht, ok := n.(*templparser.HTMLTemplate)
		if !ok || ht == nil {
			continue
		}
		roots = append(roots, &markup.Expression{
			Source: ht.Expression.Value,
			Body:   c.convertNodes(ht.Children),
			Src:    rangeSpan(ht.Range),
		})
	}
	return markup.NewTree(path, src, roots), nil
}

type templConverter struct {
	src []byte
}

func rangeSpan(r templparser.Range) markup.Span {
	return markup.Span{Start: int(r.From.Index), End: int(r.To.Index)}
}

func (c *templConverter) convertNodes(nodes []templparser.Node) []markup.Node {
	var out []markup.Node
	for _, n := range nodes {
		if m := c.convertNode(n); m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *templConverter) convertNode(n templparser.Node) markup.Node {
	switch v := n.(type) {
	case *templparser.Element:
		return c.convertElement(v)
	case *templparser.Text:
		return &markup.Text{Value: v.Value, Src: rangeSpan(v.Range)}
	case *templparser.IfExpression:
		// Source order, unlike IfExpression.ChildNodes.
		var children []templparser.Node
		children = append(children, v.Then...)
		for _, elseIf := range v.ElseIfs {
			children = append(children, elseIf.Then...)
		}
		children = append(children, v.Else...)
		return &markup.Expression{Source: v.Expression.Value, Body: c.convertNodes(children), Src: rangeSpan(v.Range)}
	case *templparser.SwitchExpression:
		return &markup.Expression{Source: v.Expression.Value, Body: c.convertNodes(v.ChildNodes()), Src: rangeSpan(v.Range)}
	case *templparser.ForExpression:
		return &markup.Expression{Source: v.Expression.Value, Body: c.convertNodes(v.Children), Src: rangeSpan(v.Range)}
	case *templparser.TemplElementExpression:
		return &markup.Expression{Source: v.Expression.Value, Body: c.convertNodes(v.Children), Src: rangeSpan(v.Range)}
	case *templparser.CallTemplateExpression:
		return &markup.Expression{Source: v.Expression.Value, Src: rangeSpan(v.Range)}
	case *templparser.StringExpression:
		return &markup.Expression{Source: v.Expression.Value, Src: rangeSpan(v.Expression.Range)}
	default:
		// Whitespace, comments, Go code, doctype, script and raw elements
		// carry no taggable markup.
		return nil
	}
}

func (c *templConverter) convertElement(v *templparser.Element) *markup.Element {
	nameStart := int(v.NameRange.From.Index)
	nameEnd := int(v.NameRange.To.Index)
	start := nameStart
	if start > 0 && c.src[start-1] == '<' {
		start--
	}
	end := trimRight(c.src, nameEnd, int(v.Range.To.Index))

	el := &markup.Element{
		Name:       v.Name,
		NameSpan:   markup.Span{Start: nameStart, End: nameEnd},
		Attributes: c.convertAttributes(v.Attributes, false),
		Body:       c.convertNodes(v.Children),
		InsertAt:   nameEnd,
		Src:        markup.Span{Start: start, End: end},
	}
	el.SelfClosing = len(v.Children) == 0 && bytes.HasSuffix(c.src[start:end], []byte("/>"))
	return el
}

func (c *templConverter) convertAttributes(attrs []templparser.Attribute, conditional bool) []*markup.Attribute {
	var out []*markup.Attribute
	for _, a := range attrs {
		if ca, ok := a.(*templparser.ConditionalAttribute); ok {
			out = append(out, c.convertAttributes(ca.Then, true)...)
			out = append(out, c.convertAttributes(ca.Else, true)...)
			continue
		}
		if ma := c.convertAttribute(a); ma != nil {
			ma.Conditional = conditional
			out = append(out, ma)
		}
	}
	return out
}

func attributeKey(a templparser.Attribute) (templparser.AttributeKey, bool) {
	switch v := a.(type) {
	case *templparser.ConstantAttribute:
		return v.Key, true
	case *templparser.BoolConstantAttribute:
		return v.Key, true
	case *templparser.ExpressionAttribute:
		return v.Key, true
	case *templparser.BoolExpressionAttribute:
		return v.Key, true
	default:
		return nil, false
	}
}

func (c *templConverter) convertAttribute(a templparser.Attribute) *markup.Attribute {
	if sa, ok := a.(*templparser.SpreadAttributes); ok {
		open := c.braceBefore(int(sa.Expression.Range.From.Index))
		if open < 0 {
			return nil
		}
		end := matchGoBrace(c.src, open)
		if end < 0 {
			return nil
		}
		span := markup.Span{Start: open, End: end}
		return &markup.Attribute{
			Name:      strings.TrimSpace(string(c.src[open+1 : end-1])),
			NameSpan:  span,
			LeadStart: leadStart(c.src, open),
			Spread:    true,
			Src:       span,
		}
	}

	key, ok := attributeKey(a)
	if !ok {
		return nil
	}

	var attr markup.Attribute
	switch k := key.(type) {
	case templparser.ConstantAttributeKey:
		attr.Name = k.Name
		attr.NameSpan = rangeSpan(k.NameRange)
	case templparser.ExpressionAttributeKey:
		open := c.braceBefore(int(k.Expression.Range.From.Index))
		if open < 0 {
			return nil
		}
		end := matchGoBrace(c.src, open)
		if end < 0 {
			return nil
		}
		attr.Name = strings.TrimSpace(string(c.src[open:end]))
		attr.NameSpan = markup.Span{Start: open, End: end}
	default:
		return nil
	}
	if attr.NameSpan.Start <= 0 || attr.NameSpan.End > len(c.src) {
		return nil
	}
	attr.LeadStart = leadStart(c.src, attr.NameSpan.Start)
	attr.Src = attr.NameSpan

	end, literal, expr := c.lexValue(attr.NameSpan.End)
	attr.Src.End = end
	attr.Value = literal
	attr.Expr = expr
	return &attr
}

// braceBefore finds the '{' opening an expression whose content starts at
// offset.
func (c *templConverter) braceBefore(offset int) int {
	for i := offset - 1; i >= 0; i-- {
		switch {
		case c.src[i] == '{':
			return i
		case isSpace(c.src[i]):
		default:
			return -1
		}
	}
	return -1
}

// lexValue reads an attribute value starting right after the key. It
// returns the end offset, the literal value when quoted or bare, and
// whether the value is an expression.
func (c *templConverter) lexValue(i int) (end int, literal *string, expr bool) {
	src := c.src
	j := i
	for j < len(src) && isSpace(src[j]) {
		j++
	}
	if j+1 < len(src) && src[j] == '?' && src[j+1] == '=' {
		j += 2
		for j < len(src) && isSpace(src[j]) {
			j++
		}
		if e := matchGoBrace(src, j); e > 0 {
			return e, nil, true
		}
		return i, nil, false
	}
	if j >= len(src) || src[j] != '=' {
		return i, nil, false
	}
	j++
	for j < len(src) && isSpace(src[j]) {
		j++
	}
	if j >= len(src) {
		return i, nil, false
	}
	switch q := src[j]; q {
	case '"', '\'':
		closeAt := bytes.IndexByte(src[j+1:], q)
		if closeAt < 0 {
			return i, nil, false
		}
		v := string(src[j+1 : j+1+closeAt])
		return j + closeAt + 2, &v, false
	case '{':
		if e := matchGoBrace(src, j); e > 0 {
			return e, nil, true
		}
		return i, nil, false
	default:
		k := j
		for k < len(src) && !isSpace(src[k]) && src[k] != '>' && !(src[k] == '/' && k+1 < len(src) && src[k+1] == '>') {
			k++
		}
		v := string(src[j:k])
		return k, &v, false
	}
}
