// Package markup models the markup embedded in component source files as a
// closed set of node variants. Trees are immutable once parsed; mutations go
// through a Rewriter that splices edits into the original source so that
// everything outside the edited attributes is reproduced byte for byte.
package markup

import (
	"strings"

	"github.com/conneroisu/eltag/internal/types"
)

// NodeKind identifies one of the node variants.
type NodeKind int

const (
	NodeElement NodeKind = iota + 1
	NodeFragment
	NodeAttribute
	NodeExpression
	NodeText
)

// String returns the kind name.
func (k NodeKind) String() string {
	switch k {
	case NodeElement:
		return "element"
	case NodeFragment:
		return "fragment"
	case NodeAttribute:
		return "attribute"
	case NodeExpression:
		return "expression"
	case NodeText:
		return "text"
	default:
		return "unknown"
	}
}

// Span is a half-open byte range [Start, End) into the source.
type Span struct {
	Start int
	End   int
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int { return s.End - s.Start }

// Node is implemented by every variant.
type Node interface {
	Kind() NodeKind
	Children() []Node
	Span() Span
}

// Element is a markup element such as <div> or <Card.Header>.
type Element struct {
	// Name is the tag as written, including any namespace or member access.
	Name     string
	NameSpan Span
	// Attributes are kept in source order.
	Attributes  []*Attribute
	Body        []Node
	SelfClosing bool
	// InsertAt is the byte offset where new attributes are spliced in.
	InsertAt int
	Src      Span
}

func (e *Element) Kind() NodeKind { return NodeElement }
func (e *Element) Span() Span     { return e.Src }

// Children returns the attributes followed by the body.
func (e *Element) Children() []Node {
	out := make([]Node, 0, len(e.Attributes)+len(e.Body))
	for _, a := range e.Attributes {
		out = append(out, a)
	}
	return append(out, e.Body...)
}

// Attribute returns the first unconditional attribute with the given name.
func (e *Element) Attribute(name string) *Attribute {
	for _, a := range e.Attributes {
		if a.Name == name && !a.Conditional {
			return a
		}
	}
	return nil
}

// Fragment is the anonymous <>...</> wrapper.
type Fragment struct {
	Body []Node
	Src  Span
}

func (f *Fragment) Kind() NodeKind   { return NodeFragment }
func (f *Fragment) Span() Span       { return f.Src }
func (f *Fragment) Children() []Node { return f.Body }

// Attribute is a single attribute on an element.
type Attribute struct {
	Name     string
	NameSpan Span
	// LeadStart is the start of the whitespace run preceding the name.
	// Removing an attribute deletes [LeadStart, Src.End).
	LeadStart int
	// Value holds the literal string value. It is nil for boolean
	// attributes and for expression or spread values.
	Value *string
	// Expr marks a value that is an embedded expression or element.
	Expr bool
	// Spread marks {...props} style attributes. Name holds the source text.
	Spread bool
	// Conditional marks attributes inside a conditional attribute block.
	Conditional bool
	// ValueNodes holds markup nested inside the value.
	ValueNodes []Node
	Src        Span
}

func (a *Attribute) Kind() NodeKind   { return NodeAttribute }
func (a *Attribute) Span() Span       { return a.Src }
func (a *Attribute) Children() []Node { return a.ValueNodes }

// Literal reports whether the value is a plain string.
func (a *Attribute) Literal() bool { return a.Value != nil && !a.Expr && !a.Spread }

// Boolean reports whether the attribute has no value at all.
func (a *Attribute) Boolean() bool { return a.Value == nil && !a.Expr && !a.Spread }

// DisplayValue returns the value as seen by downstream consumers. Non-literal
// values collapse to the expression placeholder; boolean attributes report
// nil.
func (a *Attribute) DisplayValue() *string {
	switch {
	case a.Literal():
		v := *a.Value
		return &v
	case a.Expr || a.Spread:
		v := types.ExpressionPlaceholder
		return &v
	default:
		return nil
	}
}

// Expression is an embedded code region such as {cond && <b/>} or a templ
// control flow block. Body holds any markup nested inside it.
type Expression struct {
	Source string
	Body   []Node
	Src    Span
}

func (x *Expression) Kind() NodeKind   { return NodeExpression }
func (x *Expression) Span() Span       { return x.Src }
func (x *Expression) Children() []Node { return x.Body }

// Text is literal text between elements.
type Text struct {
	Value string
	Src   Span
}

func (t *Text) Kind() NodeKind   { return NodeText }
func (t *Text) Span() Span       { return t.Src }
func (t *Text) Children() []Node { return nil }

// Blank reports whether the text is only whitespace.
func (t *Text) Blank() bool { return strings.TrimSpace(t.Value) == "" }

// isNil reports whether n is nil or a typed nil of a known variant. Unknown
// implementations are reported through ok=false.
func isNil(n Node) (isNil bool, ok bool) {
	switch v := n.(type) {
	case nil:
		return true, true
	case *Element:
		return v == nil, true
	case *Fragment:
		return v == nil, true
	case *Attribute:
		return v == nil, true
	case *Expression:
		return v == nil, true
	case *Text:
		return v == nil, true
	default:
		return false, false
	}
}
