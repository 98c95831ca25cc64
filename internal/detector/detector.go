// Package detector finds markup elements in a parsed tree, classifies them
// and extracts the attribute and position data the rest of the pipeline
// works from.
package detector

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html/atom"

	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/logging"
	"github.com/conneroisu/eltag/internal/markup"
	"github.com/conneroisu/eltag/internal/types"
)

// maxContent bounds the text snapshot kept per element.
const maxContent = 80

// Policy selects which kinds produce detected elements. Excluded kinds are
// still walked so their descendants can be detected.
type Policy struct {
	DOM       bool
	Component bool
	Fragment  bool
	TextNodes bool
	// KnownHTMLOnly restricts DOM detection to standard HTML tags.
	KnownHTMLOnly bool
	ExcludeTags   []string
}

// DefaultPolicy detects DOM elements and components, skipping script and
// style tags.
func DefaultPolicy() Policy {
	return Policy{
		DOM:         true,
		Component:   true,
		ExcludeTags: []string{"script", "style"},
	}
}

// Includes reports whether kind is enabled.
func (p Policy) Includes(kind types.ElementKind) bool {
	switch kind {
	case types.KindDOM:
		return p.DOM
	case types.KindComponent:
		return p.Component
	case types.KindFragment:
		return p.Fragment
	case types.KindText:
		return p.TextNodes
	default:
		return false
	}
}

// Attribute is an attribute as seen by the detector.
type Attribute struct {
	Name string
	// Value is nil for boolean attributes and the expression placeholder
	// for non-literal values.
	Value        *string
	IsIdentifier bool
}

// DetectedElement is one markup node found during a scan.
type DetectedElement struct {
	FilePath      string
	Kind          types.ElementKind
	TagName       string
	Attributes    []Attribute
	Position      types.Position
	HasIdentifier bool
	Identifier    string
	KnownHTML     bool
	Content       string
	// Index is the document order among detected elements of the file.
	Index int

	// Element is the source node, nil for text nodes.
	Element *markup.Element
}

// Taggable reports whether an identifier attribute can be written to the
// element.
func (e DetectedElement) Taggable() bool {
	return e.Element != nil && e.Kind != types.KindFragment && e.Kind != types.KindText
}

// AttributeMap returns the non-identifier attributes as a map. Boolean
// attributes map to the empty string.
func (e DetectedElement) AttributeMap() map[string]string {
	out := make(map[string]string, len(e.Attributes))
	for _, a := range e.Attributes {
		if a.IsIdentifier {
			continue
		}
		if a.Value == nil {
			out[a.Name] = ""
			continue
		}
		out[a.Name] = *a.Value
	}
	return out
}

// Result holds the outcome of one scan. Err is set when detection failed
// internally; Elements is then empty.
type Result struct {
	Elements     []DetectedElement
	CountsByKind map[types.ElementKind]int
	Err          error
}

// Detector scans trees for markup elements.
type Detector struct {
	policy   Policy
	attrName string
	exclude  map[string]bool
	logger   logging.Logger
}

// New creates a detector. An empty attrName selects the default
// identifier attribute.
func New(policy Policy, attrName string, logger logging.Logger) *Detector {
	if attrName == "" {
		attrName = types.DefaultAttributeName
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	exclude := make(map[string]bool, len(policy.ExcludeTags))
	for _, tag := range policy.ExcludeTags {
		exclude[tag] = true
	}
	return &Detector{
		policy:   policy,
		attrName: attrName,
		exclude:  exclude,
		logger:   logger.WithComponent("detector"),
	}
}

// AttributeName returns the identifier attribute the detector looks for.
func (d *Detector) AttributeName() string { return d.attrName }

// Classify returns the kind for a tag name. The empty name is the <>
// fragment.
func Classify(name string) types.ElementKind {
	switch name {
	case "", "Fragment", "React.Fragment":
		return types.KindFragment
	}
	r, _ := utf8.DecodeRuneInString(name)
	if unicode.IsLower(r) {
		return types.KindDOM
	}
	return types.KindComponent
}

// KnownHTML reports whether name is a standard HTML tag.
func KnownHTML(name string) bool {
	return atom.Lookup([]byte(strings.ToLower(name))) != 0
}

// Detect scans tree. It never fails: internal errors, including panics,
// yield an empty result with Err set.
func (d *Detector) Detect(tree *markup.Tree, filePath string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = d.failed(filePath, fmt.Errorf("panic: %v", r))
		}
	}()

	if tree == nil {
		return d.failed(filePath, fmt.Errorf("nil tree"))
	}

	res.CountsByKind = make(map[types.ElementKind]int)
	err := markup.Walk(tree.Roots, func(n markup.Node, _ []markup.Node) markup.Action {
		switch v := n.(type) {
		case *markup.Element:
			if el, ok := d.element(tree, filePath, v); ok {
				el.Index = len(res.Elements)
				res.Elements = append(res.Elements, el)
				res.CountsByKind[el.Kind]++
			}
		case *markup.Fragment:
			if d.policy.Fragment {
				res.Elements = append(res.Elements, DetectedElement{
					FilePath: filePath,
					Kind:     types.KindFragment,
					TagName:  "Fragment",
					Position: tree.Position(v),
					Content:  content(v.Body),
					Index:    len(res.Elements),
				})
				res.CountsByKind[types.KindFragment]++
			}
		case *markup.Text:
			if d.policy.TextNodes && !v.Blank() {
				res.Elements = append(res.Elements, d.text(tree, filePath, v, len(res.Elements)))
				res.CountsByKind[types.KindText]++
			}
		}
		return markup.Continue
	}, markup.WalkOptions{})
	if err != nil {
		return d.failed(filePath, err)
	}
	return res
}

func (d *Detector) failed(filePath string, cause error) Result {
	err := errors.NewDetectionError(errors.ErrCodeDetectionFailed, "detection failed", cause).
		WithFile(filePath).
		WithComponent("detector")
	d.logger.Warn(context.Background(), err, "Detection degraded to zero elements", "file", filePath)
	return Result{CountsByKind: map[types.ElementKind]int{}, Err: err}
}

func (d *Detector) element(tree *markup.Tree, filePath string, el *markup.Element) (DetectedElement, bool) {
	kind := Classify(el.Name)
	if !d.policy.Includes(kind) || d.exclude[el.Name] {
		return DetectedElement{}, false
	}

	de := DetectedElement{
		FilePath: filePath,
		Kind:     kind,
		TagName:  el.Name,
		Position: tree.Position(el),
		Content:  content(el.Body),
		Element:  el,
	}
	if kind == types.KindDOM {
		de.KnownHTML = KnownHTML(el.Name)
		if d.policy.KnownHTMLOnly && !de.KnownHTML {
			return DetectedElement{}, false
		}
	}

	de.Attributes = make([]Attribute, 0, len(el.Attributes))
	for _, a := range el.Attributes {
		attr := Attribute{
			Name:         a.Name,
			Value:        a.DisplayValue(),
			IsIdentifier: a.Name == d.attrName,
		}
		if attr.IsIdentifier && !a.Conditional && !de.HasIdentifier {
			de.HasIdentifier = true
			if attr.Value != nil {
				de.Identifier = *attr.Value
			}
		}
		de.Attributes = append(de.Attributes, attr)
	}
	return de, true
}

func (d *Detector) text(tree *markup.Tree, filePath string, t *markup.Text, index int) DetectedElement {
	span := t.Src
	lead := len(t.Value) - len(strings.TrimLeftFunc(t.Value, unicode.IsSpace))
	trail := len(t.Value) - len(strings.TrimRightFunc(t.Value, unicode.IsSpace))
	if span.Len() == len(t.Value) {
		span.Start += lead
		span.End -= trail
	}
	line, col := tree.LineCol(span.Start)
	return DetectedElement{
		FilePath: filePath,
		Kind:     types.KindText,
		TagName:  "#text",
		Position: types.Position{Line: line, Column: col, ByteStart: span.Start, ByteEnd: span.End},
		Content:  snapshot(t.Value),
		Index:    index,
	}
}

// content returns a short snapshot of the direct text children.
func content(body []markup.Node) string {
	var b strings.Builder
	for _, n := range body {
		if t, ok := n.(*markup.Text); ok {
			b.WriteString(t.Value)
			b.WriteByte(' ')
		}
	}
	return snapshot(b.String())
}

func snapshot(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxContent {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxContent])
}
