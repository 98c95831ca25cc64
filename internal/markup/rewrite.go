package markup

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Rewriter records attribute edits against an immutable Tree and prints the
// result by splicing the edits into the original source.
type Rewriter struct {
	tree  *Tree
	edits map[*Element]*elementEdits
	order []*Element
}

type elementEdits struct {
	updated map[*Attribute]string
	removed map[*Attribute]bool
	added   []addedAttr
}

type addedAttr struct {
	name  string
	value string
}

// NewRewriter creates a rewriter with no pending edits.
func NewRewriter(t *Tree) *Rewriter {
	return &Rewriter{tree: t, edits: make(map[*Element]*elementEdits)}
}

// Tree returns the underlying tree.
func (r *Rewriter) Tree() *Tree { return r.tree }

func (r *Rewriter) editsFor(el *Element) *elementEdits {
	e, ok := r.edits[el]
	if !ok {
		e = &elementEdits{
			updated: make(map[*Attribute]string),
			removed: make(map[*Attribute]bool),
		}
		r.edits[el] = e
		r.order = append(r.order, el)
	}
	return e
}

// AttrView is an attribute as it will appear after the pending edits.
type AttrView struct {
	Name  string
	Value *string
	// Attr is the source attribute, nil for pending additions.
	Attr *Attribute
}

// Attributes returns the element's attributes with pending edits applied.
func (r *Rewriter) Attributes(el *Element) []AttrView {
	e := r.edits[el]
	out := make([]AttrView, 0, len(el.Attributes))
	for _, a := range el.Attributes {
		if e != nil && e.removed[a] {
			continue
		}
		v := AttrView{Name: a.Name, Value: a.DisplayValue(), Attr: a}
		if e != nil {
			if nv, ok := e.updated[a]; ok {
				val := nv
				v.Value = &val
			}
		}
		out = append(out, v)
	}
	if e != nil {
		for _, add := range e.added {
			val := add.value
			out = append(out, AttrView{Name: add.name, Value: &val})
		}
	}
	return out
}

// Attribute returns the current value of name on el. Conditional attributes
// are ignored.
func (r *Rewriter) Attribute(el *Element, name string) (value *string, present bool) {
	for _, v := range r.Attributes(el) {
		if v.Name == name && (v.Attr == nil || !v.Attr.Conditional) {
			return v.Value, true
		}
	}
	return nil, false
}

// SetAttribute sets name to value on el, updating the first unconditional
// occurrence or appending a new attribute. It returns the previous value
// and whether the attribute existed.
func (r *Rewriter) SetAttribute(el *Element, name, value string) (old *string, existed bool, err error) {
	if el == nil {
		return nil, false, fmt.Errorf("set attribute %q: nil element", name)
	}
	if !validAttrName(name) {
		return nil, false, fmt.Errorf("set attribute: invalid attribute name %q", name)
	}
	e := r.editsFor(el)

	for i := range e.added {
		if e.added[i].name == name {
			prev := e.added[i].value
			e.added[i].value = value
			return &prev, true, nil
		}
	}
	for _, a := range el.Attributes {
		if a.Name != name || a.Conditional || e.removed[a] {
			continue
		}
		if a.Spread {
			continue
		}
		prev := a.DisplayValue()
		if nv, ok := e.updated[a]; ok {
			p := nv
			prev = &p
		}
		if a.Literal() && *a.Value == value {
			delete(e.updated, a)
		} else {
			e.updated[a] = value
		}
		return prev, true, nil
	}

	e.added = append(e.added, addedAttr{name: name, value: value})
	return nil, false, nil
}

// RemoveAttribute removes every occurrence of name from el, including
// conditional ones. It returns the value of the first removed occurrence.
func (r *Rewriter) RemoveAttribute(el *Element, name string) (old *string, removed bool) {
	if el == nil {
		return nil, false
	}
	e := r.editsFor(el)

	for i := 0; i < len(e.added); i++ {
		if e.added[i].name == name {
			if !removed {
				v := e.added[i].value
				old, removed = &v, true
			}
			e.added = append(e.added[:i], e.added[i+1:]...)
			i--
		}
	}
	for _, a := range el.Attributes {
		if a.Name != name || e.removed[a] {
			continue
		}
		if !removed {
			old = a.DisplayValue()
			if nv, ok := e.updated[a]; ok {
				v := nv
				old = &v
			}
			removed = true
		}
		delete(e.updated, a)
		e.removed[a] = true
	}
	return old, removed
}

// Modified reports whether any edit is pending.
func (r *Rewriter) Modified() bool {
	for _, e := range r.edits {
		if len(e.updated) > 0 || len(e.removed) > 0 || len(e.added) > 0 {
			return true
		}
	}
	return false
}

// Reset drops every pending edit.
func (r *Rewriter) Reset() {
	r.edits = make(map[*Element]*elementEdits)
	r.order = nil
}

type splice struct {
	start, end int
	text       string
}

// Print renders the source with all pending edits applied. Bytes outside
// the edited attributes are copied unchanged. An error means the edits
// could not be applied consistently and the output must not be used.
func (r *Rewriter) Print() ([]byte, error) {
	src := r.tree.Source
	var splices []splice
	for _, el := range r.order {
		e := r.edits[el]
		for _, a := range el.Attributes {
			if e.removed[a] {
				splices = append(splices, splice{start: a.LeadStart, end: a.Src.End})
				continue
			}
			if v, ok := e.updated[a]; ok {
				splices = append(splices, splice{
					start: a.NameSpan.End,
					end:   a.Src.End,
					text:  `="` + escapeAttr(v) + `"`,
				})
			}
		}
		if len(e.added) > 0 {
			var b strings.Builder
			for _, add := range e.added {
				b.WriteString(" ")
				b.WriteString(add.name)
				b.WriteString(`="`)
				b.WriteString(escapeAttr(add.value))
				b.WriteString(`"`)
			}
			splices = append(splices, splice{start: el.InsertAt, end: el.InsertAt, text: b.String()})
		}
	}

	sort.SliceStable(splices, func(i, j int) bool {
		if splices[i].start != splices[j].start {
			return splices[i].start < splices[j].start
		}
		// Zero-width inserts go before a replacement starting at the same
		// offset.
		return splices[i].end-splices[i].start < splices[j].end-splices[j].start
	})

	var out bytes.Buffer
	out.Grow(len(src) + 64*len(splices))
	cursor := 0
	for _, s := range splices {
		if s.start < cursor || s.end < s.start || s.end > len(src) {
			return nil, fmt.Errorf("print %s: overlapping or out of range edit at byte %d", r.tree.Path, s.start)
		}
		out.Write(src[cursor:s.start])
		out.WriteString(s.text)
		cursor = s.end
	}
	out.Write(src[cursor:])
	return out.Bytes(), nil
}

// Print renders rw. It exists so callers can treat printing as the terminal
// step of a pipeline without holding on to the rewriter type.
func Print(rw *Rewriter) ([]byte, error) {
	if rw == nil {
		return nil, fmt.Errorf("print: nil rewriter")
	}
	return rw.Print()
}

func escapeAttr(v string) string {
	if !strings.ContainsAny(v, `"&`) {
		return v
	}
	v = strings.ReplaceAll(v, "&", "&amp;")
	return strings.ReplaceAll(v, `"`, "&quot;")
}

func validAttrName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == ':' || c == '.':
		default:
			return false
		}
	}
	return true
}
