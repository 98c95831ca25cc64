// Package mutator injects and strips identifier attributes. It only edits
// the tree through a markup.Rewriter and reports what it did; persisting
// identifiers is the pipeline's job.
package mutator

import (
	"context"
	"fmt"
	"strings"

	"github.com/conneroisu/eltag/internal/detector"
	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/idgen"
	"github.com/conneroisu/eltag/internal/logging"
	"github.com/conneroisu/eltag/internal/markup"
	"github.com/conneroisu/eltag/internal/types"
)

// ChangeType is the kind of edit recorded in a Change.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeUpdate ChangeType = "update"
	ChangeRemove ChangeType = "remove"
)

// Change describes one attribute edit.
type Change struct {
	Type       ChangeType     `json:"type"`
	Identifier string         `json:"identifier,omitempty"`
	Attribute  string         `json:"attribute"`
	OldValue   *string        `json:"oldValue,omitempty"`
	NewValue   string         `json:"newValue,omitempty"`
	Position   types.Position `json:"position"`
	FilePath   string         `json:"filePath"`
	TagName    string         `json:"tagName"`
}

// Failure is an element that could not be mutated. The rest of the batch
// is unaffected.
type Failure struct {
	FilePath string
	TagName  string
	Position types.Position
	Err      error
}

// Result is the outcome of an Inject or Strip call.
type Result struct {
	Changes  []Change
	Modified bool
	Failures []Failure
}

// InjectContext pairs a detected element with its identifier.
type InjectContext struct {
	Element      detector.DetectedElement
	GeneratedID  idgen.GeneratedID
	ShouldInject bool
}

// InjectOptions configure Inject.
type InjectOptions struct {
	AttributeName string
	// PreserveExisting leaves elements that already carry the attribute
	// untouched.
	PreserveExisting bool
}

// StripOptions select the attributes Strip removes. An attribute is removed
// when any of the criteria matches.
type StripOptions struct {
	Names     []string
	Prefix    string
	Predicate func(el *markup.Element, attr *markup.Attribute) bool
}

func (o StripOptions) matches(el *markup.Element, attr *markup.Attribute) bool {
	for _, n := range o.Names {
		if attr.Name == n {
			return true
		}
	}
	if o.Prefix != "" && !attr.Spread && strings.HasPrefix(attr.Name, o.Prefix) {
		return true
	}
	return o.Predicate != nil && o.Predicate(el, attr)
}

// Mutator applies identifier edits.
type Mutator struct {
	logger logging.Logger
}

// New creates a mutator.
func New(logger logging.Logger) *Mutator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Mutator{logger: logger.WithComponent("mutator")}
}

// Inject writes identifiers onto elements. Invalid identifiers and
// untaggable elements are reported as failures. Writing the value an
// element already carries records no change.
func (m *Mutator) Inject(rw *markup.Rewriter, contexts []InjectContext, opts InjectOptions) Result {
	name := opts.AttributeName
	if name == "" {
		name = types.DefaultAttributeName
	}

	var res Result
	for _, c := range contexts {
		if !c.ShouldInject {
			continue
		}
		change, err := m.injectOne(rw, c, name, opts.PreserveExisting)
		if err != nil {
			res.Failures = append(res.Failures, Failure{
				FilePath: c.Element.FilePath,
				TagName:  c.Element.TagName,
				Position: c.Element.Position,
				Err:      err,
			})
			m.logger.Warn(context.Background(), err, "Skipping element",
				"file", c.Element.FilePath, "tag", c.Element.TagName, "line", c.Element.Position.Line)
			continue
		}
		if change != nil {
			res.Changes = append(res.Changes, *change)
		}
	}
	res.Modified = len(res.Changes) > 0
	return res
}

func (m *Mutator) injectOne(rw *markup.Rewriter, c InjectContext, name string, preserve bool) (change *Change, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewMutationError(errors.ErrCodeMutationFailed, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	el := c.Element
	if !el.Taggable() {
		return nil, errors.NewMutationError(errors.ErrCodeMutationFailed,
			fmt.Sprintf("%s elements cannot carry attributes", el.Kind), nil).
			WithLocation(el.FilePath, el.Position.Line, el.Position.Column)
	}
	id := c.GeneratedID.ID
	if err := idgen.ValidateID(id); err != nil {
		return nil, err
	}

	current, present := rw.Attribute(el.Element, name)
	if present && preserve {
		return nil, nil
	}
	if present && current != nil && *current == id {
		return nil, nil
	}

	old, existed, err := rw.SetAttribute(el.Element, name, id)
	if err != nil {
		return nil, errors.NewMutationError(errors.ErrCodeMutationFailed, "set attribute failed", err).
			WithLocation(el.FilePath, el.Position.Line, el.Position.Column)
	}
	change = &Change{
		Type:       ChangeAdd,
		Identifier: id,
		Attribute:  name,
		NewValue:   id,
		Position:   el.Position,
		FilePath:   el.FilePath,
		TagName:    el.TagName,
	}
	if existed {
		change.Type = ChangeUpdate
		change.OldValue = old
	}
	return change, nil
}

// Strip removes every matching attribute from every element of the tree.
func (m *Mutator) Strip(rw *markup.Rewriter, opts StripOptions) Result {
	var res Result
	tree := rw.Tree()
	for _, el := range tree.Elements() {
		// Removals queued before a failure still print, so they are
		// reported too.
		changes, err := m.stripOne(rw, tree, el, opts)
		res.Changes = append(res.Changes, changes...)
		if err != nil {
			pos := tree.Position(el)
			res.Failures = append(res.Failures, Failure{FilePath: tree.Path, TagName: el.Name, Position: pos, Err: err})
			m.logger.Warn(context.Background(), err, "Skipping element", "file", tree.Path, "tag", el.Name, "line", pos.Line)
		}
	}
	res.Modified = len(res.Changes) > 0
	return res
}

func (m *Mutator) stripOne(rw *markup.Rewriter, tree *markup.Tree, el *markup.Element, opts StripOptions) (changes []Change, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewMutationError(errors.ErrCodeMutationFailed, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	seen := make(map[string]bool)
	for _, attr := range el.Attributes {
		if seen[attr.Name] || !opts.matches(el, attr) {
			continue
		}
		seen[attr.Name] = true
		old, removed := rw.RemoveAttribute(el, attr.Name)
		if !removed {
			continue
		}
		c := Change{
			Type:      ChangeRemove,
			Attribute: attr.Name,
			OldValue:  old,
			Position:  tree.Position(el),
			FilePath:  tree.Path,
			TagName:   el.Name,
		}
		if old != nil {
			c.Identifier = *old
		}
		changes = append(changes, c)
	}
	return changes, nil
}
