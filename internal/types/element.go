// Package types provides common type definitions used throughout eltag.
// This package contains shared types to avoid circular dependencies between
// the detector, the ID generator, the mutator and the mapping store.
package types

import "fmt"

// ElementKind classifies a markup node found in a component source file.
type ElementKind string

const (
	// KindDOM is a plain element whose tag starts with a lowercase letter.
	KindDOM ElementKind = "dom"
	// KindComponent is a custom component (uppercase or dotted tag).
	KindComponent ElementKind = "component"
	// KindFragment is a fragment, either <>...</> or a Fragment tag.
	KindFragment ElementKind = "fragment"
	// KindText is a non-empty text node, only emitted when text detection
	// is enabled.
	KindText ElementKind = "text"
)

// Kinds lists every element kind in a stable order.
var Kinds = []ElementKind{KindDOM, KindComponent, KindFragment, KindText}

// Valid reports whether k is a known element kind.
func (k ElementKind) Valid() bool {
	switch k {
	case KindDOM, KindComponent, KindFragment, KindText:
		return true
	default:
		return false
	}
}

// String returns the string representation of the kind.
func (k ElementKind) String() string {
	return string(k)
}

// ParseKind converts a user supplied string into an ElementKind.
func ParseKind(s string) (ElementKind, error) {
	k := ElementKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown element kind %q (want dom, component, fragment or text)", s)
	}
	return k, nil
}

// Position locates a node inside a source file. Line and Column are
// 1-based, Column counting runes, and the byte offsets are half-open
// [ByteStart, ByteEnd).
type Position struct {
	Line      int `json:"line" yaml:"line"`
	Column    int `json:"column" yaml:"column"`
	ByteStart int `json:"byteStart" yaml:"byteStart"`
	ByteEnd   int `json:"byteEnd" yaml:"byteEnd"`
}

// String formats the position as line:column.
func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// ExpressionPlaceholder stands in for attribute values that are not literal
// strings. Embedded expressions are never evaluated.
const ExpressionPlaceholder = "{expression}"

// DefaultAttributeName is the reserved identifier attribute.
const DefaultAttributeName = "data-el-id"

// MaxIDLength is the longest identifier accepted anywhere in eltag.
const MaxIDLength = 128

// UnsafeIDChars lists characters that may not appear in an identifier,
// besides whitespace. They are unsafe in file names, URLs or selectors.
const UnsafeIDChars = "/\\?#%\"'<>|:*{}^[]`"
