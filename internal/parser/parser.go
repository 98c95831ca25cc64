// Package parser turns component source files into markup trees. Each
// supported language registers a Parser for its file extensions.
package parser

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/markup"
)

// Parser builds a markup tree from source text.
type Parser interface {
	// Name identifies the parser in logs.
	Name() string
	Parse(path string, src []byte) (*markup.Tree, error)
}

// Registry maps file extensions to parsers.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// DefaultRegistry returns a registry with the JSX and templ parsers
// registered for their usual extensions.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	jsx := NewJSX()
	for _, ext := range []string{".jsx", ".tsx", ".js"} {
		r.Register(ext, jsx)
	}
	r.Register(".templ", NewTempl())
	return r
}

// Register associates ext (with leading dot) with p.
func (r *Registry) Register(ext string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[normalizeExt(ext)] = p
}

// Lookup returns the parser for path's extension.
func (r *Registry) Lookup(path string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[normalizeExt(filepath.Ext(path))]
	return p, ok
}

// Supports reports whether path has a registered parser.
func (r *Registry) Supports(path string) bool {
	_, ok := r.Lookup(path)
	return ok
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Parse parses src with the parser registered for path.
func (r *Registry) Parse(path string, src []byte) (*markup.Tree, error) {
	p, ok := r.Lookup(path)
	if !ok {
		return nil, errors.ErrUnsupportedFile(path)
	}
	tree, err := p.Parse(path, src)
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
