// Package mapping persists element identifiers and answers queries about
// them. The mapping file is the durable source of truth other tools read.
package mapping

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/conneroisu/eltag/internal/types"
)

// FormatVersion is written to every mapping file.
const FormatVersion = "1.0"

// ElementMapping is the durable record for one tagged element.
type ElementMapping struct {
	ID         string            `json:"id" yaml:"id"`
	FilePath   string            `json:"filePath" yaml:"filePath"`
	TagName    string            `json:"tagName" yaml:"tagName"`
	Kind       types.ElementKind `json:"kind" yaml:"kind"`
	Line       int               `json:"line" yaml:"line"`
	Column     int               `json:"column" yaml:"column"`
	ByteStart  int               `json:"byteStart" yaml:"byteStart"`
	ByteEnd    int               `json:"byteEnd" yaml:"byteEnd"`
	Hash       string            `json:"hash" yaml:"hash"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Content    string            `json:"content,omitempty" yaml:"content,omitempty"`
	CreatedAt  time.Time         `json:"createdAt" yaml:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt" yaml:"updatedAt"`
}

// Position returns the mapping's source position.
func (m ElementMapping) Position() types.Position {
	return types.Position{Line: m.Line, Column: m.Column, ByteStart: m.ByteStart, ByteEnd: m.ByteEnd}
}

// SameContent reports whether m and o describe the same element state,
// ignoring timestamps.
func (m ElementMapping) SameContent(o ElementMapping) bool {
	if m.ID != o.ID || m.FilePath != o.FilePath || m.TagName != o.TagName || m.Kind != o.Kind ||
		m.Line != o.Line || m.Column != o.Column || m.ByteStart != o.ByteStart || m.ByteEnd != o.ByteEnd ||
		m.Hash != o.Hash || m.Content != o.Content || len(m.Attributes) != len(o.Attributes) {
		return false
	}
	for k, v := range m.Attributes {
		if ov, ok := o.Attributes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (m ElementMapping) clone() ElementMapping {
	if m.Attributes != nil {
		attrs := make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			attrs[k] = v
		}
		m.Attributes = attrs
	}
	return m
}

// GenerationConfig is the snapshot of identifier options stored with the
// mappings so readers know how identifiers were produced.
type GenerationConfig struct {
	AttributeName   string `json:"attributeName" yaml:"attributeName"`
	Format          string `json:"format" yaml:"format"`
	HashLength      int    `json:"hashLength" yaml:"hashLength"`
	IncludePosition bool   `json:"includePosition" yaml:"includePosition"`
	Prefix          string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Suffix          string `json:"suffix,omitempty" yaml:"suffix,omitempty"`
}

// Stats aggregates the mapping set.
type Stats struct {
	TotalFiles    int                       `json:"totalFiles" yaml:"totalFiles"`
	TotalElements int                       `json:"totalElements" yaml:"totalElements"`
	ByKind        map[types.ElementKind]int `json:"byKind" yaml:"byKind"`
	ByExtension   map[string]int            `json:"byExtension" yaml:"byExtension"`
	LastUpdated   time.Time                 `json:"lastUpdated" yaml:"lastUpdated"`
}

// MappingFile is the on-disk document.
type MappingFile struct {
	Version   string                      `json:"version" yaml:"version"`
	Generated time.Time                   `json:"generated" yaml:"generated"`
	Config    GenerationConfig            `json:"config" yaml:"config"`
	Files     map[string][]ElementMapping `json:"files" yaml:"files"`
	Stats     Stats                       `json:"stats" yaml:"stats"`
}

// NewMappingFile returns an empty document.
func NewMappingFile(cfg GenerationConfig) *MappingFile {
	return &MappingFile{
		Version: FormatVersion,
		Config:  cfg,
		Files:   make(map[string][]ElementMapping),
		Stats:   Stats{ByKind: map[types.ElementKind]int{}, ByExtension: map[string]int{}},
	}
}

// clone deep copies the document.
func (f *MappingFile) clone() *MappingFile {
	out := *f
	out.Files = make(map[string][]ElementMapping, len(f.Files))
	for p, list := range f.Files {
		cp := make([]ElementMapping, len(list))
		for i, m := range list {
			cp[i] = m.clone()
		}
		out.Files[p] = cp
	}
	out.Stats.ByKind = make(map[types.ElementKind]int, len(f.Stats.ByKind))
	for k, v := range f.Stats.ByKind {
		out.Stats.ByKind[k] = v
	}
	out.Stats.ByExtension = make(map[string]int, len(f.Stats.ByExtension))
	for k, v := range f.Stats.ByExtension {
		out.Stats.ByExtension[k] = v
	}
	return &out
}

// computeStats derives Stats from Files.
func computeStats(files map[string][]ElementMapping, now time.Time) Stats {
	s := Stats{
		ByKind:      make(map[types.ElementKind]int),
		ByExtension: make(map[string]int),
		LastUpdated: now,
	}
	for p, list := range files {
		if len(list) == 0 {
			continue
		}
		s.TotalFiles++
		s.TotalElements += len(list)
		ext := strings.ToLower(path.Ext(p))
		if ext == "" {
			ext = "(none)"
		}
		s.ByExtension[ext] += len(list)
		for _, m := range list {
			s.ByKind[m.Kind]++
		}
	}
	return s
}

// sortBucket orders a file bucket by position, then ID.
func sortBucket(list []ElementMapping) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.ID < b.ID
	})
}

// NormalizePath converts a file path to the slash separated form used as a
// bucket key.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	return strings.TrimPrefix(p, "./")
}
