package pipeline

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/conneroisu/eltag/internal/errors"
)

// DefaultExclude lists globs skipped during discovery.
var DefaultExclude = []string{"node_modules", ".git", "vendor", "dist", "*_templ.go", "*.min.js"}

// Discover returns the files under root the pipeline can process, sorted.
// A file is included when a parser supports it, its extension is in
// include (when include is non-empty), and no exclude glob matches its
// base name or any slash separated suffix of its path relative to root.
// A root that is a file is returned as is when supported.
func (p *Pipeline) Discover(ctx context.Context, root string, include, exclude []string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeFileNotFound, "stat root", err).WithFile(root)
	}
	if !info.IsDir() {
		if p.accept(root, normalizeExts(include)) {
			return []string{root}, nil
		}
		return nil, errors.ErrUnsupportedFile(root)
	}

	exts := normalizeExts(include)
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && excluded(rel, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if p.accept(path, exts) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewIOError(errors.ErrCodeFileNotFound, "walk project", err).WithFile(root)
	}
	sort.Strings(files)
	return files, nil
}

func (p *Pipeline) accept(path string, exts []string) bool {
	if !p.registry.Supports(path) {
		return false
	}
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}

func normalizeExts(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

// excluded matches globs against the base name and every path suffix, so
// "node_modules" and "src/gen/*.tsx" both work without "**".
func excluded(rel string, globs []string) bool {
	parts := strings.Split(rel, "/")
	for _, g := range globs {
		g = strings.TrimSuffix(filepath.ToSlash(g), "/")
		if g == "" {
			continue
		}
		for i := range parts {
			suffix := strings.Join(parts[i:], "/")
			if ok, _ := filepath.Match(g, suffix); ok {
				return true
			}
		}
	}
	return false
}
