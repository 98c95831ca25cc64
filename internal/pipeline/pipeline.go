// Package pipeline runs files through parse, detect, generate, mutate and
// record. A project run processes files in parallel and commits the mapping
// store once at the end.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/eltag/internal/cache"
	"github.com/conneroisu/eltag/internal/detector"
	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/idgen"
	"github.com/conneroisu/eltag/internal/logging"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/markup"
	"github.com/conneroisu/eltag/internal/mutator"
	"github.com/conneroisu/eltag/internal/parser"
	"github.com/conneroisu/eltag/internal/types"
)

// Options configure a Pipeline.
type Options struct {
	// Root is the project root mapping keys are relative to. Empty selects
	// the working directory.
	Root string
	// PreserveExisting keeps valid identifiers already present in tag mode.
	PreserveExisting bool
	Include          []string
	Exclude          []string
	Workers          int
	// CacheTTL applies to parsed trees and detected elements. Zero selects
	// the cache default.
	CacheTTL time.Duration
}

// DefaultOptions returns the default pipeline options.
func DefaultOptions() Options {
	return Options{
		PreserveExisting: true,
		Exclude:          DefaultExclude,
		Workers:          runtime.NumCPU(),
	}
}

// Deps are the components a Pipeline drives. Store is required; the rest
// default to fresh instances.
type Deps struct {
	Registry  *parser.Registry
	Detector  *detector.Detector
	Generator *idgen.Generator
	Mutator   *mutator.Mutator
	Store     *mapping.Store
	Cache     *cache.Cache
	Logger    logging.Logger
}

// ProjectOptions configure ProcessProject.
type ProjectOptions struct {
	// OutputDir writes processed files to a mirror tree under this
	// directory instead of in place.
	OutputDir string
	Mode      Mode
	DryRun    bool
	FailFast  bool
	Workers   int
	// Include and Exclude override the pipeline options when set.
	Include []string
	Exclude []string
}

// Pipeline orchestrates the per-file state machine.
type Pipeline struct {
	registry *parser.Registry
	detector *detector.Detector
	gen      *idgen.Generator
	mutator  *mutator.Mutator
	store    *mapping.Store
	cache    *cache.Cache
	logger   logging.Logger
	opts     Options
	root     string
	claims   *claims

	// commitMu makes the store merge a single writer operation.
	commitMu sync.Mutex
}

// New creates a pipeline.
func New(d Deps, opts Options) (*Pipeline, error) {
	if d.Store == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "pipeline requires a mapping store")
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	if d.Registry == nil {
		d.Registry = parser.DefaultRegistry()
	}
	if d.Detector == nil {
		d.Detector = detector.New(detector.DefaultPolicy(), "", d.Logger)
	}
	if d.Generator == nil {
		d.Generator = idgen.New(idgen.DefaultConfig(), d.Logger)
	}
	if d.Mutator == nil {
		d.Mutator = mutator.New(d.Logger)
	}
	if d.Cache == nil {
		d.Cache = cache.New(cache.DefaultConfig(), d.Logger)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	root := opts.Root
	if root == "" {
		root = "."
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "resolve project root: "+err.Error())
	}
	return &Pipeline{
		registry: d.Registry,
		detector: d.Detector,
		gen:      d.Generator,
		mutator:  d.Mutator,
		store:    d.Store,
		cache:    d.Cache,
		logger:   d.Logger.WithComponent("pipeline"),
		opts:     opts,
		root:     root,
		claims:   newClaims(),
	}, nil
}

// Store returns the mapping store.
func (p *Pipeline) Store() *mapping.Store { return p.store }

// Cache returns the cache.
func (p *Pipeline) Cache() *cache.Cache { return p.cache }

// AttributeName returns the identifier attribute.
func (p *Pipeline) AttributeName() string { return p.detector.AttributeName() }

// Supports reports whether a parser handles path.
func (p *Pipeline) Supports(path string) bool { return p.registry.Supports(path) }

// Extensions returns the extensions a project run picks up.
func (p *Pipeline) Extensions() []string {
	if len(p.opts.Include) > 0 {
		return normalizeExts(p.opts.Include)
	}
	return p.registry.Extensions()
}

// Root returns the absolute project root.
func (p *Pipeline) Root() string { return p.root }

// Key returns the mapping key of path: slash separated and relative to the
// project root, however the path was spelled. Paths outside the root keep
// their absolute form.
func (p *Pipeline) Key(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return mapping.NormalizePath(path)
	}
	rel, err := filepath.Rel(p.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return mapping.NormalizePath(filepath.ToSlash(abs))
	}
	return mapping.NormalizePath(filepath.ToSlash(rel))
}

// ProcessFile runs one file in place and commits its mappings.
func (p *Pipeline) ProcessFile(ctx context.Context, path string, mode Mode) (*FileResult, error) {
	res := p.process(ctx, path, mode, "", false)
	if res.Err != nil {
		return res, res.Err
	}
	if _, err := p.commit(ctx, []*FileResult{res}); err != nil {
		return res, err
	}
	return res, nil
}

// PreviewFile runs one file without writing it or touching the store and
// returns the rendered output.
func (p *Pipeline) PreviewFile(ctx context.Context, path string, mode Mode) (*FileResult, []byte, error) {
	var out []byte
	res := p.run(ctx, path, mode, "", true, func(b []byte) { out = b })
	return res, out, res.Err
}

// RemoveFile drops the mappings and cache entries of a deleted file.
func (p *Pipeline) RemoveFile(ctx context.Context, path string) (mapping.SaveResult, error) {
	key := p.Key(path)
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	p.cache.InvalidateFile(key)
	p.claims.release(key)
	return p.store.RemoveFile(ctx, key)
}

// ProcessProject discovers files under root and processes them with a
// bounded number of workers. Per-file failures are collected in the result
// unless FailFast is set, in which case the first failure cancels the
// remaining files and is returned. Mappings of every file that completed
// are committed once, even when the run was canceled.
func (p *Pipeline) ProcessProject(ctx context.Context, root string, opts ProjectOptions) (*ProjectResult, error) {
	if opts.Mode == "" {
		opts.Mode = ModeTag
	}
	include, exclude := p.opts.Include, p.opts.Exclude
	if len(opts.Include) > 0 {
		include = opts.Include
	}
	if len(opts.Exclude) > 0 {
		exclude = opts.Exclude
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = p.opts.Workers
	}

	result := &ProjectResult{
		RunID:  uuid.NewString(),
		Root:   root,
		Mode:   opts.Mode,
		DryRun: opts.DryRun,
		Stats:  ProjectStats{ByKind: make(map[types.ElementKind]int)},
	}
	logger := p.logger.With("run_id", result.RunID)
	perf := logging.StartOperation(logger, "process_project")
	start := time.Now()

	files, err := p.Discover(ctx, root, include, exclude)
	if err != nil {
		perf.EndWithError(ctx, err)
		return result, err
	}
	logger.Info(ctx, "Processing project", "root", root, "files", len(files), "mode", opts.Mode,
		"workers", workers, "dry_run", opts.DryRun)

	rootIsFile := len(files) == 1 && files[0] == root
	results := make([]*FileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, f := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outPath := ""
			if opts.OutputDir != "" {
				rel := filepath.Base(f)
				if !rootIsFile {
					if r, err := filepath.Rel(root, f); err == nil {
						rel = r
					}
				}
				outPath = filepath.Join(opts.OutputDir, rel)
			}
			r := p.process(gctx, f, opts.Mode, outPath, opts.DryRun)
			results[i] = r
			if r.Err != nil {
				if errors.IsRecoverable(r.Err) {
					logger.Warn(gctx, r.Err, "File failed", "file", f)
				} else {
					logger.Error(gctx, r.Err, "File failed", "file", f, "type", errors.TypeOf(r.Err))
				}
				if opts.FailFast {
					return r.Err
				}
			}
			return nil
		})
	}
	waitErr := g.Wait()

	failures := errors.NewCollector()
	for _, r := range results {
		if r == nil {
			result.Stats.FilesSkipped++
			continue
		}
		result.Files = append(result.Files, r)
		result.Stats.add(r)
		failures.Add(r.Err)
	}
	result.Errors = failures.Errors()
	if failures.HasErrors() {
		logger.Warn(ctx, failures.Err(), "Project run had failures",
			"failed", result.Stats.FilesFailed, "fatal", result.Stats.FilesFatal)
	}

	if !opts.DryRun {
		saved, err := p.commit(context.WithoutCancel(ctx), result.Files)
		result.Store = saved
		if err != nil {
			result.Duration = time.Since(start)
			perf.EndWithError(ctx, err)
			return result, err
		}
	}
	result.Duration = time.Since(start)

	switch {
	case waitErr != nil:
		perf.EndWithError(ctx, waitErr, "failed", result.Stats.FilesFailed)
		return result, waitErr
	case ctx.Err() != nil:
		result.Canceled = true
		perf.EndWithError(ctx, ctx.Err(), "skipped", result.Stats.FilesSkipped)
		return result, ctx.Err()
	}
	perf.End(ctx,
		"files", result.Stats.FilesScanned,
		"modified", result.Stats.FilesModified,
		"failed", result.Stats.FilesFailed,
		"added", result.Stats.Added,
		"updated", result.Stats.Updated,
		"removed", result.Stats.Removed,
		"hash_memo", p.gen.MemoSize())
	return result, nil
}

// commit merges the results into the store in one batch.
func (p *Pipeline) commit(ctx context.Context, results []*FileResult) (mapping.SaveResult, error) {
	b := mapping.Batch{ReplaceFiles: make(map[string][]mapping.ElementMapping)}
	var committed []*FileResult
	for _, r := range results {
		if r == nil || r.Err != nil || r.skipCommit {
			continue
		}
		if r.Mode == ModeStrip {
			b.RemoveFiles = append(b.RemoveFiles, r.key)
			p.claims.release(r.key)
		} else {
			b.ReplaceFiles[r.key] = r.Mappings
		}
		committed = append(committed, r)
	}
	if len(committed) == 0 {
		return mapping.SaveResult{}, nil
	}

	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	saved, err := p.store.Apply(ctx, b)
	for _, r := range committed {
		p.cache.Invalidate(r.key)
	}
	if err != nil {
		return saved, err
	}
	for _, r := range committed {
		r.advance(StateRecorded)
	}
	return saved, nil
}

func (p *Pipeline) process(ctx context.Context, path string, mode Mode, outPath string, dryRun bool) *FileResult {
	return p.run(ctx, path, mode, outPath, dryRun, nil)
}

func (p *Pipeline) run(ctx context.Context, path string, mode Mode, outPath string, dryRun bool, sink func([]byte)) *FileResult {
	start := time.Now()
	res := &FileResult{Path: path, Mode: mode, OutputPath: outPath}
	defer func() { res.Duration = time.Since(start) }()

	switch mode {
	case ModeTag, ModeRetag, ModeStrip:
	default:
		return res.fail(errors.NewConfigError(errors.ErrCodeConfigInvalid, fmt.Sprintf("unknown mode %q", mode)))
	}
	if err := ctx.Err(); err != nil {
		return res.fail(err)
	}

	target := path
	if outPath != "" {
		target = outPath
	}
	res.key = p.Key(target)
	srcKey := p.Key(path)

	info, err := os.Stat(path)
	if err != nil {
		return res.fail(errors.NewIOError(errors.ErrCodeFileNotFound, "stat source", err).WithFile(path))
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return res.fail(errors.NewIOError(errors.ErrCodeFileNotFound, "read source", err).WithFile(path))
	}

	cacheKey := cache.FileKey(srcKey, src)
	tree, hit, err := p.parse(path, src, cacheKey)
	if err != nil {
		return res.fail(err)
	}
	res.CacheHit = hit
	res.advance(StateParsed)

	det := p.detect(tree, srcKey, cacheKey, hit)
	if det.Err != nil {
		// Zero elements: leave the file and its mappings alone.
		res.skipCommit = true
	}
	res.Elements = len(det.Elements)
	res.ByKind = det.CountsByKind
	res.advance(StateDetected)

	rw := markup.NewRewriter(tree)
	var (
		contexts []mutator.InjectContext
		mr       mutator.Result
	)
	if mode == ModeStrip {
		mr = p.mutator.Strip(rw, mutator.StripOptions{Names: []string{p.AttributeName()}})
	} else {
		contexts = p.assign(res.key, mode, det.Elements)
		mr = p.mutator.Inject(rw, contexts, mutator.InjectOptions{AttributeName: p.AttributeName()})
	}
	res.Changes = mr.Changes
	res.Failures = mr.Failures
	res.Modified = mr.Modified

	out := src
	if res.Modified {
		out, err = rw.Print()
		if err != nil {
			return res.fail(errors.NewMutationError(errors.ErrCodePrintFailed, "print failed", err).WithFile(path))
		}
	}
	switch {
	case !res.Modified:
		res.advance(StateUnchanged)
	case mode == ModeStrip:
		res.advance(StateStripped)
	default:
		res.advance(StateTagged)
	}
	if sink != nil {
		sink(out)
	}

	if !dryRun && (res.Modified || outPath != "") {
		if err := writeFile(target, out, info.Mode().Perm()); err != nil {
			return res.fail(errors.NewIOError(errors.ErrCodeWriteFailed, "write output", err).WithFile(target))
		}
		res.Written = true
	}

	if mode != ModeStrip && !res.skipCommit {
		res.Mappings = p.record(target, out, det.Elements, contexts, res.Modified, res.Written)
	}
	return res
}

func (p *Pipeline) parse(path string, src []byte, key string) (*markup.Tree, bool, error) {
	if tree, ok := cache.Get[*markup.Tree](p.cache, cache.KindTree, key); ok {
		return tree, true, nil
	}
	tree, err := p.registry.Parse(path, src)
	if err != nil {
		return nil, false, err
	}
	p.cache.Put(cache.KindTree, key, tree, p.opts.CacheTTL)
	return tree, false, nil
}

// elementSet is the cached form of a detection result.
type elementSet detector.Result

func (e elementSet) CacheSize() int64 {
	var n int64
	for _, el := range e.Elements {
		n += 160 + int64(len(el.Content)+len(el.TagName)+len(el.FilePath))
		for _, a := range el.Attributes {
			n += 32 + int64(len(a.Name))
			if a.Value != nil {
				n += int64(len(*a.Value))
			}
		}
	}
	return n
}

// detect only trusts cached elements when the tree came from the cache
// too, since elements point into the tree they were detected in.
func (p *Pipeline) detect(tree *markup.Tree, path, key string, treeHit bool) detector.Result {
	if treeHit {
		if set, ok := cache.Get[elementSet](p.cache, cache.KindElements, key); ok {
			return detector.Result(set)
		}
	}
	res := p.detector.Detect(tree, path)
	if res.Err == nil {
		p.cache.Put(cache.KindElements, key, elementSet(res), p.opts.CacheTTL)
	}
	return res
}

func (p *Pipeline) existingMappings(key string) []mapping.ElementMapping {
	if list, ok := cache.Get[[]mapping.ElementMapping](p.cache, cache.KindMappings, key); ok {
		return list
	}
	list := p.store.GetByFile(key)
	p.cache.Put(cache.KindMappings, key, list, p.opts.CacheTTL)
	return list
}

// assign picks an identifier for every taggable element. In tag mode valid
// identifiers already present are kept; the first occurrence of a
// duplicated identifier wins and later ones are regenerated. Generated
// identifiers that collide within the file, with a file processed
// concurrently, or with a mapping owned by another file get a numeric
// suffix.
func (p *Pipeline) assign(key string, mode Mode, elements []detector.DetectedElement) []mutator.InjectContext {
	existing := p.existingMappings(key)
	used := make(map[string]bool)
	keep := make(map[int]bool)

	p.claims.release(key)
	if mode == ModeTag && p.opts.PreserveExisting {
		for i, el := range elements {
			if !el.Taggable() || !el.HasIdentifier || used[el.Identifier] {
				continue
			}
			if idgen.ValidateID(el.Identifier) != nil {
				continue
			}
			used[el.Identifier] = true
			keep[i] = true
			p.claims.claim(el.Identifier, key)
		}
	}

	taken := func(id string) bool {
		if used[id] || p.claims.heldElsewhere(id, key) {
			return true
		}
		if m, err := p.store.GetByID(id); err == nil && m.FilePath != key {
			return true
		}
		return false
	}

	contexts := make([]mutator.InjectContext, 0, len(elements))
	for i, el := range elements {
		if !el.Taggable() {
			continue
		}
		if keep[i] {
			contexts = append(contexts, mutator.InjectContext{
				Element:     el,
				GeneratedID: idgen.GeneratedID{ID: el.Identifier, Reused: true},
			})
			continue
		}
		gid := p.gen.Generate(idgen.Context{FilePath: key, Element: el, ExistingMappings: existing, Index: i})
		base := gid.ID
		for n := 2; taken(gid.ID) || !p.claims.claim(gid.ID, key); n++ {
			gid.ID = base + "-" + strconv.Itoa(n)
			gid.Reused = false
		}
		used[gid.ID] = true
		contexts = append(contexts, mutator.InjectContext{Element: el, GeneratedID: gid, ShouldInject: true})
	}
	return contexts
}

// record builds the mappings for the final output. Positions come from
// re-parsing the output so the next run finds them again; only elements
// whose attribute ended up holding the assigned identifier are recorded.
func (p *Pipeline) record(target string, out []byte, before []detector.DetectedElement,
	contexts []mutator.InjectContext, modified, written bool) []mapping.ElementMapping {
	key := p.Key(target)
	after := before
	if modified {
		outTree, err := p.registry.Parse(target, out)
		if err != nil {
			p.logger.Warn(context.Background(), err, "Output does not re-parse, skipping mappings", "file", target)
			return nil
		}
		det := p.detector.Detect(outTree, key)
		if det.Err != nil || len(det.Elements) != len(before) {
			p.logger.Warn(context.Background(), det.Err, "Element count changed after mutation, skipping mappings",
				"file", target, "before", len(before), "after", len(det.Elements))
			return nil
		}
		after = det.Elements
		if written {
			ck := cache.FileKey(key, out)
			p.cache.Put(cache.KindTree, ck, outTree, p.opts.CacheTTL)
			p.cache.Put(cache.KindElements, ck, elementSet(det), p.opts.CacheTTL)
		}
	}

	mappings := make([]mapping.ElementMapping, 0, len(contexts))
	for _, c := range contexts {
		idx := c.Element.Index
		if idx < 0 || idx >= len(after) {
			continue
		}
		final := after[idx]
		if !final.HasIdentifier || final.Identifier != c.GeneratedID.ID {
			continue
		}
		mappings = append(mappings, mapping.ElementMapping{
			ID:         c.GeneratedID.ID,
			FilePath:   key,
			TagName:    final.TagName,
			Kind:       final.Kind,
			Line:       final.Position.Line,
			Column:     final.Position.Column,
			ByteStart:  final.Position.ByteStart,
			ByteEnd:    final.Position.ByteEnd,
			Hash:       p.gen.Hash(key, final),
			Attributes: final.AttributeMap(),
			Content:    final.Content,
		})
	}
	return mappings
}

// writeFile replaces path atomically, creating parent directories.
func writeFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
