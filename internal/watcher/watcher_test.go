package watcher

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/eltag/internal/idgen"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/pipeline"
)

func TestEventTypeString(t *testing.T) {
	testCases := []struct {
		eventType EventType
		expected  string
	}{
		{EventTypeCreated, "created"},
		{EventTypeModified, "modified"},
		{EventTypeDeleted, "deleted"},
		{EventTypeRenamed, "renamed"},
		{EventType(42), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.eventType.String())
		})
	}
}

func TestFilters(t *testing.T) {
	ext := ExtensionFilter(".jsx", ".tsx", ".templ")
	assert.True(t, ext("src/App.TSX"))
	assert.True(t, ext("ui/header.templ"))
	assert.False(t, ext("ui/header_templ.go"))

	assert.False(t, NoGeneratedFilter("ui/header_templ.go"))
	assert.False(t, NoGeneratedFilter("dist/app.min.js"))
	assert.True(t, NoGeneratedFilter("src/app.js"))

	assert.False(t, NoTempFilter("src/.Card.jsx.1234.tmp"))
	assert.False(t, NoTempFilter("src/Card.jsx~"))
	assert.False(t, NoTempFilter("src/.Card.jsx.swp"))
	assert.True(t, NoTempFilter("src/Card.jsx"))
}

func TestDebouncerKeepsLastEventPerPath(t *testing.T) {
	d := newDebouncer(10 * time.Millisecond)
	d.addEvent(ChangeEvent{Type: EventTypeCreated, Path: "b.jsx"})
	d.addEvent(ChangeEvent{Type: EventTypeModified, Path: "a.jsx"})
	d.addEvent(ChangeEvent{Type: EventTypeModified, Path: "b.jsx"})
	d.addEvent(ChangeEvent{Type: EventTypeDeleted, Path: "a.jsx"})

	select {
	case events := <-d.output:
		require.Len(t, events, 2)
		assert.Equal(t, "a.jsx", events[0].Path)
		assert.Equal(t, EventTypeDeleted, events[0].Type)
		assert.Equal(t, "b.jsx", events[1].Path)
		assert.Equal(t, EventTypeModified, events[1].Type)
	case <-time.After(2 * time.Second):
		t.Fatal("debouncer did not flush")
	}
}

func TestAddRecursiveSkipsDirs(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{"src/components", "node_modules/lib", ".git/objects"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, d), 0o755))
	}

	fw, err := NewFileWatcher(50*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Stop()
	fw.SkipDirs([]string{"node_modules", ".git"})

	require.NoError(t, fw.AddRecursive(dir))
	list := fw.WatchList()
	assert.Contains(t, list, filepath.Join(dir, "src", "components"))
	for _, p := range list {
		assert.NotContains(t, p, "node_modules")
		assert.NotContains(t, p, ".git")
	}

	assert.Error(t, fw.AddPath(filepath.Join(dir, "missing")))
}

func TestFileWatcherDeliversEvents(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWatcher(50*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Stop()

	fw.AddFilter(ExtensionFilter(".jsx"))
	got := make(chan []ChangeEvent, 10)
	fw.AddHandler(func(_ context.Context, events []ChangeEvent) error {
		got <- events
		return nil
	})
	require.NoError(t, fw.AddRecursive(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	path := filepath.Join(dir, "Card.jsx")
	require.NoError(t, os.WriteFile(path, []byte("export const C = () => <div />;\n"), 0o644))

	select {
	case events := <-got:
		require.Len(t, events, 1)
		assert.Equal(t, path, events[0].Path)
		assert.False(t, events[0].Gone())
	case <-time.After(5 * time.Second):
		t.Fatal("no events delivered")
	}

	cancel()
	require.NoError(t, fw.Stop())
	fw.Wait()
}

type fakeProcessor struct {
	mu        sync.Mutex
	processed []string
	removed   []string
	failOn    string
}

func (f *fakeProcessor) ProcessFile(_ context.Context, path string, mode pipeline.Mode) (*pipeline.FileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if path == f.failOn {
		return nil, stderrors.New("boom")
	}
	f.processed = append(f.processed, path)
	return &pipeline.FileResult{Path: path, Mode: mode}, nil
}

func (f *fakeProcessor) RemoveFile(_ context.Context, path string) (mapping.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return mapping.SaveResult{Removed: 1}, nil
}

func TestPipelineHandlerRoutesEvents(t *testing.T) {
	p := &fakeProcessor{failOn: "bad.jsx"}
	h := PipelineHandler(p, nil)

	err := h(context.Background(), []ChangeEvent{
		{Type: EventTypeCreated, Path: "a.jsx"},
		{Type: EventTypeModified, Path: "bad.jsx"},
		{Type: EventTypeDeleted, Path: "gone.jsx"},
		{Type: EventTypeRenamed, Path: "moved.jsx"},
		{Type: EventTypeModified, Path: "b.jsx"},
	})
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
	assert.Equal(t, []string{"a.jsx", "b.jsx"}, p.processed)
	assert.Equal(t, []string{"gone.jsx", "moved.jsx"}, p.removed)
}

func TestWatchRetagsWithPipeline(t *testing.T) {
	dir := t.TempDir()
	store, err := mapping.NewStore(mapping.Options{Path: filepath.Join(dir, ".eltag", "mappings.json")}, nil)
	require.NoError(t, err)
	opts := pipeline.DefaultOptions()
	opts.Root = dir
	p, err := pipeline.New(pipeline.Deps{
		Store:     store,
		Generator: idgen.New(idgen.Config{Format: "{filename}-{element}-{index}"}, nil),
	}, opts)
	require.NoError(t, err)

	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	fw, err := NewFileWatcher(50*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Stop()
	fw.AddFilter(ExtensionFilter(".jsx"))
	fw.AddFilter(NoTempFilter)
	fw.AddHandler(PipelineHandler(p, nil))
	require.NoError(t, fw.AddRecursive(src))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	path := filepath.Join(src, "Card.jsx")
	require.NoError(t, os.WriteFile(path, []byte("export const Card = () => <div>hi</div>;\n"), 0o644))

	assert.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		return err == nil && string(b) == "export const Card = () => <div data-el-id=\"Card-div-0\">hi</div>;\n"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		m, err := store.GetByID("Card-div-0")
		return err == nil && m.FilePath == "src/Card.jsx"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool {
		return len(store.Files()) == 0
	}, 5*time.Second, 20*time.Millisecond)
}
