package mapping

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/types"
)

func mk(id, file, tag string, line int) ElementMapping {
	return ElementMapping{
		ID:       id,
		FilePath: file,
		TagName:  tag,
		Kind:     types.KindDOM,
		Line:     line,
		Hash:     "abcd1234",
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T, opts Options) (*Store, *clock) {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "mappings.json")
	}
	s, err := NewStore(opts, nil)
	require.NoError(t, err)
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s.now = c.now
	_, _, err = s.Load()
	require.NoError(t, err)
	return s, c
}

func TestLoadMissingFile(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	snap := s.Snapshot()
	assert.Equal(t, FormatVersion, snap.Version)
	assert.Empty(t, snap.Files)

	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "file is created lazily")

	res, err := s.Save(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Persisted)
	_, err = os.Stat(s.Path())
	assert.NoError(t, err)
}

func TestSaveAndReload(t *testing.T) {
	for _, name := range []string{"mappings.json", "mappings.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			s, _ := newTestStore(t, Options{Path: path, Config: GenerationConfig{AttributeName: "data-el-id", Format: "{hash}", HashLength: 8}})

			m := mk("Header-div-1", "src/Header.tsx", "div", 3)
			m.Attributes = map[string]string{"className": "top"}
			res, err := s.Save(context.Background(), []ElementMapping{m, mk("Header-h1-2", "src/Header.tsx", "h1", 4)})
			require.NoError(t, err)
			assert.Equal(t, 2, res.Added)

			reopened, err := NewStore(Options{Path: path}, nil)
			require.NoError(t, err)
			doc, warnings, err := reopened.Load()
			require.NoError(t, err)
			assert.Empty(t, warnings)
			assert.Equal(t, "data-el-id", doc.Config.AttributeName)
			assert.Equal(t, 2, doc.Stats.TotalElements)
			assert.Equal(t, 2, doc.Stats.ByExtension[".tsx"])

			got, err := reopened.GetByID("Header-div-1")
			require.NoError(t, err)
			assert.Equal(t, "top", got.Attributes["className"])
			assert.Equal(t, "src/Header.tsx", got.FilePath)
		})
	}
}

func TestReplaceFileLeavesOtherFilesIntact(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.Save(ctx, []ElementMapping{
		mk("a1", "a.tsx", "div", 1), mk("a2", "a.tsx", "span", 2),
		mk("b1", "b.tsx", "div", 1),
	})
	require.NoError(t, err)

	res, err := s.ReplaceFile(ctx, "a.tsx", []ElementMapping{mk("a1", "a.tsx", "div", 1), mk("a3", "a.tsx", "p", 5)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Unchanged)

	ids := func(list []ElementMapping) []string {
		var out []string
		for _, m := range list {
			out = append(out, m.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a1", "a3"}, ids(s.GetByFile("a.tsx")))
	assert.Equal(t, []string{"b1"}, ids(s.GetByFile("b.tsx")))
	_, err = s.GetByID("a2")
	assert.True(t, errors.IsType(err, errors.ErrorTypeStore))
}

func TestSaveMovesIDBetweenFiles(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.Save(ctx, []ElementMapping{mk("x", "old.jsx", "div", 1)})
	require.NoError(t, err)
	res, err := s.Save(ctx, []ElementMapping{mk("x", "new.jsx", "div", 7)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)

	assert.Empty(t, s.GetByFile("old.jsx"))
	assert.NotContains(t, s.Files(), "old.jsx")
	got, err := s.GetByID("x")
	require.NoError(t, err)
	assert.Equal(t, "new.jsx", got.FilePath)
	assert.Equal(t, 7, got.Line)
}

func TestSaveTimestamps(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.Save(ctx, []ElementMapping{mk("x", "a.tsx", "div", 1)})
	require.NoError(t, err)
	first, err := s.GetByID("x")
	require.NoError(t, err)

	res, err := s.Save(ctx, []ElementMapping{mk("x", "a.tsx", "div", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.False(t, res.Persisted, "no change, nothing written")
	same, _ := s.GetByID("x")
	assert.Equal(t, first.UpdatedAt, same.UpdatedAt)

	_, err = s.Save(ctx, []ElementMapping{mk("x", "a.tsx", "div", 2)})
	require.NoError(t, err)
	moved, _ := s.GetByID("x")
	assert.Equal(t, first.CreatedAt, moved.CreatedAt)
	assert.True(t, moved.UpdatedAt.After(first.UpdatedAt))
}

func TestSaveRejectsInvalidMapping(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	_, err := s.Save(context.Background(), []ElementMapping{mk("bad id", "a.tsx", "div", 1)})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = s.Save(context.Background(), []ElementMapping{mk("ok", "a.tsx", "div", 0)})
	assert.Error(t, err)
	assert.Empty(t, s.Files())
}

func TestLoadDropsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	doc := `{
  "version": "1.0",
  "files": {
    "a.tsx": [
      {"id": "good", "filePath": "a.tsx", "tagName": "div", "kind": "dom", "line": 1},
      {"id": "", "filePath": "a.tsx", "tagName": "div", "kind": "dom", "line": 2},
      {"id": "kind", "filePath": "a.tsx", "tagName": "div", "kind": "widget", "line": 3},
      {"id": "good", "filePath": "a.tsx", "tagName": "p", "kind": "dom", "line": 4}
    ],
    "b.tsx": [
      {"id": "elsewhere", "filePath": "c.tsx", "tagName": "div", "kind": "dom", "line": 1}
    ]
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := NewStore(Options{Path: path}, nil)
	require.NoError(t, err)
	loaded, warnings, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, warnings, 4)
	assert.Equal(t, 1, loaded.Stats.TotalElements)
	assert.True(t, s.Dirty())
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := NewStore(Options{Path: path}, nil)
	require.NoError(t, err)
	doc, warnings, err := s.Load()
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "corrupt")
	assert.Empty(t, doc.Files)
}

func TestBackupsRetention(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, Options{
		Path:       filepath.Join(dir, "mappings.json"),
		Backup:     true,
		BackupDir:  filepath.Join(dir, "bak"),
		MaxBackups: 2,
	})
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.Save(ctx, []ElementMapping{mk("x", "a.tsx", "div", i)})
		require.NoError(t, err)
	}

	backups, err := s.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.True(t, backups[0].CreatedAt.After(backups[1].CreatedAt))

	restored, err := NewStore(Options{Path: backups[0].Path, Format: "json"}, nil)
	require.NoError(t, err)
	_, _, err = restored.Load()
	require.NoError(t, err)
	got, err := restored.GetByID("x")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Line, "newest backup holds the state before the last save")
}

func TestPersistFailureKeepsState(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	s, err := NewStore(Options{Path: filepath.Join(blocker, "mappings.json")}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Save(ctx, []ElementMapping{mk("x", "a.tsx", "div", 1)})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStore))
	assert.True(t, s.Dirty())
	_, err = s.GetByID("x")
	assert.NoError(t, err)

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, s.Flush(ctx))
	assert.False(t, s.Dirty())
	_, err = os.Stat(s.Path())
	assert.NoError(t, err)
}

func TestUpdateAndRemove(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()
	_, err := s.Save(ctx, []ElementMapping{mk("x", "a.tsx", "div", 1)})
	require.NoError(t, err)

	content := "Hello"
	got, err := s.Update(ctx, "x", Patch{Content: &content, Attributes: map[string]string{"role": "main"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Content)
	assert.Equal(t, "main", got.Attributes["role"])

	_, err = s.Update(ctx, "missing", Patch{})
	assert.Error(t, err)

	require.NoError(t, s.Remove(ctx, "x"))
	assert.Error(t, s.Remove(ctx, "x"))
	assert.Empty(t, s.Files())
}

func TestRemoveFile(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()
	_, err := s.Save(ctx, []ElementMapping{mk("a1", "a.tsx", "div", 1), mk("a2", "a.tsx", "p", 2), mk("b1", "b.tsx", "p", 2)})
	require.NoError(t, err)

	res, err := s.RemoveFile(ctx, "./a.tsx")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, []string{"b.tsx"}, s.Files())
	assert.Equal(t, 1, s.Stats().TotalElements)
}

func TestWatchReceivesEvents(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ch := s.Watch()
	defer s.Unwatch(ch)

	_, err := s.Save(context.Background(), []ElementMapping{mk("x", "a.tsx", "div", 1)})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, EventSaved, ev.Type)
		assert.Equal(t, []string{"a.tsx"}, ev.Files)
		assert.Equal(t, []string{"x"}, ev.IDs)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestSaveHonorsCancellation(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Save(ctx, []ElementMapping{mk("x", "a.tsx", "div", 1)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Files())
}
