package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/eltag/internal/idgen"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/pipeline"
	"github.com/conneroisu/eltag/internal/types"
)

const cardSrc = `export function Card({ title }) {
  return (
    <section className="card">
      <h2>{title}</h2>
      <Button onClick={() => go()} variant="primary" />
    </section>
  );
}
`

type testEnv struct {
	srv  *Server
	http *httptest.Server
	pipe *pipeline.Pipeline
	root string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	store, err := mapping.NewStore(mapping.Options{Path: filepath.Join(root, ".eltag", "mappings.json")}, nil)
	require.NoError(t, err)
	opts := pipeline.DefaultOptions()
	opts.Root = root
	p, err := pipeline.New(pipeline.Deps{
		Store:     store,
		Generator: idgen.New(idgen.Config{Format: "{filename}-{element}-{index}"}, nil),
	}, opts)
	require.NoError(t, err)

	srv := New(Options{
		Host:           "localhost",
		Port:           7420,
		AllowedOrigins: []string{"http://app.example.test"},
		Root:           root,
	}, p, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.StartHub(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, http: ts, pipe: p, root: root}
}

func (e *testEnv) tag(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(e.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	_, err := e.pipe.ProcessFile(context.Background(), path, pipeline.ModeTag)
	require.NoError(t, err)
	return path
}

func (e *testEnv) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]any
	assert.Equal(t, http.StatusOK, env.get(t, "/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestMappingEndpoints(t *testing.T) {
	env := newTestEnv(t)
	path := env.tag(t, "Card.jsx", cardSrc)
	key := env.pipe.Key(path)
	assert.Equal(t, "Card.jsx", key)

	var list mapping.QueryResult
	assert.Equal(t, http.StatusOK, env.get(t, "/api/mappings", &list))
	assert.Equal(t, 3, list.Total)

	list = mapping.QueryResult{}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/mappings?kind=component", &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "Card-Button-2", list.Mappings[0].ID)

	list = mapping.QueryResult{}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/mappings?attr=variant%3Dprimary", &list))
	assert.Equal(t, 1, list.Total)

	list = mapping.QueryResult{}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/mappings?sort=id&desc=true&limit=2", &list))
	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Mappings, 2)
	assert.Equal(t, "Card-section-0", list.Mappings[0].ID)

	var m mapping.ElementMapping
	assert.Equal(t, http.StatusOK, env.get(t, "/api/mappings/Card-h2-1", &m))
	assert.Equal(t, "h2", m.TagName)
	assert.Equal(t, types.KindDOM, m.Kind)

	var missing errResponse
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/mappings/nope", &missing))
	assert.Equal(t, "ERR_MAPPING_NOT_FOUND", missing.Code)

	var file struct {
		File     string                   `json:"file"`
		Mappings []mapping.ElementMapping `json:"mappings"`
	}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/files/"+url.PathEscape(key), &file))
	assert.Equal(t, key, file.File)
	assert.Len(t, file.Mappings, 3)

	file.File = ""
	assert.Equal(t, http.StatusOK, env.get(t, "/api/files/"+url.PathEscape(path), &file))
	assert.Equal(t, key, file.File)

	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/files/unknown.jsx", nil))

	var files struct {
		Files []string `json:"files"`
	}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/files", &files))
	assert.Equal(t, []string{key}, files.Files)

	var stats struct {
		Mappings mapping.Stats `json:"mappings"`
	}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/stats", &stats))
	assert.Equal(t, 3, stats.Mappings.TotalElements)
	assert.Equal(t, 1, stats.Mappings.TotalFiles)
}

func TestInvalidFilters(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{
		"kind=widget",
		"limit=-1",
		"limit=ten",
		"sort=size",
		"id=%28",
		"attr=novalue",
		"created_after=yesterday",
		"desc=maybe",
	} {
		t.Run(q, func(t *testing.T) {
			var body errResponse
			assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/mappings?"+q, &body))
			assert.Equal(t, "ERR_INVALID_FILTER", body.Code)
		})
	}
}

func TestParseFilter(t *testing.T) {
	q := url.Values{
		"file":           {"src/Card.jsx"},
		"kind":           {"dom,component", "fragment"},
		"attr":           {"className=card", "role=button"},
		"attr_regex":     {"href=^/"},
		"created_before": {"2026-01-02T00:00:00Z"},
		"offset":         {"5"},
	}
	f, err := ParseFilter(q)
	require.NoError(t, err)
	assert.Equal(t, "src/Card.jsx", f.FilePath)
	assert.Equal(t, []types.ElementKind{types.KindDOM, types.KindComponent, types.KindFragment}, f.Kinds)
	assert.Equal(t, map[string]string{"className": "card", "role": "button"}, f.Attributes)
	assert.Equal(t, map[string]string{"href": "^/"}, f.AttributeRegex)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), f.CreatedBefore)
	assert.Equal(t, 5, f.Offset)
}

func TestPreview(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "Card.jsx"), []byte(cardSrc), 0o644))

	var body struct {
		File     string `json:"file"`
		Modified bool   `json:"modified"`
		Output   string `json:"output"`
	}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/preview/Card.jsx", &body))
	assert.Equal(t, "Card.jsx", body.File)
	assert.True(t, body.Modified)
	assert.Contains(t, body.Output, `data-el-id="Card-section-0"`)
	assert.Empty(t, env.srv.store.Files())

	got, err := os.ReadFile(filepath.Join(env.root, "Card.jsx"))
	require.NoError(t, err)
	assert.Equal(t, cardSrc, string(got))

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/preview/Card.jsx?mode=shuffle", nil))
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/preview/..%2F..%2Fetc%2Fpasswd", nil))
}

func TestCheckOrigin(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		origin string
		want   bool
	}{
		{"", false},
		{"http://localhost:7420", true},
		{"https://127.0.0.1:7420", true},
		{"http://app.example.test", true},
		{"http://localhost:3000", false},
		{"file://localhost:7420", false},
		{"http://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, env.srv.checkOrigin(r))
		})
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {"http://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketStreamsStoreEvents(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {"http://app.example.test"}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		env.srv.clientsMutex.RLock()
		defer env.srv.clientsMutex.RUnlock()
		return len(env.srv.clients) == 1
	}, 5*time.Second, 10*time.Millisecond)

	env.tag(t, "Card.jsx", cardSrc)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev mapping.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, mapping.EventBatch, ev.Type)
	assert.Equal(t, 3, ev.Result.Added)
}
