package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/pipeline"
	"github.com/conneroisu/eltag/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps a TagError to a status code.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errResponse{Error: err.Error()}

	var te *errors.TagError
	if stderrors.As(err, &te) {
		body.Code = te.Code
		switch {
		case te.Code == errors.ErrCodeMappingNotFound, te.Code == errors.ErrCodeFileNotFound:
			status = http.StatusNotFound
		case te.Type == errors.ErrorTypeValidation, te.Code == errors.ErrCodeUnsupportedFile:
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, body)
}

// wildcardPath extracts the path after a wildcard route, accepting encoded
// slashes.
func wildcardPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// ParseFilter builds a filter from query parameters:
//
//	file, file_regex, kind (repeatable or comma separated), tag, tag_regex,
//	id (regex), attr=name=value and attr_regex=name=pattern (repeatable),
//	content, content_regex, created_after, created_before (RFC3339),
//	sort, desc, offset, limit.
func ParseFilter(q url.Values) (mapping.Filter, error) {
	f := mapping.Filter{
		FilePath:      q.Get("file"),
		FilePathRegex: q.Get("file_regex"),
		TagName:       q.Get("tag"),
		TagRegex:      q.Get("tag_regex"),
		IDPattern:     q.Get("id"),
		Content:       q.Get("content"),
		ContentRegex:  q.Get("content_regex"),
		SortBy:        mapping.SortField(q.Get("sort")),
	}
	for _, v := range q["kind"] {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k == "" {
				continue
			}
			kind := types.ElementKind(k)
			if !kind.Valid() {
				return f, invalidFilter("unknown kind %q", k)
			}
			f.Kinds = append(f.Kinds, kind)
		}
	}

	var err error
	if f.Attributes, err = pairs(q["attr"]); err != nil {
		return f, err
	}
	if f.AttributeRegex, err = pairs(q["attr_regex"]); err != nil {
		return f, err
	}
	if f.CreatedAfter, err = timeParam(q, "created_after"); err != nil {
		return f, err
	}
	if f.CreatedBefore, err = timeParam(q, "created_before"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q, "offset"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(q, "limit"); err != nil {
		return f, err
	}
	if v := q.Get("desc"); v != "" {
		if f.Desc, err = strconv.ParseBool(v); err != nil {
			return f, invalidFilter("desc must be a boolean")
		}
	}
	return f, nil
}

func invalidFilter(format string, args ...any) error {
	return errors.NewValidationError(errors.ErrCodeInvalidFilter, fmt.Sprintf(format, args...))
}

func pairs(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, invalidFilter("attribute filter %q must be name=value", v)
		}
		out[name] = value
	}
	return out, nil
}

func timeParam(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, invalidFilter("%s must be RFC3339", key)
	}
	return t, nil
}

func intParam(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalidFilter("%s must be an integer", key)
	}
	return n, nil
}

// handleListMappings handles GET /api/mappings.
func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	f, err := ParseFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.store.Query(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetMapping handles GET /api/mappings/{id}.
func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleListFiles handles GET /api/files.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files := s.store.Files()
	writeJSON(w, http.StatusOK, map[string]any{"files": files, "total": len(files)})
}

// handleGetFile handles GET /api/files/*.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path := mapping.NormalizePath(wildcardPath(r))
	if filepath.IsAbs(filepath.FromSlash(path)) {
		path = s.pipeline.Key(path)
	}
	list := s.store.GetByFile(path)
	if len(list) == 0 {
		writeError(w, errors.NewIOError(errors.ErrCodeFileNotFound, "no mappings for file", nil).WithFile(path))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": path, "mappings": list, "total": len(list)})
}

// handleStats handles GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mappings": s.store.Stats(),
		"cache":    s.cache.Stats(),
	})
}

// handlePreview handles GET /api/preview/*?mode=tag. It renders what the
// pipeline would write for a file under the configured root without
// writing it or touching the store.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.opts.Root == "" {
		writeJSON(w, http.StatusNotFound, errResponse{Error: "previews are disabled"})
		return
	}
	path, err := s.resolveUnderRoot(wildcardPath(r))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse{Error: err.Error()})
		return
	}
	mode := pipeline.ModeTag
	if v := r.URL.Query().Get("mode"); v != "" {
		if mode, err = pipeline.ParseMode(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errResponse{Error: err.Error()})
			return
		}
	}

	res, out, err := s.pipeline.PreviewFile(r.Context(), path, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file":     s.pipeline.Key(path),
		"mode":     mode,
		"modified": res.Modified,
		"changes":  res.Changes,
		"output":   string(out),
	})
}

func (s *Server) resolveUnderRoot(rel string) (string, error) {
	root, err := filepath.Abs(s.opts.Root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if filepath.IsAbs(rel) {
		full = filepath.Clean(rel)
	}
	if r, err := filepath.Rel(root, full); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the served root", rel)
	}
	return full, nil
}
