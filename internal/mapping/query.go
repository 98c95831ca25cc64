package mapping

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/types"
)

// SortField names the field results are ordered by.
type SortField string

const (
	SortByID      SortField = "id"
	SortByFile    SortField = "file"
	SortByTag     SortField = "tag"
	SortByKind    SortField = "kind"
	SortByLine    SortField = "line"
	SortByCreated SortField = "created"
	SortByUpdated SortField = "updated"
)

// SortFields lists the accepted sort fields.
var SortFields = []SortField{SortByID, SortByFile, SortByTag, SortByKind, SortByLine, SortByCreated, SortByUpdated}

// Filter selects mappings. Empty fields match everything; the regex
// variants take precedence over their exact counterparts when both are set.
type Filter struct {
	FilePath       string
	FilePathRegex  string
	Kinds          []types.ElementKind
	TagName        string
	TagRegex       string
	IDPattern      string
	Attributes     map[string]string
	AttributeRegex map[string]string
	Content        string
	ContentRegex   string
	CreatedAfter   time.Time
	CreatedBefore  time.Time

	SortBy SortField
	Desc   bool
	Offset int
	Limit  int
}

// QueryResult is one page of matches. Total counts every match before
// pagination.
type QueryResult struct {
	Mappings []ElementMapping `json:"mappings"`
	Total    int              `json:"total"`
	Offset   int              `json:"offset"`
	Limit    int              `json:"limit"`
}

type compiledFilter struct {
	Filter
	file, tag, id, content *regexp.Regexp
	attrs                  map[string]*regexp.Regexp
	kinds                  map[types.ElementKind]bool
}

func compileRegex(field, pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.NewValidationError(errors.ErrCodeInvalidFilter,
			fmt.Sprintf("invalid %s pattern %q", field, pattern)).WithContext("cause", err.Error())
	}
	return re, nil
}

func (f Filter) compile() (*compiledFilter, error) {
	if f.Offset < 0 || f.Limit < 0 {
		return nil, errors.NewValidationError(errors.ErrCodeInvalidFilter, "offset and limit must not be negative")
	}
	if f.SortBy != "" && !validSortField(f.SortBy) {
		return nil, errors.NewValidationError(errors.ErrCodeInvalidFilter, fmt.Sprintf("unknown sort field %q", f.SortBy))
	}

	cf := &compiledFilter{Filter: f}
	if cf.SortBy == "" {
		cf.SortBy = SortByFile
	}
	var err error
	if cf.file, err = compileRegex("file", f.FilePathRegex); err != nil {
		return nil, err
	}
	if cf.tag, err = compileRegex("tag", f.TagRegex); err != nil {
		return nil, err
	}
	if cf.id, err = compileRegex("id", f.IDPattern); err != nil {
		return nil, err
	}
	if cf.content, err = compileRegex("content", f.ContentRegex); err != nil {
		return nil, err
	}
	if len(f.AttributeRegex) > 0 {
		cf.attrs = make(map[string]*regexp.Regexp, len(f.AttributeRegex))
		for name, pattern := range f.AttributeRegex {
			re, err := compileRegex("attribute "+name, pattern)
			if err != nil {
				return nil, err
			}
			if re == nil {
				re = regexp.MustCompile("")
			}
			cf.attrs[name] = re
		}
	}
	if len(f.Kinds) > 0 {
		cf.kinds = make(map[types.ElementKind]bool, len(f.Kinds))
		for _, k := range f.Kinds {
			cf.kinds[k] = true
		}
	}
	if cf.FilePath != "" {
		cf.FilePath = NormalizePath(cf.FilePath)
	}
	return cf, nil
}

func validSortField(s SortField) bool {
	for _, f := range SortFields {
		if f == s {
			return true
		}
	}
	return false
}

func (cf *compiledFilter) match(m *ElementMapping) bool {
	switch {
	case cf.file != nil:
		if !cf.file.MatchString(m.FilePath) {
			return false
		}
	case cf.FilePath != "":
		if m.FilePath != cf.FilePath {
			return false
		}
	}
	if cf.kinds != nil && !cf.kinds[m.Kind] {
		return false
	}
	switch {
	case cf.tag != nil:
		if !cf.tag.MatchString(m.TagName) {
			return false
		}
	case cf.TagName != "":
		if m.TagName != cf.TagName {
			return false
		}
	}
	if cf.id != nil && !cf.id.MatchString(m.ID) {
		return false
	}
	for name, want := range cf.Attributes {
		if got, ok := m.Attributes[name]; !ok || got != want {
			return false
		}
	}
	for name, re := range cf.attrs {
		got, ok := m.Attributes[name]
		if !ok || !re.MatchString(got) {
			return false
		}
	}
	switch {
	case cf.content != nil:
		if !cf.content.MatchString(m.Content) {
			return false
		}
	case cf.Content != "":
		if !strings.Contains(m.Content, cf.Content) {
			return false
		}
	}
	if !cf.CreatedAfter.IsZero() && m.CreatedAt.Before(cf.CreatedAfter) {
		return false
	}
	if !cf.CreatedBefore.IsZero() && !m.CreatedAt.Before(cf.CreatedBefore) {
		return false
	}
	return true
}

func (cf *compiledFilter) less(a, b *ElementMapping) bool {
	var c int
	switch cf.SortBy {
	case SortByFile:
		c = strings.Compare(a.FilePath, b.FilePath)
		if c == 0 {
			c = comparePos(a, b)
		}
	case SortByTag:
		c = strings.Compare(a.TagName, b.TagName)
	case SortByKind:
		c = strings.Compare(string(a.Kind), string(b.Kind))
	case SortByLine:
		c = comparePos(a, b)
		if c == 0 {
			c = strings.Compare(a.FilePath, b.FilePath)
		}
	case SortByCreated:
		c = a.CreatedAt.Compare(b.CreatedAt)
	case SortByUpdated:
		c = a.UpdatedAt.Compare(b.UpdatedAt)
	}
	if c == 0 {
		c = strings.Compare(a.ID, b.ID)
	}
	if cf.Desc {
		return c > 0
	}
	return c < 0
}

func comparePos(a, b *ElementMapping) int {
	switch {
	case a.Line != b.Line:
		return a.Line - b.Line
	default:
		return a.Column - b.Column
	}
}

// query runs a filter over files. The returned mappings are copies.
func query(files map[string][]ElementMapping, f Filter) (QueryResult, error) {
	cf, err := f.compile()
	if err != nil {
		return QueryResult{}, err
	}

	var matches []*ElementMapping
	for p := range files {
		list := files[p]
		for i := range list {
			if cf.match(&list[i]) {
				matches = append(matches, &list[i])
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool { return cf.less(matches[i], matches[j]) })

	res := QueryResult{Total: len(matches), Offset: f.Offset, Limit: f.Limit}
	start := f.Offset
	if start > len(matches) {
		start = len(matches)
	}
	end := len(matches)
	if f.Limit > 0 && f.Limit < end-start {
		end = start + f.Limit
	}
	res.Mappings = make([]ElementMapping, 0, end-start)
	for _, m := range matches[start:end] {
		res.Mappings = append(res.Mappings, m.clone())
	}
	return res, nil
}
