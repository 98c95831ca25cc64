package mapping

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/conneroisu/eltag/internal/types"
)

// ValidationWarning describes a mapping entry dropped while loading.
type ValidationWarning struct {
	FilePath string `json:"filePath"`
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Message  string `json:"message"`
}

func (w ValidationWarning) String() string {
	if w.ID != "" {
		return fmt.Sprintf("%s[%d] %s: %s", w.FilePath, w.Index, w.ID, w.Message)
	}
	return fmt.Sprintf("%s[%d]: %s", w.FilePath, w.Index, w.Message)
}

var safeID = validation.By(func(value interface{}) error {
	id, _ := value.(string)
	if len(id) > types.MaxIDLength {
		return fmt.Errorf("must be at most %d characters", types.MaxIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || strings.ContainsRune(types.UnsafeIDChars, r) {
			return fmt.Errorf("contains invalid character %q", r)
		}
	}
	return nil
})

var validKind = validation.By(func(value interface{}) error {
	k, _ := value.(types.ElementKind)
	if !k.Valid() {
		return fmt.Errorf("unknown element kind %q", k)
	}
	return nil
})

// Validate checks a single mapping.
func (m ElementMapping) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ID, validation.Required, safeID),
		validation.Field(&m.FilePath, validation.Required),
		validation.Field(&m.TagName, validation.When(m.Kind != types.KindFragment && m.Kind != types.KindText, validation.Required)),
		validation.Field(&m.Kind, validation.Required, validKind),
		validation.Field(&m.Line, validation.Required, validation.Min(1)),
		validation.Field(&m.Column, validation.Min(0)),
	)
}

// Validate checks the document header.
func (f *MappingFile) Validate() error {
	return validation.ValidateStruct(f,
		validation.Field(&f.Version, validation.Required),
	)
}

// sanitize drops invalid entries, entries filed under the wrong bucket and
// duplicate IDs, returning one warning per dropped entry. The first
// occurrence of a duplicate ID wins in bucket name order.
func sanitize(f *MappingFile) []ValidationWarning {
	var warnings []ValidationWarning
	seen := make(map[string]string)

	paths := make([]string, 0, len(f.Files))
	for p := range f.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	clean := make(map[string][]ElementMapping, len(f.Files))
	for _, p := range paths {
		key := NormalizePath(p)
		for i, m := range f.Files[p] {
			if m.FilePath == "" {
				m.FilePath = key
			}
			m.FilePath = NormalizePath(m.FilePath)
			if err := m.Validate(); err != nil {
				warnings = append(warnings, ValidationWarning{FilePath: key, Index: i, ID: m.ID, Message: err.Error()})
				continue
			}
			if m.FilePath != key {
				warnings = append(warnings, ValidationWarning{FilePath: key, Index: i, ID: m.ID,
					Message: fmt.Sprintf("filed under %q but belongs to %q", key, m.FilePath)})
				continue
			}
			if prev, dup := seen[m.ID]; dup {
				warnings = append(warnings, ValidationWarning{FilePath: key, Index: i, ID: m.ID,
					Message: fmt.Sprintf("duplicate id, already recorded in %q", prev)})
				continue
			}
			seen[m.ID] = key
			clean[key] = append(clean[key], m)
		}
	}
	for _, list := range clean {
		sortBucket(list)
	}
	f.Files = clean
	return warnings
}
