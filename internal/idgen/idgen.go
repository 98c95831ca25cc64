// Package idgen computes stable element identifiers. An identifier is
// reused whenever the mapping store already holds one for the same tag at
// the same position; otherwise it is derived from a hash of the element's
// file, tag, kind, position and sorted attributes.
package idgen

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/eltag/internal/detector"
	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/logging"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/types"
)

// DefaultFormat is the identifier template used when none is configured.
const DefaultFormat = "{filename}-{element}-{hash}"

const (
	DefaultHashLength = 8
	MinHashLength     = 4
	MaxHashLength     = 32
)

const hashSeparator = "|"

// memoLimit bounds the hash memo. A full memo is dropped and refilled.
const memoLimit = 8192

// maxPartLength bounds the file stem and element parts so a formatted
// identifier stays under types.MaxIDLength.
const maxPartLength = 48

var (
	unresolvedPlaceholder = regexp.MustCompile(`\{[^{}]*\}`)
	repeatedDash          = regexp.MustCompile(`-{2,}`)
	repeatedUnderscore    = regexp.MustCompile(`_{2,}`)
)

// Config controls identifier generation.
type Config struct {
	Format          string
	HashLength      int
	IncludePosition bool
	Prefix          string
	Suffix          string
}

// DefaultConfig returns the default generation options.
func DefaultConfig() Config {
	return Config{
		Format:          DefaultFormat,
		HashLength:      DefaultHashLength,
		IncludePosition: true,
	}
}

// Components are the parts an identifier was built from.
type Components struct {
	FileStem string
	Element  string
	Hash     string
	Position string
	Index    int
}

// GeneratedID is an identifier and its provenance.
type GeneratedID struct {
	ID         string
	Hash       string
	Components Components
	// Reused is set when the identifier came from an existing mapping.
	Reused bool
	// Fallback is set when generation failed and a timestamp based
	// identifier was produced instead.
	Fallback bool
	// Err records why the fallback was used.
	Err error
}

// Context is the input for one identifier.
type Context struct {
	FilePath string
	Element  detector.DetectedElement
	// ExistingMappings are the mappings already recorded for FilePath.
	ExistingMappings []mapping.ElementMapping
	Index            int
}

// Generator computes identifiers. It is safe for concurrent use; up to
// memoLimit hash results are memoized.
type Generator struct {
	cfg    Config
	logger logging.Logger
	now    func() time.Time

	mu   sync.Mutex
	memo map[string]string
}

// New creates a generator. Out of range hash lengths are clamped and an
// empty format selects DefaultFormat.
func New(cfg Config, logger logging.Logger) *Generator {
	if cfg.Format == "" {
		cfg.Format = DefaultFormat
	}
	switch {
	case cfg.HashLength == 0:
		cfg.HashLength = DefaultHashLength
	case cfg.HashLength < MinHashLength:
		cfg.HashLength = MinHashLength
	case cfg.HashLength > MaxHashLength:
		cfg.HashLength = MaxHashLength
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Generator{
		cfg:    cfg,
		logger: logger.WithComponent("idgen"),
		now:    time.Now,
		memo:   make(map[string]string),
	}
}

// Config returns the effective configuration.
func (g *Generator) Config() Config { return g.cfg }

// MemoSize returns the number of memoized hashes.
func (g *Generator) MemoSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.memo)
}

// Generate returns an identifier for the element. It never fails: when
// Compute returns an error the fallback identifier is returned with
// Fallback set.
func (g *Generator) Generate(c Context) GeneratedID {
	id, err := g.Compute(c)
	if err == nil {
		return id
	}
	fb := g.Fallback(c)
	fb.Err = err
	g.logger.Warn(context.Background(), err, "Using fallback identifier",
		"file", c.FilePath, "tag", c.Element.TagName, "id", fb.ID)
	return fb
}

// Reuse returns the identifier of the existing mapping with the same tag
// name, line and column, if any.
func Reuse(c Context) (mapping.ElementMapping, bool) {
	el := c.Element
	for _, m := range c.ExistingMappings {
		if m.FilePath != "" && c.FilePath != "" && m.FilePath != c.FilePath {
			continue
		}
		if m.TagName == el.TagName && m.Line == el.Position.Line && m.Column == el.Position.Column {
			return m, true
		}
	}
	return mapping.ElementMapping{}, false
}

// Compute returns the identifier for the element or the reason it could
// not be built.
func (g *Generator) Compute(c Context) (GeneratedID, error) {
	comps := Components{
		FileStem: FileStem(c.FilePath),
		Element:  ElementName(c.Element.TagName, c.Element.Kind),
		Position: fmt.Sprintf("%d-%d", c.Element.Position.Line, c.Element.Position.Column),
		Index:    c.Index,
	}

	if m, ok := Reuse(c); ok {
		comps.Hash = m.Hash
		return GeneratedID{ID: m.ID, Hash: m.Hash, Components: comps, Reused: true}, nil
	}

	hash := g.hash(HashInput(c.FilePath, c.Element, g.cfg.IncludePosition))
	comps.Hash = hash

	id, err := g.format(comps)
	if err != nil {
		return GeneratedID{}, err
	}
	return GeneratedID{ID: id, Hash: hash, Components: comps}, nil
}

// Fallback builds <FileStem>-<tag>-<base36 unix millis>.
func (g *Generator) Fallback(c Context) GeneratedID {
	comps := Components{
		FileStem: FileStem(c.FilePath),
		Element:  ElementName(c.Element.TagName, c.Element.Kind),
		Index:    c.Index,
	}
	stamp := strconv.FormatInt(g.now().UnixMilli(), 36)
	id := cleanup(strings.Join([]string{comps.FileStem, comps.Element, stamp}, "-"))
	if id == "" {
		id = "el-" + stamp
	}
	return GeneratedID{ID: id, Components: comps, Fallback: true}
}

// HashInput builds the string that is hashed for an element. Attribute
// pairs are sorted and de-duplicated so attribute order does not matter.
func HashInput(filePath string, el detector.DetectedElement, includePosition bool) string {
	parts := []string{filePath, el.TagName, string(el.Kind)}
	if includePosition {
		parts = append(parts, strconv.Itoa(el.Position.Line), strconv.Itoa(el.Position.Column))
	}

	seen := make(map[string]struct{}, len(el.Attributes))
	pairs := make([]string, 0, len(el.Attributes))
	for _, a := range el.Attributes {
		if a.IsIdentifier {
			continue
		}
		pair := a.Name
		if a.Value != nil {
			pair += "=" + *a.Value
		}
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	return strings.Join(append(parts, pairs...), hashSeparator)
}

// Hash returns the content hash Compute would use for the element.
func (g *Generator) Hash(filePath string, el detector.DetectedElement) string {
	return g.hash(HashInput(filePath, el, g.cfg.IncludePosition))
}

func (g *Generator) hash(input string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.memo[input]; ok {
		return h
	}
	sum := md5.Sum([]byte(input))
	h := hex.EncodeToString(sum[:])[:g.cfg.HashLength]
	if len(g.memo) >= memoLimit {
		clear(g.memo)
	}
	g.memo[input] = h
	return h
}

func (g *Generator) format(c Components) (string, error) {
	r := strings.NewReplacer(
		"{filename}", c.FileStem,
		"{element}", c.Element,
		"{hash}", c.Hash,
		"{position}", c.Position,
		"{index}", strconv.Itoa(c.Index),
	)
	id := r.Replace(g.cfg.Format)
	id = unresolvedPlaceholder.ReplaceAllString(id, "")
	id = cleanup(g.cfg.Prefix + id + g.cfg.Suffix)

	if err := ValidateID(id); err != nil {
		return "", errors.NewGenerationError(errors.ErrCodeInvalidTemplate,
			fmt.Sprintf("format %q produced an invalid identifier", g.cfg.Format), err)
	}
	return id, nil
}

// cleanup collapses repeated separators and trims them from both ends.
func cleanup(id string) string {
	id = repeatedDash.ReplaceAllString(id, "-")
	id = repeatedUnderscore.ReplaceAllString(id, "_")
	return strings.Trim(id, "-_")
}

// FileStem converts a file path to the PascalCase stem used in identifiers,
// for example "components/user-profile.tsx" becomes "UserProfile".
func FileStem(path string) string {
	base := filepath.Base(strings.ReplaceAll(path, "\\", "/"))
	if i := strings.Index(base, "."); i > 0 {
		base = base[:i]
	}
	return truncate(pascal(base))
}

// ElementName normalizes a tag for use in identifiers. DOM tags are
// lowercased, components are PascalCased with member dots removed.
func ElementName(tag string, kind types.ElementKind) string {
	switch kind {
	case types.KindDOM:
		return truncate(sanitize(strings.ToLower(tag)))
	case types.KindFragment:
		return "Fragment"
	case types.KindText:
		return "text"
	default:
		return truncate(pascal(tag))
	}
}

// truncate shortens a sanitized (ASCII only) part.
func truncate(s string) string {
	if len(s) > maxPartLength {
		s = s[:maxPartLength]
	}
	return s
}

func pascal(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	caser := cases.Title(language.Und, cases.NoLower)
	var b strings.Builder
	for _, w := range words {
		b.WriteString(caser.String(w))
	}
	return sanitize(b.String())
}

// sanitize replaces characters outside [A-Za-z0-9_-] with '-'.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ValidateID rejects identifiers that are empty, longer than
// types.MaxIDLength, or contain whitespace or unsafe characters.
func ValidateID(id string) error {
	if id == "" {
		return errors.ErrInvalidID(id, "empty")
	}
	if len(id) > types.MaxIDLength {
		return errors.ErrInvalidID(id, fmt.Sprintf("longer than %d characters", types.MaxIDLength))
	}
	for _, r := range id {
		if unicode.IsSpace(r) {
			return errors.ErrInvalidID(id, "contains whitespace")
		}
		if strings.ContainsRune(types.UnsafeIDChars, r) {
			return errors.ErrInvalidID(id, fmt.Sprintf("contains unsafe character %q", r))
		}
	}
	return nil
}
