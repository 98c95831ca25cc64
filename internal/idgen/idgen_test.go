package idgen

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/eltag/internal/detector"
	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/types"
)

func strPtr(s string) *string { return &s }

func divAt(line, col int, attrs ...detector.Attribute) detector.DetectedElement {
	return detector.DetectedElement{
		FilePath:   "Header.tsx",
		Kind:       types.KindDOM,
		TagName:    "div",
		Attributes: attrs,
		Position:   types.Position{Line: line, Column: col},
	}
}

func TestGenerateHeaderScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HashLength = 6
	g := New(cfg, nil)

	el := divAt(10, 2)
	first := g.Generate(Context{FilePath: "Header.tsx", Element: el})
	assert.Regexp(t, regexp.MustCompile(`^Header-div-[0-9a-f]{6}$`), first.ID)
	assert.False(t, first.Reused)
	assert.False(t, first.Fallback)
	assert.Equal(t, "Header", first.Components.FileStem)
	assert.Equal(t, "div", first.Components.Element)
	assert.Equal(t, "10-2", first.Components.Position)

	existing := []mapping.ElementMapping{{
		ID: first.ID, FilePath: "Header.tsx", TagName: "div", Kind: types.KindDOM,
		Line: 10, Column: 2, Hash: first.Hash,
	}}
	second := g.Generate(Context{FilePath: "Header.tsx", Element: el, ExistingMappings: existing})
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Reused)
}

func TestReuseIgnoresAttributeChanges(t *testing.T) {
	g := New(DefaultConfig(), nil)
	existing := []mapping.ElementMapping{{ID: "kept-id", FilePath: "Header.tsx", TagName: "div", Line: 3, Column: 4}}

	el := divAt(3, 4, detector.Attribute{Name: "className", Value: strPtr("changed")})
	got, err := g.Compute(Context{FilePath: "Header.tsx", Element: el, ExistingMappings: existing})
	require.NoError(t, err)
	assert.Equal(t, "kept-id", got.ID)
	assert.True(t, got.Reused)

	moved := divAt(4, 4)
	got, err = g.Compute(Context{FilePath: "Header.tsx", Element: moved, ExistingMappings: existing})
	require.NoError(t, err)
	assert.NotEqual(t, "kept-id", got.ID)
	assert.False(t, got.Reused)

	other := []mapping.ElementMapping{{ID: "other-file", FilePath: "Footer.tsx", TagName: "div", Line: 3, Column: 4}}
	got, err = g.Compute(Context{FilePath: "Header.tsx", Element: el, ExistingMappings: other})
	require.NoError(t, err)
	assert.False(t, got.Reused)
}

func TestHashInput(t *testing.T) {
	el := divAt(10, 2,
		detector.Attribute{Name: "id", Value: strPtr("main")},
		detector.Attribute{Name: "data-el-id", Value: strPtr("x"), IsIdentifier: true},
		detector.Attribute{Name: "hidden"},
		detector.Attribute{Name: "className", Value: strPtr("a")},
		detector.Attribute{Name: "id", Value: strPtr("main")},
	)
	assert.Equal(t, "Header.tsx|div|dom|10|2|className=a|hidden|id=main", HashInput("Header.tsx", el, true))
	assert.Equal(t, "Header.tsx|div|dom|className=a|hidden|id=main", HashInput("Header.tsx", el, false))
}

func TestHashIgnoresAttributeOrder(t *testing.T) {
	g := New(DefaultConfig(), nil)
	a := divAt(1, 0,
		detector.Attribute{Name: "className", Value: strPtr("a")},
		detector.Attribute{Name: "role", Value: strPtr("nav")})
	b := divAt(1, 0,
		detector.Attribute{Name: "role", Value: strPtr("nav")},
		detector.Attribute{Name: "className", Value: strPtr("a")})

	ida := g.Generate(Context{FilePath: "Header.tsx", Element: a})
	idb := g.Generate(Context{FilePath: "Header.tsx", Element: b})
	assert.Equal(t, ida.Hash, idb.Hash)
	assert.Equal(t, ida.ID, idb.ID)
	assert.Equal(t, 1, g.MemoSize())
}

func TestFormatting(t *testing.T) {
	testCases := []struct {
		name     string
		cfg      Config
		file     string
		el       detector.DetectedElement
		index    int
		expected string
	}{
		{
			name:     "component with member access",
			cfg:      Config{Format: "{filename}-{element}"},
			file:     "src/components/user-profile.test.tsx",
			el:       detector.DetectedElement{TagName: "Menu.Item", Kind: types.KindComponent},
			expected: "UserProfile-MenuItem",
		},
		{
			name:     "namespaced dom tag",
			cfg:      Config{Format: "{element}"},
			file:     "a.tsx",
			el:       detector.DetectedElement{TagName: "svg:Path", Kind: types.KindDOM},
			expected: "svg-path",
		},
		{
			name:     "position index prefix and suffix",
			cfg:      Config{Format: "{filename}_{position}_{index}", Prefix: "ui-", Suffix: "-x"},
			file:     "nav.templ",
			el:       detector.DetectedElement{TagName: "a", Kind: types.KindDOM, Position: types.Position{Line: 7, Column: 3}},
			index:    4,
			expected: "ui-Nav_7-3_4-x",
		},
		{
			name:     "unresolved placeholders and repeated separators",
			cfg:      Config{Format: "--{filename}--{unknown}__{element}__"},
			file:     "Card.jsx",
			el:       detector.DetectedElement{TagName: "span", Kind: types.KindDOM},
			expected: "Card-_span",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := New(tc.cfg, nil)
			got, err := g.Compute(Context{FilePath: tc.file, Element: tc.el, Index: tc.index})
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got.ID)
		})
	}
}

func TestFallbackOnInvalidFormat(t *testing.T) {
	g := New(Config{Format: "{unknown}"}, nil)
	fixed := time.UnixMilli(1700000000000)
	g.now = func() time.Time { return fixed }

	el := divAt(1, 0)
	_, err := g.Compute(Context{FilePath: "Header.tsx", Element: el})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeGeneration))

	got := g.Generate(Context{FilePath: "Header.tsx", Element: el})
	assert.True(t, got.Fallback)
	assert.Error(t, got.Err)
	assert.Equal(t, "Header-div-"+strconv.FormatInt(fixed.UnixMilli(), 36), got.ID)
	assert.NoError(t, ValidateID(got.ID))
}

func TestHashLengthClamp(t *testing.T) {
	assert.Equal(t, MinHashLength, New(Config{HashLength: 1}, nil).Config().HashLength)
	assert.Equal(t, MaxHashLength, New(Config{HashLength: 99}, nil).Config().HashLength)
	assert.Equal(t, DefaultHashLength, New(Config{}, nil).Config().HashLength)

	g := New(Config{Format: "{hash}", HashLength: 32}, nil)
	got := g.Generate(Context{FilePath: "a.tsx", Element: divAt(1, 1)})
	assert.Len(t, got.ID, 32)
}

func TestValidateID(t *testing.T) {
	testCases := []struct {
		id    string
		valid bool
	}{
		{"Header-div-3f2a9c", true},
		{"a_b-C9", true},
		{"", false},
		{strings.Repeat("a", 129), false},
		{strings.Repeat("a", 128), true},
		{"has space", false},
		{"tab\tid", false},
		{"a/b", false},
		{"a#b", false},
		{"a{b}", false},
		{"a`b", false},
		{"a:b", false},
	}

	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			err := ValidateID(tc.id)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestGenerateConcurrent(t *testing.T) {
	g := New(DefaultConfig(), nil)
	el := divAt(2, 2)
	want := g.Generate(Context{FilePath: "x.tsx", Element: el}).ID

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, g.Generate(Context{FilePath: "x.tsx", Element: el}).ID)
		}()
	}
	wg.Wait()
}

func TestHashMemoIsBounded(t *testing.T) {
	g := New(DefaultConfig(), nil)
	el := detector.DetectedElement{TagName: "div", Kind: types.KindDOM}
	first := g.Hash("a.jsx", el)

	for i := 0; i < memoLimit+10; i++ {
		g.Hash("f"+strconv.Itoa(i)+".jsx", el)
	}
	assert.LessOrEqual(t, g.MemoSize(), memoLimit)
	assert.Equal(t, first, g.Hash("a.jsx", el))
}
