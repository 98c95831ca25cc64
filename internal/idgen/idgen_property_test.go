//go:build property

package idgen

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/conneroisu/eltag/internal/detector"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/types"
)

func attrsFrom(names, values []string) []detector.Attribute {
	n := len(names)
	if len(values) < n {
		n = len(values)
	}
	attrs := make([]detector.Attribute, 0, n)
	for i := 0; i < n; i++ {
		v := values[i]
		attrs = append(attrs, detector.Attribute{Name: names[i], Value: &v})
	}
	return attrs
}

// TestGeneratorProperties validates the stability guarantees of generated
// identifiers.
func TestGeneratorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1357)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("hash is insensitive to attribute order", prop.ForAll(
		func(names, values []string, seed int64) bool {
			attrs := attrsFrom(names, values)
			shuffled := make([]detector.Attribute, len(attrs))
			copy(shuffled, attrs)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			g := New(DefaultConfig(), nil)
			a := g.Generate(Context{FilePath: "Card.tsx", Element: detector.DetectedElement{
				TagName: "div", Kind: types.KindDOM, Attributes: attrs,
			}})
			b := g.Generate(Context{FilePath: "Card.tsx", Element: detector.DetectedElement{
				TagName: "div", Kind: types.KindDOM, Attributes: shuffled,
			}})
			return a.ID == b.ID && a.Hash == b.Hash
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.AlphaString()),
		gen.Int64(),
	))

	properties.Property("existing mapping at the same position is always reused", prop.ForAll(
		func(line, col int, id string, className string) bool {
			if id == "" {
				return true
			}
			el := detector.DetectedElement{
				TagName:    "section",
				Kind:       types.KindDOM,
				Position:   types.Position{Line: line, Column: col},
				Attributes: attrsFrom([]string{"className"}, []string{className}),
			}
			existing := []mapping.ElementMapping{{ID: id, FilePath: "Page.jsx", TagName: "section", Line: line, Column: col}}
			got := New(DefaultConfig(), nil).Generate(Context{FilePath: "Page.jsx", Element: el, ExistingMappings: existing})
			return got.Reused && got.ID == id
		},
		gen.IntRange(1, 5000),
		gen.IntRange(0, 200),
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.Property("generated identifiers always validate", prop.ForAll(
		func(file, tag string, line int) bool {
			el := detector.DetectedElement{
				TagName:  tag,
				Kind:     types.KindComponent,
				Position: types.Position{Line: line},
			}
			got := New(DefaultConfig(), nil).Generate(Context{FilePath: file + ".tsx", Element: el})
			return ValidateID(got.ID) == nil
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}
