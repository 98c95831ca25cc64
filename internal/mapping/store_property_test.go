//go:build property

package mapping

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestStoreMergeProperties checks that arbitrary save sequences keep every
// ID in exactly one bucket and that the last write for an ID wins.
func TestStoreMergeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(2468)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	files := []string{"a.tsx", "b.jsx", "c.templ"}

	properties.Property("ids live in exactly one bucket, last write wins", prop.ForAll(
		func(ops []int) bool {
			s, err := NewStore(Options{Path: filepath.Join(t.TempDir(), "m.json")}, nil)
			if err != nil {
				return false
			}
			want := make(map[string]string)
			for i, op := range ops {
				id := fmt.Sprintf("id-%d", op%7)
				file := files[(op/7)%len(files)]
				if _, err := s.Save(context.Background(), []ElementMapping{mk(id, file, "div", i+1)}); err != nil {
					return false
				}
				want[id] = file
			}

			seen := make(map[string]bool)
			for _, p := range s.Files() {
				for _, m := range s.GetByFile(p) {
					if seen[m.ID] || m.FilePath != p || want[m.ID] != p {
						return false
					}
					seen[m.ID] = true
				}
			}
			return len(seen) == len(want) && s.Stats().TotalElements == len(want)
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
