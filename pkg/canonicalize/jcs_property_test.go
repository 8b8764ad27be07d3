package canonicalize

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Insertion order of object members must never influence the canonical form.
func TestJCS_OrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("shuffled objects canonicalize identically", prop.ForAll(
		func(keys []string, values []int, seed int64) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			ordered := make([]string, 0, n)
			seen := make(map[string]bool, n)
			for i := 0; i < n; i++ {
				if seen[keys[i]] {
					continue
				}
				seen[keys[i]] = true
				ordered = append(ordered, fmt.Sprintf("%q:%d", keys[i], values[i]))
			}

			shuffled := append([]string(nil), ordered...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			a, errA := JCS([]byte(join(ordered)))
			b, errB := JCS([]byte(join(shuffled)))
			if errA != nil || errB != nil {
				return false
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.IntRange(-1000, 1000)),
		gen.Int64(),
	))

	properties.Property("canonicalization is idempotent", prop.ForAll(
		func(m map[string]string) bool {
			once, err := JCS(m)
			if err != nil {
				return false
			}
			twice, err := JCS(once)
			if err != nil {
				return false
			}
			return string(once) == string(twice)
		},
		gen.MapOf(gen.AlphaString(), gen.AnyString()),
	))

	properties.TestingRun(t)
}

func join(members []string) string {
	out := "{"
	for i, m := range members {
		if i > 0 {
			out += ","
		}
		out += m
	}
	return out + "}"
}
