package normalize

import (
	"math"
	"strings"
)

// L2NormalizeInPlace normalizes vec to unit L2 norm.
// If vec is empty or all zeros, it is left unchanged.
func L2NormalizeInPlace(vec []float32) {
	if len(vec) == 0 {
		return
	}
	var sumSq float64
	for _, v := range vec {
		f := float64(v)
		sumSq += f * f
	}
	if sumSq <= 0 {
		return
	}
	invNorm := float32(1.0 / math.Sqrt(sumSq))
	for i := range vec {
		vec[i] *= invNorm
	}
}

// Query canonicalizes query text for cache keys and word matching:
// lowercase, with runs of whitespace collapsed to single spaces.
func Query(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
