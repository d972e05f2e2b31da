package vecindex

import "math/rand"

// sqDist is squared L2, the index metric. Squared form preserves
// ordering and matches the distances exposed to callers.
func sqDist(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// kmeans runs Lloyd's algorithm over vecs and returns k centroids.
// Deterministic for a fixed seed. Callers guarantee 0 < k <= len(vecs).
func kmeans(vecs [][]float32, k, iters int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	dim := len(vecs[0])

	// Init from a random sample of distinct points.
	perm := rng.Perm(len(vecs))
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		c := make([]float32, dim)
		copy(c, vecs[perm[i]])
		centroids[i] = c
	}

	assign := make([]int, len(vecs))
	sums := make([][]float64, k)
	counts := make([]int, k)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}

	for iter := 0; iter < iters; iter++ {
		changed := false
		for i, v := range vecs {
			best := nearestCentroid(centroids, v)
			if assign[i] != best || iter == 0 {
				changed = true
			}
			assign[i] = best
		}
		if !changed {
			break
		}

		for c := range sums {
			counts[c] = 0
			for d := range sums[c] {
				sums[c][d] = 0
			}
		}
		for i, v := range vecs {
			c := assign[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Empty cell: reseed from a random point.
				copy(centroids[c], vecs[rng.Intn(len(vecs))])
				continue
			}
			inv := 1.0 / float64(counts[c])
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] * inv)
			}
		}
	}
	return centroids
}

func nearestCentroid(centroids [][]float32, v []float32) int {
	best := 0
	bestDist := sqDist(centroids[0], v)
	for c := 1; c < len(centroids); c++ {
		if d := sqDist(centroids[c], v); d < bestDist {
			best = c
			bestDist = d
		}
	}
	return best
}
