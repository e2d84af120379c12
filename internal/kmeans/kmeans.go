// Package kmeans implements seeded Lloyd's k-means over float32 vectors.
package kmeans

import (
	"math"
	"math/rand"

	"github.com/hupe1980/bergdb/distance"
)

// Train runs Lloyd's algorithm with k centroids over data.
// Initial centroids are drawn from a seeded shuffle of the input rows,
// wrapping modulo n when k exceeds the number of rows. Cells that end an
// iteration empty keep their previous centroid. Returns the centroids,
// each an owned copy.
func Train(data [][]float32, k, iters int, rng *rand.Rand) [][]float32 {
	n := len(data)
	if n == 0 || k <= 0 {
		return nil
	}
	dim := len(data[0])

	perm := rng.Perm(n)
	centroids := make([][]float32, k)
	for c := 0; c < k; c++ {
		centroids[c] = append([]float32(nil), data[perm[c%n]]...)
	}

	assignments := make([]int, n)
	sums := make([][]float32, k)
	for c := range sums {
		sums[c] = make([]float32, dim)
	}
	counts := make([]int, k)

	for iter := 0; iter < iters; iter++ {
		changed := false
		for i, vec := range data {
			best := Nearest(vec, centroids)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if iter > 0 && !changed {
			break
		}

		for c := range sums {
			for d := range sums[c] {
				sums[c][d] = 0
			}
			counts[c] = 0
		}
		for i, vec := range data {
			c := assignments[i]
			for d, v := range vec {
				sums[c][d] += v
			}
			counts[c]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			scale := 1 / float32(counts[c])
			for d := range centroids[c] {
				centroids[c][d] = sums[c][d] * scale
			}
		}
	}

	return centroids
}

// Nearest returns the index of the centroid closest to vec by squared L2
// distance. Ties resolve to the lower index.
func Nearest(vec []float32, centroids [][]float32) int {
	best := 0
	bestDist := float32(math.MaxFloat32)
	for i, c := range centroids {
		if d := distance.SquaredL2(vec, c); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}
