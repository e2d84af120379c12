// Package testutil provides deterministic fixtures and exact baselines for
// index and engine tests.
package testutil

import (
	"math/rand"
	"sort"

	"github.com/hupe1980/bergdb/distance"
)

// RandomVectors returns n pseudo-random vectors of the given dimension with
// components in [0,1). The same seed always yields the same data.
func RandomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	vecs := make([][]float32, n)
	for i := range vecs {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()
		}
		vecs[i] = v
	}
	return vecs
}

// Flatten concatenates vectors into a single buffer.
func Flatten(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	flat := make([]float32, 0, len(vecs)*len(vecs[0]))
	for _, v := range vecs {
		flat = append(flat, v...)
	}
	return flat
}

// BruteForceKNN returns the indices of the k vectors closest to q by squared
// L2 distance, ascending. Ties resolve to the lower index.
func BruteForceKNN(vecs [][]float32, q []float32, k int) []uint64 {
	type hit struct {
		id   uint64
		dist float32
	}
	hits := make([]hit, len(vecs))
	for i, v := range vecs {
		hits[i] = hit{id: uint64(i), dist: distance.SquaredL2(q, v)}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].id < hits[j].id
	})
	if k > len(hits) {
		k = len(hits)
	}
	out := make([]uint64, k)
	for i := range out {
		out[i] = hits[i].id
	}
	return out
}

// Recall computes |approx ∩ exact| / |exact|.
func Recall(approx, exact []uint64) float64 {
	if len(exact) == 0 {
		return 0
	}
	set := make(map[uint64]struct{}, len(exact))
	for _, id := range exact {
		set[id] = struct{}{}
	}
	var hit int
	for _, id := range approx {
		if _, ok := set[id]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(exact))
}
