// Package lsh implements two locality-sensitive hashing indexes: a
// random-hyperplane variant for cosine similarity and a p-stable variant for
// Euclidean distance. Both hash every vector into L tables of k-component
// signatures and answer queries by reranking the union of the matching
// buckets exactly.
package lsh

import (
	"math"
	"math/rand"
	"sort"

	"github.com/hupe1980/bergdb/distance"
	"github.com/hupe1980/bergdb/index"
)

// Options configure signature generation.
type Options struct {
	// RandomSeed seeds the projection draw.
	RandomSeed int64
}

// fnv-1a over the signature components.
const (
	fnvOffset = 14695981039346656037
	fnvPrime  = 1099511628211
)

func hashSignature(sig []int64) uint64 {
	h := uint64(fnvOffset)
	for _, c := range sig {
		h ^= uint64(c)
		h *= fnvPrime
	}
	return h
}

// Hyperplane is a random-hyperplane LSH index for cosine similarity.
type Hyperplane struct {
	dim       int
	numTables int
	numHashes int

	// planes[t] holds numHashes*dim normal components for table t.
	planes  [][]float32
	tables  []map[uint64][]uint64
	vectors [][]float32
}

// NewHyperplane creates an index with numTables tables of numHashes-bit
// signatures over vectors of the given dimension.
func NewHyperplane(dim, numTables, numHashes int, optFns ...func(*Options)) *Hyperplane {
	opts := Options{RandomSeed: 42}
	for _, fn := range optFns {
		fn(&opts)
	}

	rng := rand.New(rand.NewSource(opts.RandomSeed))
	planes := make([][]float32, numTables)
	for t := range planes {
		p := make([]float32, numHashes*dim)
		for i := range p {
			p[i] = float32(rng.NormFloat64())
		}
		planes[t] = p
	}

	return &Hyperplane{
		dim:       dim,
		numTables: numTables,
		numHashes: numHashes,
		planes:    planes,
		tables:    make([]map[uint64][]uint64, numTables),
	}
}

func (h *Hyperplane) signature(t int, v []float32) uint64 {
	sig := make([]int64, h.numHashes)
	for i := 0; i < h.numHashes; i++ {
		plane := h.planes[t][i*h.dim : (i+1)*h.dim]
		if distance.Dot(plane, v) > 0 {
			sig[i] = 1
		}
	}
	return hashSignature(sig)
}

// Size returns the number of indexed vectors.
func (h *Hyperplane) Size() int {
	return len(h.vectors)
}

// Build replaces the table contents with signatures of data. The index keeps
// its own copies of the vectors.
func (h *Hyperplane) Build(data [][]float32) {
	h.vectors = make([][]float32, len(data))
	for i, v := range data {
		h.vectors[i] = append([]float32(nil), v...)
	}
	for t := range h.tables {
		h.tables[t] = make(map[uint64][]uint64)
	}
	for i, v := range h.vectors {
		for t := range h.tables {
			key := h.signature(t, v)
			h.tables[t][key] = append(h.tables[t][key], uint64(i))
		}
	}
}

// Query unions the buckets q hashes into and reranks by cosine similarity,
// descending. Distance in the results is the similarity.
func (h *Hyperplane) Query(q []float32, k int) ([]index.SearchResult, error) {
	if k < 1 {
		return nil, index.ErrInvalidK
	}

	seen := make(map[uint64]struct{})
	var results []index.SearchResult
	for t := range h.tables {
		for _, id := range h.tables[t][h.signature(t, q)] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			results = append(results, index.SearchResult{
				ID:       id,
				Distance: distance.Cosine(q, h.vectors[id]),
			})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance > results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// PStable is a p-stable LSH index for Euclidean distance.
type PStable struct {
	dim       int
	numTables int
	numHashes int
	w         float64

	projections [][]float32
	// offsets[t] holds numHashes offsets drawn uniformly from [0, w).
	offsets [][]float32
	tables  []map[uint64][]uint64
	vectors [][]float32
}

// NewPStable creates an index with numTables tables of numHashes quantized
// projections of width w.
func NewPStable(dim, numTables, numHashes int, w float64, optFns ...func(*Options)) *PStable {
	opts := Options{RandomSeed: 123}
	for _, fn := range optFns {
		fn(&opts)
	}

	rng := rand.New(rand.NewSource(opts.RandomSeed))
	projections := make([][]float32, numTables)
	offsets := make([][]float32, numTables)
	for t := 0; t < numTables; t++ {
		p := make([]float32, numHashes*dim)
		for i := range p {
			p[i] = float32(rng.NormFloat64())
		}
		projections[t] = p

		b := make([]float32, numHashes)
		for i := range b {
			b[i] = float32(rng.Float64() * w)
		}
		offsets[t] = b
	}

	return &PStable{
		dim:         dim,
		numTables:   numTables,
		numHashes:   numHashes,
		w:           w,
		projections: projections,
		offsets:     offsets,
		tables:      make([]map[uint64][]uint64, numTables),
	}
}

func (p *PStable) signature(t int, v []float32) uint64 {
	sig := make([]int64, p.numHashes)
	for i := 0; i < p.numHashes; i++ {
		a := p.projections[t][i*p.dim : (i+1)*p.dim]
		proj := float64(distance.Dot(a, v)) + float64(p.offsets[t][i])
		sig[i] = int64(math.Floor(proj / p.w))
	}
	return hashSignature(sig)
}

// Size returns the number of indexed vectors.
func (p *PStable) Size() int {
	return len(p.vectors)
}

// Build replaces the table contents with signatures of data. The index keeps
// its own copies of the vectors.
func (p *PStable) Build(data [][]float32) {
	p.vectors = make([][]float32, len(data))
	for i, v := range data {
		p.vectors[i] = append([]float32(nil), v...)
	}
	for t := range p.tables {
		p.tables[t] = make(map[uint64][]uint64)
	}
	for i, v := range p.vectors {
		for t := range p.tables {
			key := p.signature(t, v)
			p.tables[t][key] = append(p.tables[t][key], uint64(i))
		}
	}
}

// Query unions the buckets q hashes into and reranks by squared L2 distance,
// ascending.
func (p *PStable) Query(q []float32, k int) ([]index.SearchResult, error) {
	if k < 1 {
		return nil, index.ErrInvalidK
	}

	seen := make(map[uint64]struct{})
	var results []index.SearchResult
	for t := range p.tables {
		for _, id := range p.tables[t][p.signature(t, q)] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			results = append(results, index.SearchResult{
				ID:       id,
				Distance: distance.SquaredL2(q, p.vectors[id]),
			})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
