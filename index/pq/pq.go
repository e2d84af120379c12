// Package pq implements product quantization with asymmetric distance
// computation. Vectors are split into M subspaces; each subspace is
// quantized against its own K-entry codebook, so a vector compresses to M
// bytes. Search never decodes: per-query lookup tables give the distance of
// every codebook entry to the query slice, and candidate distances are sums
// of table lookups.
package pq

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/hupe1980/bergdb/distance"
	"github.com/hupe1980/bergdb/index"
	"github.com/hupe1980/bergdb/internal/kmeans"
)

// Options configure training.
type Options struct {
	// K is the number of centroids per subspace. At most 256 so a code
	// fits in one byte.
	K int
	// Iterations bounds each subspace's k-means loop.
	Iterations int
	// RandomSeed seeds codebook initialisation.
	RandomSeed int64
}

// DefaultOptions are the training parameters used when no overrides are
// given.
var DefaultOptions = Options{
	K:          256,
	Iterations: 25,
	RandomSeed: 42,
}

// Quantizer holds the per-subspace codebooks.
type Quantizer struct {
	dim     int
	m       int
	ds      int
	opts    Options
	trained bool

	// codebooks[m][k] is the k-th centroid of subspace m, ds wide.
	codebooks [][][]float32
}

// New creates an untrained quantizer splitting dim-wide vectors into m
// subspaces.
func New(dim, m int, optFns ...func(*Options)) (*Quantizer, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if m <= 0 || dim%m != 0 {
		return nil, fmt.Errorf("pq: %d subspaces do not divide dimension %d", m, dim)
	}
	if opts.K < 1 || opts.K > 256 {
		return nil, fmt.Errorf("pq: K must be in [1,256], got %d", opts.K)
	}
	return &Quantizer{
		dim:  dim,
		m:    m,
		ds:   dim / m,
		opts: opts,
	}, nil
}

// Trained reports whether Train has completed.
func (q *Quantizer) Trained() bool {
	return q.trained
}

// SubspaceWidth returns the number of components per subspace.
func (q *Quantizer) SubspaceWidth() int {
	return q.ds
}

// Train learns one codebook per subspace from data.
func (q *Quantizer) Train(data [][]float32) error {
	if len(data) == 0 {
		return fmt.Errorf("pq: no training data")
	}
	rng := rand.New(rand.NewSource(q.opts.RandomSeed))

	q.codebooks = make([][][]float32, q.m)
	sub := make([][]float32, len(data))
	for m := 0; m < q.m; m++ {
		lo, hi := m*q.ds, (m+1)*q.ds
		for i, v := range data {
			sub[i] = v[lo:hi]
		}
		q.codebooks[m] = kmeans.Train(sub, q.opts.K, q.opts.Iterations, rng)
	}
	q.trained = true
	return nil
}

// Encode quantizes each vector to M bytes.
func (q *Quantizer) Encode(data [][]float32) ([][]byte, error) {
	if !q.trained {
		return nil, index.ErrNotTrained
	}
	codes := make([][]byte, len(data))
	for i, v := range data {
		code := make([]byte, q.m)
		for m := 0; m < q.m; m++ {
			slice := v[m*q.ds : (m+1)*q.ds]
			code[m] = byte(kmeans.Nearest(slice, q.codebooks[m]))
		}
		codes[i] = code
	}
	return codes, nil
}

// Decode reconstructs the vector a code stands for by concatenating its
// centroids.
func (q *Quantizer) Decode(code []byte) ([]float32, error) {
	if !q.trained {
		return nil, index.ErrNotTrained
	}
	if len(code) != q.m {
		return nil, fmt.Errorf("pq: code has %d bytes, want %d", len(code), q.m)
	}
	out := make([]float32, 0, q.dim)
	for m, c := range code {
		out = append(out, q.codebooks[m][c]...)
	}
	return out, nil
}

// SearchADC ranks codes against q by asymmetric distance and returns the
// top k as Euclidean distances, ascending. Result IDs are positions in
// codes.
func (q *Quantizer) SearchADC(query []float32, codes [][]byte, k int) ([]index.SearchResult, error) {
	if !q.trained {
		return nil, index.ErrNotTrained
	}
	if k < 1 {
		return nil, index.ErrInvalidK
	}

	table := make([][]float32, q.m)
	for m := 0; m < q.m; m++ {
		slice := query[m*q.ds : (m+1)*q.ds]
		row := make([]float32, len(q.codebooks[m]))
		for c, centroid := range q.codebooks[m] {
			row[c] = distance.SquaredL2(slice, centroid)
		}
		table[m] = row
	}

	results := make([]index.SearchResult, len(codes))
	for i, code := range codes {
		var sum float32
		for m, c := range code {
			sum += table[m][c]
		}
		results[i] = index.SearchResult{
			ID:       uint64(i),
			Distance: float32(math.Sqrt(float64(sum))),
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
