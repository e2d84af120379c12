// Package ivf implements an inverted-file index. Vectors are partitioned
// into nlist Voronoi cells learned by k-means; a query scans only the
// nprobe cells whose centroids are closest.
package ivf

import (
	"math"
	"math/rand"
	"sort"

	"github.com/hupe1980/bergdb/distance"
	"github.com/hupe1980/bergdb/index"
	"github.com/hupe1980/bergdb/internal/kmeans"
)

// Options configure training and search.
type Options struct {
	// Iterations bounds the k-means training loop.
	Iterations int
	// RandomSeed seeds centroid initialisation.
	RandomSeed int64
}

// DefaultOptions are the training parameters used when no overrides are
// given.
var DefaultOptions = Options{
	Iterations: 20,
	RandomSeed: 42,
}

// Index is an inverted-file index over k-means cells.
type Index struct {
	opts    Options
	nlist   int
	nprobe  int
	trained bool

	centroids [][]float32
	lists     [][]uint64
	vectors   [][]float32
}

// New creates an untrained index with nlist cells, probing nprobe cells per
// query.
func New(nlist, nprobe int, optFns ...func(*Options)) *Index {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Index{
		opts:   opts,
		nlist:  nlist,
		nprobe: nprobe,
	}
}

// Trained reports whether Train has completed.
func (ix *Index) Trained() bool {
	return ix.trained
}

// Size returns the number of stored vectors.
func (ix *Index) Size() int {
	return len(ix.vectors)
}

// Train learns the cell centroids from data with Lloyd's k-means.
func (ix *Index) Train(data [][]float32) error {
	rng := rand.New(rand.NewSource(ix.opts.RandomSeed))
	ix.centroids = kmeans.Train(data, ix.nlist, ix.opts.Iterations, rng)
	ix.lists = make([][]uint64, ix.nlist)
	ix.trained = true
	return nil
}

// Add stores copies of data and assigns each vector to its nearest cell.
func (ix *Index) Add(data [][]float32) error {
	if !ix.trained {
		return index.ErrNotTrained
	}
	for _, v := range data {
		id := uint64(len(ix.vectors))
		ix.vectors = append(ix.vectors, append([]float32(nil), v...))
		cell := kmeans.Nearest(v, ix.centroids)
		ix.lists[cell] = append(ix.lists[cell], id)
	}
	return nil
}

// Search scans the nprobe cells closest to q and reranks their contents
// exactly. Distances are Euclidean, ascending.
func (ix *Index) Search(q []float32, k int) ([]index.SearchResult, error) {
	if !ix.trained {
		return nil, index.ErrNotTrained
	}
	if k < 1 {
		return nil, index.ErrInvalidK
	}

	type cellDist struct {
		cell int
		dist float32
	}
	cells := make([]cellDist, len(ix.centroids))
	for i, c := range ix.centroids {
		cells[i] = cellDist{cell: i, dist: distance.SquaredL2(q, c)}
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].dist < cells[j].dist })

	probe := ix.nprobe
	if probe > len(cells) {
		probe = len(cells)
	}

	var results []index.SearchResult
	for _, cd := range cells[:probe] {
		for _, id := range ix.lists[cd.cell] {
			d := math.Sqrt(float64(distance.SquaredL2(q, ix.vectors[id])))
			results = append(results, index.SearchResult{ID: id, Distance: float32(d)})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
