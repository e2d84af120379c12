// Package index defines the contract shared by the ANN index
// implementations and the result type they return.
package index

import "errors"

// ErrNotTrained is returned by index operations that require a prior
// training step.
var ErrNotTrained = errors.New("index: not trained")

// ErrInvalidK is returned when a search is requested with k < 1.
var ErrInvalidK = errors.New("index: k must be positive")

// SearchResult is a single approximate-nearest-neighbor hit.
type SearchResult struct {
	// ID is the index-internal node id of the hit.
	ID uint64

	// Distance is the metric value between the query and the hit. Which
	// metric, and whether lower or higher is better, depends on the index.
	Distance float32
}

// Index is the incremental graph-index contract the engine composes with a
// segment store. Batch-trained structures (IVF, PQ, LSH) expose their own
// richer APIs instead.
type Index interface {
	// Insert adds a vector and returns the internal id assigned to it.
	Insert(v []float32) (uint64, error)

	// Search returns up to k hits for q, using a beam width of at least ef.
	Search(q []float32, k, ef int) ([]SearchResult, error)

	// Size returns the number of indexed vectors.
	Size() int
}
