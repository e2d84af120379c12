// Package hnsw implements a hierarchical navigable small-world graph for
// approximate nearest neighbor search.
//
// Node levels are drawn from a geometric-like distribution with factor
// mL = 1/ln(M). Layer 0 holds every node with up to 2*M edges; higher layers
// thin out exponentially and cap at M edges. Insertion descends greedily to
// the node's level, then links layer by layer with a beam of width
// EFConstruction.
package hnsw

import (
	"math"
	"math/rand"
	"sort"

	"github.com/hupe1980/bergdb/distance"
	"github.com/hupe1980/bergdb/index"
	"github.com/hupe1980/bergdb/internal/searcher"
	"github.com/hupe1980/bergdb/internal/visited"
)

// Options configure the graph.
type Options struct {
	// M is the target number of edges per node per layer.
	M int
	// EFConstruction is the beam width used while linking a new node.
	EFConstruction int
	// EFSearch is the default beam width at query time.
	EFSearch int
	// RandomSeed seeds the level generator. Fixed by default so graph
	// shapes are reproducible.
	RandomSeed int64
	// Distance is the internal metric. Defaults to squared L2; reported
	// distances are the square root of the internal value.
	Distance distance.Func
}

// DefaultOptions are the parameters used when no overrides are given.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	EFSearch:       50,
	RandomSeed:     42,
}

// Index is a hierarchical navigable small-world graph.
type Index struct {
	opts  Options
	mMax0 int
	mL    float64
	rng   *rand.Rand
	dist  distance.Func

	vectors [][]float32
	// graph[layer][node] holds the adjacency list of node at that layer.
	graph    [][][]uint64
	entry    uint64
	maxLayer int
	hasEntry bool

	vis *visited.Set
}

var _ index.Index = (*Index)(nil)

// New creates an empty graph.
func New(optFns ...func(*Options)) *Index {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Distance == nil {
		opts.Distance = distance.SquaredL2
	}

	h := &Index{
		opts:  opts,
		mMax0: 2 * opts.M,
		mL:    1 / math.Log(float64(opts.M)),
		rng:   rand.New(rand.NewSource(opts.RandomSeed)),
		dist:  opts.Distance,
		vis:   visited.New(1024),
	}
	return h
}

// Size returns the number of indexed vectors.
func (h *Index) Size() int {
	return len(h.vectors)
}

// Vector returns the stored embedding for an internal id.
// The returned slice is owned by the index.
func (h *Index) Vector(id uint64) []float32 {
	return h.vectors[id]
}

// Insert adds a vector to the graph and returns its internal id.
// The index keeps its own copy of v.
func (h *Index) Insert(v []float32) (uint64, error) {
	vec := append([]float32(nil), v...)
	id := uint64(len(h.vectors))
	h.vectors = append(h.vectors, vec)

	level := h.randomLevel()

	for l := range h.graph {
		h.graph[l] = append(h.graph[l], nil)
	}
	for len(h.graph) <= level {
		h.graph = append(h.graph, make([][]uint64, len(h.vectors)))
	}

	if !h.hasEntry {
		h.entry = id
		h.maxLayer = level
		h.hasEntry = true
		return id, nil
	}

	cur := h.entry
	for l := h.maxLayer; l > level; l-- {
		if best := h.searchLayer(vec, cur, 1, l); len(best) > 0 {
			cur = best[0].Node
		}
	}

	top := level
	if h.maxLayer < top {
		top = h.maxLayer
	}
	for l := top; l >= 0; l-- {
		cands := h.searchLayer(vec, cur, h.opts.EFConstruction, l)

		mMax := h.opts.M
		if l == 0 {
			mMax = h.mMax0
		}
		n := len(cands)
		if n > mMax {
			n = mMax
		}
		for _, c := range cands[:n] {
			h.graph[l][id] = append(h.graph[l][id], c.Node)
			h.graph[l][c.Node] = append(h.graph[l][c.Node], id)
			if len(h.graph[l][c.Node]) > mMax {
				h.prune(c.Node, l, mMax)
			}
		}
		if len(cands) > 0 {
			cur = cands[0].Node
		}
	}

	if level > h.maxLayer {
		h.maxLayer = level
		h.entry = id
	}
	return id, nil
}

// Search returns the k nearest neighbors of q as Euclidean distances in
// ascending order. ef widens the layer-0 beam; non-positive values fall back
// to the configured EFSearch, and values below k are raised to k. An empty
// index returns an empty result.
func (h *Index) Search(q []float32, k, ef int) ([]index.SearchResult, error) {
	if k < 1 {
		return nil, index.ErrInvalidK
	}
	if len(h.vectors) == 0 {
		return []index.SearchResult{}, nil
	}
	if ef <= 0 {
		ef = h.opts.EFSearch
	}
	if ef < k {
		ef = k
	}

	cur := h.entry
	for l := h.maxLayer; l >= 1; l-- {
		if best := h.searchLayer(q, cur, 1, l); len(best) > 0 {
			cur = best[0].Node
		}
	}

	cands := h.searchLayer(q, cur, ef, 0)
	if len(cands) > k {
		cands = cands[:k]
	}

	out := make([]index.SearchResult, len(cands))
	for i, c := range cands {
		out[i] = index.SearchResult{
			ID:       c.Node,
			Distance: float32(math.Sqrt(float64(c.Distance))),
		}
	}
	return out, nil
}

// randomLevel draws from U(0,1] so the log is always finite.
func (h *Index) randomLevel() int {
	u := 1 - h.rng.Float64()
	return int(-math.Log(u) * h.mL)
}

// searchLayer runs a beam search of width ef at the given layer and returns
// up to ef items in ascending distance order.
func (h *Index) searchLayer(q []float32, entry uint64, ef, layer int) []searcher.Item {
	h.vis.Reset()
	h.vis.Visit(entry)

	d := h.dist(q, h.vectors[entry])
	cand := searcher.NewMin()
	cand.Push(searcher.Item{Node: entry, Distance: d})
	results := searcher.NewMax()
	results.Push(searcher.Item{Node: entry, Distance: d})

	for cand.Len() > 0 {
		c, _ := cand.Pop()
		if worst, _ := results.Top(); results.Len() >= ef && c.Distance > worst.Distance {
			break
		}
		for _, nb := range h.graph[layer][c.Node] {
			if h.vis.Visited(nb) {
				continue
			}
			h.vis.Visit(nb)
			dn := h.dist(q, h.vectors[nb])
			worst, _ := results.Top()
			if results.Len() < ef || dn < worst.Distance {
				cand.Push(searcher.Item{Node: nb, Distance: dn})
				results.PushBounded(searcher.Item{Node: nb, Distance: dn}, ef)
			}
		}
	}

	items := results.Drain()
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// prune trims node's adjacency at layer to its mMax closest neighbors.
func (h *Index) prune(node uint64, layer, mMax int) {
	adj := h.graph[layer][node]
	base := h.vectors[node]
	sort.Slice(adj, func(i, j int) bool {
		return h.dist(base, h.vectors[adj[i]]) < h.dist(base, h.vectors[adj[j]])
	})
	h.graph[layer][node] = adj[:mMax]
}
