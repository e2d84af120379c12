package hnsw

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand"

	"github.com/hupe1980/bergdb/distance"
	"github.com/hupe1980/bergdb/internal/visited"
)

// Compile time checks to ensure Index satisfies the gob interfaces.
var (
	_ gob.GobEncoder = (*Index)(nil)
	_ gob.GobDecoder = (*Index)(nil)
)

// gobOptions mirrors Options without the function-typed field.
type gobOptions struct {
	M              int
	EFConstruction int
	EFSearch       int
	RandomSeed     int64
}

// GobEncode serializes the graph structure and parameters.
// The RNG state is not captured; decoding reseeds the level generator, so a
// restored graph draws a fresh level sequence for subsequent inserts.
func (h *Index) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	opts := gobOptions{
		M:              h.opts.M,
		EFConstruction: h.opts.EFConstruction,
		EFSearch:       h.opts.EFSearch,
		RandomSeed:     h.opts.RandomSeed,
	}
	if err := enc.Encode(opts); err != nil {
		return nil, err
	}
	if err := enc.Encode(h.vectors); err != nil {
		return nil, err
	}
	if err := enc.Encode(h.graph); err != nil {
		return nil, err
	}
	if err := enc.Encode(h.entry); err != nil {
		return nil, err
	}
	if err := enc.Encode(h.maxLayer); err != nil {
		return nil, err
	}
	if err := enc.Encode(h.hasEntry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode restores a graph serialized with GobEncode.
func (h *Index) GobDecode(data []byte) error {
	dec := gob.NewDecoder(bytes.NewBuffer(data))

	var opts gobOptions
	if err := dec.Decode(&opts); err != nil {
		return err
	}
	if err := dec.Decode(&h.vectors); err != nil {
		return err
	}
	if err := dec.Decode(&h.graph); err != nil {
		return err
	}
	if err := dec.Decode(&h.entry); err != nil {
		return err
	}
	if err := dec.Decode(&h.maxLayer); err != nil {
		return err
	}
	if err := dec.Decode(&h.hasEntry); err != nil {
		return err
	}

	h.opts = Options{
		M:              opts.M,
		EFConstruction: opts.EFConstruction,
		EFSearch:       opts.EFSearch,
		RandomSeed:     opts.RandomSeed,
	}
	h.mMax0 = 2 * opts.M
	h.mL = 1 / math.Log(float64(opts.M))
	h.rng = rand.New(rand.NewSource(opts.RandomSeed))
	h.dist = distance.SquaredL2
	h.vis = visited.New(len(h.vectors))
	return nil
}
