// Package batch builds and reads the columnar record batches ingested by
// bergdb. A batch carries three columns: id (uint64), embedding (fixed-size
// list of float32 with list size dim) and an optional utf-8 metadata column.
// Batches are pure in-memory structures; encoding to storage happens in the
// store package.
package batch

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	// ColID is the name of the primary-key column.
	ColID = "id"
	// ColEmbedding is the name of the vector column.
	ColEmbedding = "embedding"
	// ColMetadata is the name of the optional metadata column.
	ColMetadata = "metadata"
)

// ErrMisalignedVectors indicates a flat float buffer whose length is not a
// multiple of the configured dimension.
type ErrMisalignedVectors struct {
	Length int
	Dim    int
}

func (e *ErrMisalignedVectors) Error() string {
	return fmt.Sprintf("misaligned vectors: buffer length %d is not a multiple of dimension %d", e.Length, e.Dim)
}

// Schema returns the canonical batch schema for the given dimension.
func Schema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: ColID, Type: arrow.PrimitiveTypes.Uint64},
		{Name: ColEmbedding, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
		{Name: ColMetadata, Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

// Builder accumulates rows and produces an arrow.Record.
type Builder struct {
	dim int
	rb  *array.RecordBuilder
}

// NewBuilder creates a builder for vectors of the given dimension.
func NewBuilder(dim int) (*Builder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("batch: dimension must be positive, got %d", dim)
	}
	return &Builder{
		dim: dim,
		rb:  array.NewRecordBuilder(memory.DefaultAllocator, Schema(dim)),
	}, nil
}

// Dim returns the vector dimension of the builder.
func (b *Builder) Dim() int {
	return b.dim
}

// AppendRows appends count = len(flat)/dim rows. ids must have one entry per
// row. metadata is optional: pass nil to leave the column null, otherwise it
// must also have one entry per row.
func (b *Builder) AppendRows(ids []uint64, flat []float32, metadata []string) error {
	if len(flat)%b.dim != 0 {
		return &ErrMisalignedVectors{Length: len(flat), Dim: b.dim}
	}
	rows := len(flat) / b.dim
	if len(ids) != rows {
		return fmt.Errorf("batch: got %d ids for %d rows", len(ids), rows)
	}
	if metadata != nil && len(metadata) != rows {
		return fmt.Errorf("batch: got %d metadata entries for %d rows", len(metadata), rows)
	}

	idb := b.rb.Field(0).(*array.Uint64Builder)
	idb.AppendValues(ids, nil)

	lb := b.rb.Field(1).(*array.FixedSizeListBuilder)
	vb := lb.ValueBuilder().(*array.Float32Builder)
	for i := 0; i < rows; i++ {
		lb.Append(true)
		vb.AppendValues(flat[i*b.dim:(i+1)*b.dim], nil)
	}

	mb := b.rb.Field(2).(*array.StringBuilder)
	for i := 0; i < rows; i++ {
		if metadata == nil {
			mb.AppendNull()
		} else {
			mb.Append(metadata[i])
		}
	}
	return nil
}

// NewRecord materialises the accumulated rows and resets the builder.
// The caller owns the record and must Release it.
func (b *Builder) NewRecord() arrow.Record {
	return b.rb.NewRecord()
}

// Release frees the builder's buffers.
func (b *Builder) Release() {
	b.rb.Release()
}

// Column returns the named column of rec, or false if absent.
func Column(rec arrow.Record, name string) (arrow.Array, bool) {
	idxs := rec.Schema().FieldIndices(name)
	if len(idxs) == 0 {
		return nil, false
	}
	return rec.Column(idxs[0]), true
}

// IDs extracts the id column.
func IDs(rec arrow.Record) ([]uint64, error) {
	col, ok := Column(rec, ColID)
	if !ok {
		return nil, fmt.Errorf("batch: missing column %q", ColID)
	}
	ids, ok := col.(*array.Uint64)
	if !ok {
		return nil, fmt.Errorf("batch: column %q has type %s, want uint64", ColID, col.DataType())
	}
	return ids.Uint64Values(), nil
}

// Embeddings extracts the embedding column as a flat buffer plus the fixed
// list size.
func Embeddings(rec arrow.Record) ([]float32, int, error) {
	col, ok := Column(rec, ColEmbedding)
	if !ok {
		return nil, 0, fmt.Errorf("batch: missing column %q", ColEmbedding)
	}
	fsl, ok := col.(*array.FixedSizeList)
	if !ok {
		return nil, 0, fmt.Errorf("batch: column %q has type %s, want fixed_size_list<float32>", ColEmbedding, col.DataType())
	}
	dim := int(fsl.DataType().(*arrow.FixedSizeListType).Len())
	values, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, 0, fmt.Errorf("batch: column %q values have type %s, want float32", ColEmbedding, fsl.ListValues().DataType())
	}
	return values.Float32Values(), dim, nil
}

// Metadata extracts the metadata column. Null entries come back as empty
// strings. Returns nil when the column is absent.
func Metadata(rec arrow.Record) ([]string, error) {
	col, ok := Column(rec, ColMetadata)
	if !ok {
		return nil, nil
	}
	strs, ok := col.(*array.String)
	if !ok {
		return nil, fmt.Errorf("batch: column %q has type %s, want utf8", ColMetadata, col.DataType())
	}
	out := make([]string, strs.Len())
	for i := range out {
		if !strs.IsNull(i) {
			out[i] = strs.Value(i)
		}
	}
	return out, nil
}
