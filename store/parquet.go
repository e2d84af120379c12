package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/hupe1980/bergdb/batch"
)

// encodeSegment serialises records to a Parquet file with zstd-compressed
// columns, using the canonical batch schema.
func encodeSegment(dim int, records []Record) ([]byte, error) {
	b, err := batch.NewBuilder(dim)
	if err != nil {
		return nil, err
	}
	defer b.Release()

	ids := make([]uint64, len(records))
	flat := make([]float32, 0, len(records)*dim)
	metadata := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
		flat = append(flat, r.Vector...)
		metadata[i] = r.Metadata
	}
	if err := b.AppendRows(ids, flat, metadata); err != nil {
		return nil, err
	}

	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Zstd))
	w, err := pqarrow.NewFileWriter(batch.Schema(dim), &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("store: create segment writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("store: write segment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("store: close segment writer: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeSegment reads a Parquet segment file back into records. Vectors are
// copied out of the arrow buffers so the result outlives the file bytes.
func decodeSegment(ctx context.Context, dim int, data []byte) ([]Record, error) {
	rdr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("store: open segment: %w", err)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: 1024}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("store: read segment: %w", err)
	}
	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: read segment: %w", err)
	}
	defer tbl.Release()

	records := make([]Record, 0, tbl.NumRows())
	tr := array.NewTableReader(tbl, 1024)
	defer tr.Release()
	for tr.Next() {
		rec := tr.Record()
		chunk, err := decodeRecord(dim, rec)
		if err != nil {
			return nil, err
		}
		records = append(records, chunk...)
	}
	return records, nil
}

func decodeRecord(dim int, rec arrow.Record) ([]Record, error) {
	idCol, ok := batch.Column(rec, batch.ColID)
	if !ok {
		return nil, fmt.Errorf("store: segment is missing column %q", batch.ColID)
	}
	ids, ok := idCol.(*array.Uint64)
	if !ok {
		return nil, fmt.Errorf("store: segment column %q has type %s", batch.ColID, idCol.DataType())
	}

	embCol, ok := batch.Column(rec, batch.ColEmbedding)
	if !ok {
		return nil, fmt.Errorf("store: segment is missing column %q", batch.ColEmbedding)
	}
	// Parquet keeps no fixed list size, so the column may come back as a
	// plain list; both shapes are accepted.
	var listValues arrow.Array
	var rowStart func(i int) int
	switch col := embCol.(type) {
	case *array.FixedSizeList:
		listValues = col.ListValues()
		rowStart = func(i int) int { return (col.Offset() + i) * dim }
	case *array.List:
		listValues = col.ListValues()
		rowStart = func(i int) int {
			start, _ := col.ValueOffsets(i)
			return int(start)
		}
	default:
		return nil, fmt.Errorf("store: segment column %q has type %s", batch.ColEmbedding, embCol.DataType())
	}
	values, ok := listValues.(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("store: segment column %q values have type %s", batch.ColEmbedding, listValues.DataType())
	}
	flat := values.Float32Values()

	var meta *array.String
	if metaCol, ok := batch.Column(rec, batch.ColMetadata); ok {
		meta, ok = metaCol.(*array.String)
		if !ok {
			return nil, fmt.Errorf("store: segment column %q has type %s", batch.ColMetadata, metaCol.DataType())
		}
	}

	out := make([]Record, ids.Len())
	for i := range out {
		// The table reader hands out sliced chunks, so the list offset
		// must be applied when indexing into the flat value buffer.
		start := rowStart(i)
		out[i] = Record{
			ID:     ids.Value(i),
			Vector: append([]float32(nil), flat[start:start+dim]...),
		}
		if meta != nil && !meta.IsNull(i) {
			out[i].Metadata = meta.Value(i)
		}
	}
	return out, nil
}
