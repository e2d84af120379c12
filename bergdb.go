// Package bergdb provides an embedded vector database for Go.
//
// Records live in a segment store: an in-memory active segment seals into
// immutable Parquet files once it reaches capacity, deletes are tombstones
// filtered at read time, and compaction rewrites heavily tombstoned
// segments. Alongside the store, an HNSW graph answers approximate
// nearest-neighbor queries; the standalone index packages (index/ivf,
// index/lsh, index/pq) cover other retrieval trade-offs.
//
// Quick start:
//
//	ctx := context.Background()
//	db, err := bergdb.New(128,
//	    bergdb.WithSegmentCapacity(10_000),
//	    bergdb.WithDataDir("./data"),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	_ = db.Insert(ctx, 1, vec, `{"title":"first"}`)
//	results, _ := db.Search(ctx, query, 10)
//
// Sealed segments can also live in object storage; see blobstore/s3 and
// blobstore/minio.
package bergdb

import (
	"context"
	"os"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/hupe1980/bergdb/batch"
	"github.com/hupe1980/bergdb/blobstore"
	"github.com/hupe1980/bergdb/index/hnsw"
	"github.com/hupe1980/bergdb/store"
)

// SearchResult is one search hit enriched with the record's metadata.
type SearchResult struct {
	ID       uint64
	Distance float32
	Metadata string
}

// Stats summarise the database state.
type Stats struct {
	Dimension     int
	TotalRecords  int
	LiveRecords   int
	IndexSize     int
	SegmentCount  int
	SnapshotCount int
}

// DB composes the segment store with an HNSW index. The store has its own
// lock; db.mu guards the index and the mapping from ANN node id to primary
// key.
type DB struct {
	dim   int
	opts  options
	store *store.Store

	mu    sync.RWMutex
	index *hnsw.Index
	// annIDs maps ANN-internal node ids, which are assigned sequentially
	// at insert, to record primary keys. Rebuilt on compaction.
	annIDs []uint64

	logger    *Logger
	compactor *compactor
}

// New creates a database for vectors of the given dimension. Sealed
// segments go to the configured blob store, the data directory, or a fresh
// temp directory, in that order of preference.
func New(dim int, optFns ...Option) (*DB, error) {
	if dim <= 0 {
		return nil, &ErrInvalidDimension{Dimension: dim}
	}
	opts := applyOptions(optFns...)

	blobs := opts.blobStore
	if blobs == nil {
		dir := opts.dataDir
		if dir == "" {
			var err error
			if dir, err = os.MkdirTemp("", "bergdb-*"); err != nil {
				return nil, err
			}
		}
		var err error
		if blobs, err = blobstore.NewLocal(dir); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(dim, opts.segmentCapacity, blobs, func(o *store.Options) {
		o.Logger = opts.logger.Logger
	})
	if err != nil {
		return nil, err
	}

	db := &DB{
		dim:    dim,
		opts:   opts,
		store:  st,
		logger: opts.logger,
	}
	db.index = db.newIndex()

	if opts.autoCompaction {
		db.compactor = newCompactor(db, opts.compactionInterval, opts.compactionThreshold)
		db.compactor.start()
	}
	return db, nil
}

func (db *DB) newIndex() *hnsw.Index {
	return hnsw.New(func(o *hnsw.Options) {
		o.M = db.opts.m
		o.EFConstruction = db.opts.efConstruction
		o.EFSearch = db.opts.efSearch
		o.RandomSeed = db.opts.randomSeed
	})
}

// Dimension returns the configured vector dimension.
func (db *DB) Dimension() int {
	return db.dim
}

// Insert stores one record and indexes its vector.
func (db *DB) Insert(ctx context.Context, id uint64, embedding []float32, metadata string) error {
	if len(embedding) != db.dim {
		err := &ErrDimensionMismatch{Expected: db.dim, Actual: len(embedding)}
		db.logger.LogInsert(ctx, id, len(embedding), err)
		return err
	}
	if err := db.store.Insert(ctx, id, embedding, metadata); err != nil {
		db.logger.LogInsert(ctx, id, len(embedding), err)
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.index.Insert(embedding); err != nil {
		return err
	}
	db.annIDs = append(db.annIDs, id)
	db.logger.LogInsert(ctx, id, len(embedding), nil)
	return nil
}

// BulkInsert stores count = len(flat)/dim records read from the flat vector
// buffer and indexes them. metadata is optional: nil leaves every record
// without metadata. Returns the number of rows ingested.
func (db *DB) BulkInsert(ctx context.Context, ids []uint64, flat []float32, metadata []string) (int, error) {
	if len(flat)%db.dim != 0 {
		err := &batch.ErrMisalignedVectors{Length: len(flat), Dim: db.dim}
		db.logger.LogBatchInsert(ctx, 0, err)
		return 0, err
	}
	count := len(flat) / db.dim

	if err := db.store.BulkInsert(ctx, ids, flat, count, db.dim, metadata); err != nil {
		db.logger.LogBatchInsert(ctx, count, err)
		return 0, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for i := 0; i < count; i++ {
		if _, err := db.index.Insert(flat[i*db.dim : (i+1)*db.dim]); err != nil {
			return i, err
		}
		db.annIDs = append(db.annIDs, ids[i])
	}
	db.logger.LogBatchInsert(ctx, count, nil)
	return count, nil
}

// IngestBatch validates the batch schema and ingests its rows: id and
// embedding are required, metadata is optional. The raw id and float
// buffers are handed to the store without per-row copies. Returns the row
// count.
func (db *DB) IngestBatch(ctx context.Context, rec arrow.Record) (int, error) {
	ids, err := batch.IDs(rec)
	if err != nil {
		return 0, &ErrSchemaViolation{Column: batch.ColID, Reason: err.Error()}
	}
	flat, dim, err := batch.Embeddings(rec)
	if err != nil {
		return 0, &ErrSchemaViolation{Column: batch.ColEmbedding, Reason: err.Error()}
	}
	if dim != db.dim {
		return 0, &ErrDimensionMismatch{Expected: db.dim, Actual: dim}
	}
	metadata, err := batch.Metadata(rec)
	if err != nil {
		return 0, &ErrSchemaViolation{Column: batch.ColMetadata, Reason: err.Error()}
	}
	return db.BulkInsert(ctx, ids, flat, metadata)
}

// Search returns up to k live records nearest to query, ascending by
// Euclidean distance. Candidates are resolved to store records by primary
// key, so records deleted after indexing are dropped from the result.
func (db *DB) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if len(query) != db.dim {
		return nil, &ErrDimensionMismatch{Expected: db.dim, Actual: len(query)}
	}
	if k < 1 {
		return nil, ErrInvalidK
	}

	ef := 2 * k
	if ef < 50 {
		ef = 50
	}

	db.mu.RLock()
	candidates, err := db.index.Search(query, k, ef)
	if err != nil {
		db.mu.RUnlock()
		db.logger.LogSearch(ctx, k, 0, err)
		return nil, err
	}
	pks := make([]uint64, len(candidates))
	for i, c := range candidates {
		pks[i] = db.annIDs[c.ID]
	}
	db.mu.RUnlock()

	live, err := db.store.ScanAll(ctx)
	if err != nil {
		db.logger.LogSearch(ctx, k, 0, err)
		return nil, err
	}
	byPK := make(map[uint64]store.Record, len(live))
	for _, r := range live {
		byPK[r.ID] = r
	}

	results := make([]SearchResult, 0, k)
	for i, c := range candidates {
		r, ok := byPK[pks[i]]
		if !ok {
			continue
		}
		results = append(results, SearchResult{
			ID:       r.ID,
			Distance: c.Distance,
			Metadata: r.Metadata,
		})
		if len(results) == k {
			break
		}
	}
	db.logger.LogSearch(ctx, k, len(results), nil)
	return results, nil
}

// Delete tombstones the record. The ANN graph is untouched until the next
// compaction; search filters deleted candidates by primary key.
func (db *DB) Delete(ctx context.Context, id uint64) {
	db.store.Delete(id)
	db.logger.LogDelete(ctx, id)
}

// Flush seals the active segment if it holds any records.
func (db *DB) Flush(ctx context.Context) error {
	return db.store.Flush(ctx)
}

// CompactAndRebuild compacts sealed segments at or above the tombstone
// threshold (clamped to [0,1]) and rebuilds the ANN index from the
// surviving records in scan order. Returns the number of reclaimed rows.
func (db *DB) CompactAndRebuild(ctx context.Context, threshold float64) (int, error) {
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}

	reclaimed, err := db.store.Compact(ctx, threshold)
	if err != nil {
		db.logger.LogCompaction(ctx, 0, err)
		return 0, err
	}
	live, err := db.store.ScanAll(ctx)
	if err != nil {
		db.logger.LogCompaction(ctx, 0, err)
		return 0, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	fresh := db.newIndex()
	annIDs := make([]uint64, 0, len(live))
	for _, r := range live {
		if _, err := fresh.Insert(r.Vector); err != nil {
			return 0, err
		}
		annIDs = append(annIDs, r.ID)
	}
	db.index = fresh
	db.annIDs = annIDs
	db.logger.LogCompaction(ctx, reclaimed, nil)
	return reclaimed, nil
}

// Stats returns a consistent-enough summary for monitoring; each counter is
// read under its own lock.
func (db *DB) Stats() Stats {
	db.mu.RLock()
	indexSize := db.index.Size()
	db.mu.RUnlock()

	return Stats{
		Dimension:     db.dim,
		TotalRecords:  db.store.TotalRecords(),
		LiveRecords:   db.store.TotalLiveRecords(),
		IndexSize:     indexSize,
		SegmentCount:  db.store.SealedSegmentCount(),
		SnapshotCount: db.store.SnapshotCount(),
	}
}

// Close stops background work. The store needs no teardown; sealed files
// simply remain in the blob store.
func (db *DB) Close() error {
	if db.compactor != nil {
		db.compactor.stop()
	}
	return nil
}
