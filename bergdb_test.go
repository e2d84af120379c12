package bergdb_test

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bergdb"
	"github.com/hupe1980/bergdb/batch"
	"github.com/hupe1980/bergdb/blobstore"
	"github.com/hupe1980/bergdb/testutil"
)

func newTestDB(t *testing.T, dim, capacity int, optFns ...bergdb.Option) *bergdb.DB {
	t.Helper()
	opts := append([]bergdb.Option{
		bergdb.WithBlobStore(blobstore.NewMemory()),
		bergdb.WithSegmentCapacity(capacity),
	}, optFns...)
	db, err := bergdb.New(dim, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewInvalidDimension(t *testing.T) {
	_, err := bergdb.New(0)
	var ie *bergdb.ErrInvalidDimension
	assert.ErrorAs(t, err, &ie)
}

func TestAutoSeal(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 2, 3)

	for i := 1; i <= 4; i++ {
		require.NoError(t, db.Insert(ctx, uint64(i), []float32{float32(i), 0}, ""))
	}

	stats := db.Stats()
	assert.Equal(t, 1, stats.SegmentCount)
	assert.Equal(t, 4, stats.TotalRecords)
	assert.Equal(t, 4, stats.LiveRecords)
	assert.Equal(t, 4, stats.IndexSize)
}

func TestTombstoneFilter(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 2, 100)

	require.NoError(t, db.Insert(ctx, 1, []float32{1, 2}, ""))
	require.NoError(t, db.Insert(ctx, 2, []float32{3, 4}, ""))
	require.NoError(t, db.Insert(ctx, 3, []float32{5, 6}, ""))
	db.Delete(ctx, 2)

	stats := db.Stats()
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 2, stats.LiveRecords)

	results, err := db.Search(ctx, []float32{3, 4}, 3)
	require.NoError(t, err)
	got := make([]uint64, len(results))
	for i, r := range results {
		got[i] = r.ID
	}
	assert.ElementsMatch(t, []uint64{1, 3}, got)
}

func TestCompactionReclaim(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 2, 3)

	for i := 1; i <= 6; i++ {
		require.NoError(t, db.Insert(ctx, uint64(i), []float32{float32(i), 0}, ""))
	}
	db.Delete(ctx, 1)
	db.Delete(ctx, 2)

	reclaimed, err := db.CompactAndRebuild(ctx, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed)
	assert.Equal(t, 4, db.Stats().LiveRecords)
}

func TestKnownNearest(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 4, 100)

	require.NoError(t, db.Insert(ctx, 1, []float32{1, 0, 0, 0}, ""))
	require.NoError(t, db.Insert(ctx, 2, []float32{0, 1, 0, 0}, ""))
	require.NoError(t, db.Insert(ctx, 3, []float32{0, 0, 1, 0}, ""))
	require.NoError(t, db.Insert(ctx, 4, []float32{1, 1, 0, 0}, ""))

	results, err := db.Search(ctx, []float32{0.9, 0.9, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(4), results[0].ID)
	want := float32(math.Sqrt(0.02))
	assert.LessOrEqual(t, results[0].Distance, want+1e-5)
}

func TestCompactAndRebuildConsistency(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 2, 3)

	for i := 1; i <= 6; i++ {
		require.NoError(t, db.Insert(ctx, uint64(i), []float32{float32(i), float32(i)}, ""))
	}
	db.Delete(ctx, 1)
	db.Delete(ctx, 2)

	_, err := db.CompactAndRebuild(ctx, 0.5)
	require.NoError(t, err)

	results, err := db.Search(ctx, []float32{5, 5}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(5), results[0].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-5)
}

func TestSearchEmpty(t *testing.T) {
	db := newTestDB(t, 2, 10)
	results, err := db.Search(context.Background(), []float32{1, 2}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestInsertDimensionMismatch(t *testing.T) {
	db := newTestDB(t, 4, 10)
	err := db.Insert(context.Background(), 1, []float32{1, 2}, "")

	var dm *bergdb.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 2, dm.Actual)
}

func TestSearchValidation(t *testing.T) {
	db := newTestDB(t, 2, 10)

	_, err := db.Search(context.Background(), []float32{1}, 5)
	var dm *bergdb.ErrDimensionMismatch
	assert.ErrorAs(t, err, &dm)

	_, err = db.Search(context.Background(), []float32{1, 2}, 0)
	assert.ErrorIs(t, err, bergdb.ErrInvalidK)
}

func TestIngestBatch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 2, 100)

	b, err := batch.NewBuilder(2)
	require.NoError(t, err)
	defer b.Release()
	require.NoError(t, b.AppendRows(
		[]uint64{1, 2, 3},
		[]float32{1, 0, 0, 1, 1, 1},
		[]string{"one", "two", "three"},
	))
	rec := b.NewRecord()
	defer rec.Release()

	count, err := db.IngestBatch(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	results, err := db.Search(ctx, []float32{1, 1}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(3), results[0].ID)
	assert.Equal(t, "three", results[0].Metadata)
}

func TestIngestBatchDimensionMismatch(t *testing.T) {
	db := newTestDB(t, 2, 100)

	b, err := batch.NewBuilder(3)
	require.NoError(t, err)
	defer b.Release()
	require.NoError(t, b.AppendRows([]uint64{1}, []float32{1, 2, 3}, nil))
	rec := b.NewRecord()
	defer rec.Release()

	_, err = db.IngestBatch(context.Background(), rec)
	var dm *bergdb.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 2, dm.Expected)
	assert.Equal(t, 3, dm.Actual)
}

func TestBulkInsertMisaligned(t *testing.T) {
	db := newTestDB(t, 2, 100)

	_, err := db.BulkInsert(context.Background(), []uint64{1, 2}, []float32{1, 2, 3}, nil)
	var mv *batch.ErrMisalignedVectors
	require.ErrorAs(t, err, &mv)
	assert.Equal(t, 3, mv.Length)
	assert.Equal(t, 2, mv.Dim)
}

func TestBulkInsertMultiSeal(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 2, 2)

	vecs := testutil.RandomVectors(5, 2, 4)
	ids := []uint64{10, 20, 30, 40, 50}
	meta := []string{"a", "b", "c", "d", "e"}

	count, err := db.BulkInsert(ctx, ids, testutil.Flatten(vecs), meta)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	stats := db.Stats()
	assert.Equal(t, 2, stats.SegmentCount)
	assert.Equal(t, 5, stats.TotalRecords)

	results, err := db.Search(ctx, vecs[2], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(30), results[0].ID)
	assert.Equal(t, "c", results[0].Metadata)
}

func TestRecallAt10(t *testing.T) {
	const (
		n   = 1000
		dim = 32
		k   = 10
	)
	ctx := context.Background()
	db := newTestDB(t, dim, 10_000)

	vecs := testutil.RandomVectors(n, dim, 42)
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = uint64(i)
	}
	_, err := db.BulkInsert(ctx, ids, testutil.Flatten(vecs), nil)
	require.NoError(t, err)

	queries := testutil.RandomVectors(10, dim, 7)
	var total float64
	for _, q := range queries {
		exact := testutil.BruteForceKNN(vecs, q, k)
		results, err := db.Search(ctx, q, k)
		require.NoError(t, err)
		approx := make([]uint64, len(results))
		for i, r := range results {
			approx[i] = r.ID
		}
		total += testutil.Recall(approx, exact)
	}
	mean := total / 10
	assert.GreaterOrEqual(t, mean, 0.7, "mean recall@10 = %.3f", mean)
}

func TestAutoCompaction(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 2, 3, bergdb.WithAutoCompaction(10*time.Millisecond, 0.5))

	for i := 1; i <= 6; i++ {
		require.NoError(t, db.Insert(ctx, uint64(i), []float32{float32(i), 0}, ""))
	}
	db.Delete(ctx, 1)
	db.Delete(ctx, 2)

	assert.Eventually(t, func() bool {
		return db.Stats().TotalRecords == 4
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 3, 10)

	require.NoError(t, db.Insert(ctx, 1, []float32{1, 2, 3}, ""))
	stats := db.Stats()
	assert.Equal(t, 3, stats.Dimension)
	assert.Equal(t, 1, stats.TotalRecords)
	assert.Equal(t, 1, stats.LiveRecords)
	assert.Equal(t, 1, stats.IndexSize)
	assert.Equal(t, 0, stats.SegmentCount)
	assert.Equal(t, 1, stats.SnapshotCount)
}

func TestFlushSealsActiveSegment(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 2, 100)

	require.NoError(t, db.Insert(ctx, 1, []float32{1, 2}, ""))
	require.NoError(t, db.Flush(ctx))
	assert.Equal(t, 1, db.Stats().SegmentCount)

	// Flushing again with an empty active segment changes nothing.
	require.NoError(t, db.Flush(ctx))
	assert.Equal(t, 1, db.Stats().SegmentCount)
}

func TestLocalDataDir(t *testing.T) {
	ctx := context.Background()
	db, err := bergdb.New(2,
		bergdb.WithDataDir(t.TempDir()),
		bergdb.WithSegmentCapacity(2),
	)
	require.NoError(t, err)
	defer db.Close()

	for i := 1; i <= 4; i++ {
		require.NoError(t, db.Insert(ctx, uint64(i), []float32{float32(i), 0}, fmt.Sprintf("m%d", i)))
	}
	require.Equal(t, 2, db.Stats().SegmentCount)

	results, err := db.Search(ctx, []float32{3, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(3), results[0].ID)
	assert.Equal(t, "m3", results[0].Metadata)
}
