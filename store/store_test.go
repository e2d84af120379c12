package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bergdb/blobstore"
	"github.com/hupe1980/bergdb/testutil"
)

func newTestStore(t *testing.T, dim, capacity int) (*Store, *blobstore.Memory) {
	t.Helper()
	blobs := blobstore.NewMemory()
	s, err := Open(dim, capacity, blobs)
	require.NoError(t, err)
	return s, blobs
}

func TestOpenValidation(t *testing.T) {
	blobs := blobstore.NewMemory()

	_, err := Open(0, 10, blobs)
	assert.Error(t, err)

	_, err = Open(4, 0, blobs)
	assert.Error(t, err)

	_, err = Open(4, 10, nil)
	assert.Error(t, err)
}

func TestOpenCommitsInitialSnapshot(t *testing.T) {
	s, _ := newTestStore(t, 4, 10)
	assert.Equal(t, 1, s.SnapshotCount())

	snap, ok := s.SnapshotAt(0)
	require.True(t, ok)
	assert.Equal(t, 0, snap.ID)
	assert.Empty(t, snap.Segments)

	_, ok = s.SnapshotAt(1)
	assert.False(t, ok)
}

func TestInsertDimensionMismatch(t *testing.T) {
	s, _ := newTestStore(t, 4, 10)
	err := s.Insert(context.Background(), 1, []float32{1, 2}, "")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSealOnCapacity(t *testing.T) {
	ctx := context.Background()
	s, blobs := newTestStore(t, 2, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Insert(ctx, uint64(i), []float32{float32(i), 0}, ""))
	}
	assert.Equal(t, 1, s.SealedSegmentCount())
	assert.Equal(t, 1, blobs.Len())
	assert.Equal(t, 3, s.TotalRecords())
	assert.Equal(t, 2, s.SnapshotCount())

	snap, ok := s.SnapshotAt(1)
	require.True(t, ok)
	assert.Equal(t, []uint64{0}, snap.Segments)
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2, 10)

	// Flushing an empty active segment is a no-op.
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, s.SealedSegmentCount())
	assert.Equal(t, 1, s.SnapshotCount())

	require.NoError(t, s.Insert(ctx, 1, []float32{1, 2}, ""))
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, s.SealedSegmentCount())
	assert.Equal(t, 2, s.SnapshotCount())
}

func TestScanAllOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2, 2)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Insert(ctx, uint64(10+i), []float32{float32(i), float32(i)}, ""))
	}
	assert.Equal(t, 2, s.SealedSegmentCount())

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, uint64(10+i), r.ID)
		assert.Equal(t, []float32{float32(i), float32(i)}, r.Vector)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2, 2)

	require.NoError(t, s.Insert(ctx, 1, []float32{1, 2}, "alpha"))
	require.NoError(t, s.Insert(ctx, 2, []float32{3, 4}, "beta"))
	require.NoError(t, s.Insert(ctx, 3, []float32{5, 6}, ""))

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "alpha", records[0].Metadata)
	assert.Equal(t, "beta", records[1].Metadata)
	assert.Equal(t, "", records[2].Metadata)
}

func TestDeleteInActiveSegment(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2, 10)

	require.NoError(t, s.Insert(ctx, 1, []float32{1, 2}, ""))
	require.NoError(t, s.Insert(ctx, 2, []float32{3, 4}, ""))
	s.Delete(1)

	assert.Equal(t, 2, s.TotalRecords())
	assert.Equal(t, 1, s.TotalLiveRecords())

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(2), records[0].ID)
}

func TestDeleteTombstonesEverySealedSegment(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2, 2)

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.Insert(ctx, uint64(i), []float32{float32(i), 0}, ""))
	}
	require.Equal(t, 2, s.SealedSegmentCount())

	// The id lives in the first sealed segment only, but deletes cannot
	// scan sealed files, so every sealed set picks it up.
	s.Delete(1)
	assert.Equal(t, 2, s.TotalLiveRecords())

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.NotEqual(t, uint64(1), r.ID)
	}
}

func TestCompactReclaimsAndMerges(t *testing.T) {
	ctx := context.Background()
	s, blobs := newTestStore(t, 2, 3)

	for i := 1; i <= 6; i++ {
		require.NoError(t, s.Insert(ctx, uint64(i), []float32{float32(i), 0}, ""))
	}
	require.Equal(t, 2, s.SealedSegmentCount())
	require.Equal(t, 2, blobs.Len())

	s.Delete(1)
	s.Delete(2)
	s.Delete(3)

	reclaimed, err := s.Compact(ctx, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 3, reclaimed)
	assert.Equal(t, 1, s.SealedSegmentCount())
	assert.Equal(t, 1, blobs.Len())
	assert.Equal(t, 3, s.TotalRecords())
	assert.Equal(t, 3, s.TotalLiveRecords())

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, uint64(4+i), r.ID)
	}
}

func TestCompactDropsFullyDeadSegments(t *testing.T) {
	ctx := context.Background()
	s, blobs := newTestStore(t, 2, 2)

	require.NoError(t, s.Insert(ctx, 1, []float32{1, 0}, ""))
	require.NoError(t, s.Insert(ctx, 2, []float32{2, 0}, ""))
	require.Equal(t, 1, s.SealedSegmentCount())

	s.Delete(1)
	s.Delete(2)

	reclaimed, err := s.Compact(ctx, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed)
	assert.Equal(t, 0, s.SealedSegmentCount())
	assert.Equal(t, 0, blobs.Len())
	assert.Equal(t, 0, s.TotalLiveRecords())
}

func TestCompactNothingDirty(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2, 2)

	require.NoError(t, s.Insert(ctx, 1, []float32{1, 0}, ""))
	require.NoError(t, s.Insert(ctx, 2, []float32{2, 0}, ""))
	before := s.SnapshotCount()

	reclaimed, err := s.Compact(ctx, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
	assert.Equal(t, 1, s.SealedSegmentCount())
	// Compaction commits a snapshot even when no segment qualifies.
	assert.Equal(t, before+1, s.SnapshotCount())
}

func TestBulkInsertSealsMultipleTimes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2, 2)

	vecs := testutil.RandomVectors(5, 2, 1)
	ids := []uint64{1, 2, 3, 4, 5}
	require.NoError(t, s.BulkInsert(ctx, ids, testutil.Flatten(vecs), 5, 2, nil))

	assert.Equal(t, 2, s.SealedSegmentCount())
	assert.Equal(t, 5, s.TotalRecords())

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, ids[i], r.ID)
		assert.Equal(t, vecs[i], r.Vector)
	}
}

func TestBulkInsertWithMetadata(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2, 10)

	flat := []float32{1, 2, 3, 4}
	require.NoError(t, s.BulkInsert(ctx, []uint64{1, 2}, flat, 2, 2, []string{"a", "b"}))

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Metadata)
	assert.Equal(t, "b", records[1].Metadata)
}

func TestBulkInsertValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2, 10)

	err := s.BulkInsert(ctx, []uint64{1}, []float32{1, 2, 3}, 1, 3, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = s.BulkInsert(ctx, []uint64{1}, []float32{1, 2, 3}, 1, 2, nil)
	assert.Error(t, err)

	err = s.BulkInsert(ctx, []uint64{1, 2}, []float32{1, 2}, 1, 2, nil)
	assert.Error(t, err)

	err = s.BulkInsert(ctx, []uint64{1}, []float32{1, 2}, 1, 2, []string{"a", "b"})
	assert.Error(t, err)
}

func TestInsertCopiesVector(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2, 10)

	v := []float32{1, 2}
	require.NoError(t, s.Insert(ctx, 1, v, ""))
	v[0] = 99

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []float32{1, 2}, records[0].Vector)
}

func TestLocalBlobStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	s, err := Open(2, 2, blobs)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.Insert(ctx, uint64(i), []float32{float32(i), 1}, "m"))
	}
	require.Equal(t, 2, s.SealedSegmentCount())

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 4)
	for i, r := range records {
		assert.Equal(t, uint64(i+1), r.ID)
		assert.Equal(t, "m", r.Metadata)
	}
}
