// Package store implements the segment store: an in-memory active segment
// that seals into immutable Parquet files once it reaches capacity, plus
// soft deletes via tombstone bitmaps, snapshots of the sealed-segment set,
// and compaction that rewrites heavily tombstoned segments.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/bergdb/blobstore"
)

// ErrDimensionMismatch is returned when an embedding does not match the
// store's configured dimension.
var ErrDimensionMismatch = errors.New("store: dimension mismatch")

// Record is a single stored row.
type Record struct {
	ID       uint64
	Vector   []float32
	Metadata string
}

// Snapshot captures the sealed-segment set at a point in time.
type Snapshot struct {
	// ID is the snapshot's position in the history.
	ID int
	// Timestamp is wall-clock milliseconds at commit time.
	Timestamp int64
	// Segments lists the live sealed segment ids in seal order.
	Segments []uint64
}

// Options configure a store.
type Options struct {
	// Logger receives seal and compaction events.
	Logger *slog.Logger
	// ScanConcurrency bounds how many sealed segment files are read in
	// parallel by ScanAll and Compact.
	ScanConcurrency int64
}

// DefaultOptions are the store parameters used when no overrides are given.
var DefaultOptions = Options{
	ScanConcurrency: 4,
}

type activeSegment struct {
	id         uint64
	records    []Record
	tombstones *roaring64.Bitmap
}

func newActiveSegment(id uint64) *activeSegment {
	return &activeSegment{id: id, tombstones: roaring64.New()}
}

type sealedSegment struct {
	id         uint64
	key        string
	numRecords int
	tombstones *roaring64.Bitmap
}

// liveCount is numRecords minus the tombstone cardinality, clamped at zero.
// Deletes over-approximate on sealed segments, so the cardinality can exceed
// the rows actually present.
func (s *sealedSegment) liveCount() int {
	dead := int(s.tombstones.GetCardinality())
	if dead > s.numRecords {
		dead = s.numRecords
	}
	return s.numRecords - dead
}

func (s *sealedSegment) tombstoneRatio() float64 {
	if s.numRecords == 0 {
		return 0
	}
	return float64(s.tombstones.GetCardinality()) / float64(s.numRecords)
}

// Store owns the active segment, the sealed segment descriptors and the
// snapshot history. A single mutex serialises every public operation,
// including reads; critical sections may perform blob I/O.
type Store struct {
	mu sync.Mutex

	dim      int
	capacity int
	blobs    blobstore.Store
	logger   *slog.Logger
	sem      *semaphore.Weighted

	active    *activeSegment
	sealed    []*sealedSegment
	snapshots []Snapshot
	nextSegID uint64
}

// Open creates a store over the given blob store and commits the initial
// snapshot. Sealing triggers once the active segment holds capacity records.
func Open(dim, capacity int, blobs blobstore.Store, optFns ...func(*Options)) (*Store, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("store: dimension must be positive, got %d", dim)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("store: segment capacity must be positive, got %d", capacity)
	}
	if blobs == nil {
		return nil, fmt.Errorf("store: blob store must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.ScanConcurrency < 1 {
		opts.ScanConcurrency = 1
	}

	s := &Store{
		dim:      dim,
		capacity: capacity,
		blobs:    blobs,
		logger:   opts.Logger,
		sem:      semaphore.NewWeighted(opts.ScanConcurrency),
	}
	s.active = newActiveSegment(s.nextSegmentID())
	s.commitSnapshotLocked()
	return s, nil
}

func (s *Store) nextSegmentID() uint64 {
	id := s.nextSegID
	s.nextSegID++
	return id
}

func segmentKey(id uint64) string {
	return fmt.Sprintf("segment_%d.parquet", id)
}

// Dimension returns the configured vector dimension.
func (s *Store) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim
}

// Insert appends one record to the active segment, sealing it if the append
// reaches capacity.
func (s *Store) Insert(ctx context.Context, id uint64, embedding []float32, metadata string) error {
	if len(embedding) != s.dim {
		return fmt.Errorf("store: embedding has %d components, want %d: %w", len(embedding), s.dim, ErrDimensionMismatch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(ctx, id, embedding, metadata)
}

func (s *Store) insertLocked(ctx context.Context, id uint64, embedding []float32, metadata string) error {
	s.active.records = append(s.active.records, Record{
		ID:       id,
		Vector:   append([]float32(nil), embedding...),
		Metadata: metadata,
	})
	if len(s.active.records) >= s.capacity {
		return s.sealLocked(ctx)
	}
	return nil
}

// BulkInsert appends count rows read from the flat vector buffer. metadata
// is optional: nil leaves every row without metadata. The active segment may
// seal multiple times during one call; the whole call happens under the lock
// so readers never observe a partial batch.
func (s *Store) BulkInsert(ctx context.Context, ids []uint64, flat []float32, count, dim int, metadata []string) error {
	if dim != s.dim {
		return fmt.Errorf("store: batch has dimension %d, want %d: %w", dim, s.dim, ErrDimensionMismatch)
	}
	if len(flat) != count*dim {
		return fmt.Errorf("store: flat buffer has %d floats for %d rows of dimension %d", len(flat), count, dim)
	}
	if len(ids) != count {
		return fmt.Errorf("store: got %d ids for %d rows", len(ids), count)
	}
	if metadata != nil && len(metadata) != count {
		return fmt.Errorf("store: got %d metadata entries for %d rows", len(metadata), count)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < count; i++ {
		var md string
		if metadata != nil {
			md = metadata[i]
		}
		if err := s.insertLocked(ctx, ids[i], flat[i*dim:(i+1)*dim], md); err != nil {
			return err
		}
	}
	return nil
}

// Delete tombstones id. If the id lives in the active segment it is
// tombstoned there; otherwise it is added to every sealed segment's set,
// because sealed files are not scanned at delete time.
func (s *Store) Delete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.active.records {
		if r.ID == id {
			s.active.tombstones.Add(id)
			return
		}
	}
	for _, seg := range s.sealed {
		seg.tombstones.Add(id)
	}
}

// Flush seals the active segment if it holds any records.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active.records) == 0 {
		return nil
	}
	return s.sealLocked(ctx)
}

// sealLocked writes the active segment's records to a Parquet file, records
// the file key and row count in a sealed descriptor that takes over the
// segment's tombstones, installs a fresh active segment and commits a
// snapshot.
func (s *Store) sealLocked(ctx context.Context) error {
	data, err := encodeSegment(s.dim, s.active.records)
	if err != nil {
		return err
	}
	key := segmentKey(s.active.id)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store: write segment %q: %w", key, err)
	}

	s.sealed = append(s.sealed, &sealedSegment{
		id:         s.active.id,
		key:        key,
		numRecords: len(s.active.records),
		tombstones: s.active.tombstones,
	})
	s.logger.Debug("sealed segment",
		slog.Uint64("segment", s.active.id),
		slog.Int("records", len(s.active.records)),
		slog.Int("bytes", len(data)),
	)
	s.active = newActiveSegment(s.nextSegmentID())
	s.commitSnapshotLocked()
	return nil
}

func (s *Store) commitSnapshotLocked() {
	segs := make([]uint64, len(s.sealed))
	for i, seg := range s.sealed {
		segs[i] = seg.id
	}
	s.snapshots = append(s.snapshots, Snapshot{
		ID:        len(s.snapshots),
		Timestamp: time.Now().UnixMilli(),
		Segments:  segs,
	})
}

// readSealed loads a sealed segment's rows and filters its tombstones.
func (s *Store) readSealed(ctx context.Context, seg *sealedSegment) ([]Record, error) {
	blob, err := s.blobs.Open(ctx, seg.key)
	if err != nil {
		return nil, fmt.Errorf("store: open segment %q: %w", seg.key, err)
	}
	defer blob.Close()

	data, err := blobstore.ReadAll(blob)
	if err != nil {
		return nil, fmt.Errorf("store: read segment %q: %w", seg.key, err)
	}
	records, err := decodeSegment(ctx, s.dim, data)
	if err != nil {
		return nil, err
	}

	live := records[:0]
	for _, r := range records {
		if seg.tombstones.Contains(r.ID) {
			continue
		}
		live = append(live, r)
	}
	return live, nil
}

// ScanAll returns every live record: sealed segments in seal order, then the
// active segment in insertion order. Sealed files are read concurrently but
// assembled strictly in seal order.
func (s *Store) ScanAll(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := make([][]Record, len(s.sealed))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range s.sealed {
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)
			live, err := s.readSealed(gctx, seg)
			if err != nil {
				return err
			}
			parts[i] = live
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Record
	for _, part := range parts {
		all = append(all, part...)
	}
	for _, r := range s.active.records {
		if s.active.tombstones.Contains(r.ID) {
			continue
		}
		all = append(all, r)
	}
	return all, nil
}

// Compact rewrites sealed segments whose tombstone ratio reaches threshold.
// Dirty segments are read in parallel, their live rows merged into a single
// fresh sealed segment and their files deleted. Returns the number of rows
// reclaimed.
func (s *Store) Compact(ctx context.Context, threshold float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var clean, dirty []*sealedSegment
	for _, seg := range s.sealed {
		if seg.tombstoneRatio() >= threshold {
			dirty = append(dirty, seg)
		} else {
			clean = append(clean, seg)
		}
	}

	parts := make([][]Record, len(dirty))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range dirty {
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)
			live, err := s.readSealed(gctx, seg)
			if err != nil {
				return err
			}
			parts[i] = live
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var reclaimed int
	var survivors []Record
	for i, seg := range dirty {
		reclaimed += seg.numRecords - len(parts[i])
		survivors = append(survivors, parts[i]...)
		if err := s.blobs.Delete(ctx, seg.key); err != nil {
			return 0, fmt.Errorf("store: delete segment %q: %w", seg.key, err)
		}
	}

	if len(survivors) > 0 {
		data, err := encodeSegment(s.dim, survivors)
		if err != nil {
			return 0, err
		}
		id := s.nextSegmentID()
		key := segmentKey(id)
		if err := s.blobs.Put(ctx, key, data); err != nil {
			return 0, fmt.Errorf("store: write segment %q: %w", key, err)
		}
		clean = append(clean, &sealedSegment{
			id:         id,
			key:        key,
			numRecords: len(survivors),
			tombstones: roaring64.New(),
		})
	}

	s.sealed = clean
	s.commitSnapshotLocked()
	s.logger.Info("compacted store",
		slog.Int("rewritten", len(dirty)),
		slog.Int("reclaimed", reclaimed),
		slog.Int("sealed", len(s.sealed)),
	)
	return reclaimed, nil
}

// TotalRecords counts stored rows, tombstoned or not.
func (s *Store) TotalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.active.records)
	for _, seg := range s.sealed {
		total += seg.numRecords
	}
	return total
}

// TotalLiveRecords counts rows that a ScanAll would return.
func (s *Store) TotalLiveRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var live int
	for _, r := range s.active.records {
		if !s.active.tombstones.Contains(r.ID) {
			live++
		}
	}
	for _, seg := range s.sealed {
		live += seg.liveCount()
	}
	return live
}

// SealedSegmentCount returns the number of sealed segments.
func (s *Store) SealedSegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sealed)
}

// SnapshotCount returns the length of the snapshot history.
func (s *Store) SnapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// SnapshotAt returns the i-th snapshot.
func (s *Store) SnapshotAt(i int) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.snapshots) {
		return Snapshot{}, false
	}
	return s.snapshots[i], true
}
