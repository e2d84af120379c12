package bergdb

import (
	"time"

	"github.com/hupe1980/bergdb/blobstore"
)

type options struct {
	segmentCapacity int
	dataDir         string
	blobStore       blobstore.Store

	m              int
	efConstruction int
	efSearch       int
	randomSeed     int64

	logger *Logger

	autoCompaction      bool
	compactionInterval  time.Duration
	compactionThreshold float64
}

// Option customises a DB.
type Option func(*options)

func defaultOptions() options {
	return options{
		segmentCapacity:     1000,
		m:                   16,
		efConstruction:      200,
		efSearch:            50,
		randomSeed:          42,
		logger:              NoopLogger(),
		compactionInterval:  time.Minute,
		compactionThreshold: 0.3,
	}
}

func applyOptions(optFns ...Option) options {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// WithSegmentCapacity sets how many records the active segment holds before
// it seals.
func WithSegmentCapacity(capacity int) Option {
	return func(o *options) {
		o.segmentCapacity = capacity
	}
}

// WithDataDir sets the directory for sealed segment files. Ignored when a
// blob store is configured explicitly.
func WithDataDir(dir string) Option {
	return func(o *options) {
		o.dataDir = dir
	}
}

// WithBlobStore sets the blob store backing sealed segments, overriding the
// default local store under the data directory.
func WithBlobStore(bs blobstore.Store) Option {
	return func(o *options) {
		o.blobStore = bs
	}
}

// WithM sets the HNSW connectivity parameter.
func WithM(m int) Option {
	return func(o *options) {
		o.m = m
	}
}

// WithEFConstruction sets the HNSW build beam width.
func WithEFConstruction(ef int) Option {
	return func(o *options) {
		o.efConstruction = ef
	}
}

// WithEFSearch sets the default HNSW query beam width.
func WithEFSearch(ef int) Option {
	return func(o *options) {
		o.efSearch = ef
	}
}

// WithRandomSeed seeds the HNSW level generator.
func WithRandomSeed(seed int64) Option {
	return func(o *options) {
		o.randomSeed = seed
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAutoCompaction enables the background compaction loop with the given
// check interval and tombstone threshold.
func WithAutoCompaction(interval time.Duration, threshold float64) Option {
	return func(o *options) {
		o.autoCompaction = true
		o.compactionInterval = interval
		o.compactionThreshold = threshold
	}
}
