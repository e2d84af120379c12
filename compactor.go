package bergdb

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// compactor periodically compacts the store and rebuilds the index. A rate
// limiter caps how often a cycle may actually run, so a short check
// interval cannot flood the store with rewrites.
type compactor struct {
	db        *DB
	interval  time.Duration
	threshold float64
	limiter   *rate.Limiter

	done chan struct{}
	wg   sync.WaitGroup
}

func newCompactor(db *DB, interval time.Duration, threshold float64) *compactor {
	return &compactor{
		db:        db,
		interval:  interval,
		threshold: threshold,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		done:      make(chan struct{}),
	}
}

func (c *compactor) start() {
	c.wg.Add(1)
	go c.run()
}

func (c *compactor) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.limiter.Allow() {
				continue
			}
			if _, err := c.db.CompactAndRebuild(context.Background(), c.threshold); err != nil {
				c.db.logger.Error("auto compaction failed", "error", err)
			}
		}
	}
}

func (c *compactor) stop() {
	close(c.done)
	c.wg.Wait()
}
