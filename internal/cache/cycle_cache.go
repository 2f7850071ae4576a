// Package cache implements C5 CycleResultCache: an advisory key-value
// cache of CycleResult values keyed by
// (symbol, timeframe, window_end_ts, strategy_id), used to avoid
// re-evaluating the same deterministic cycle across retried runs.
// Entries expire after the TTL and are swept once a minute; the number of
// entries is not capped. Correctness never depends on a hit.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/pkg/types"
)

const defaultTTL = time.Hour

type entry struct {
	result    types.CycleResult
	expiresAt time.Time
}

// Cache is the C5 implementation. Reads take an RLock (effectively
// lock-free under read-heavy load); inserts take the write lock.
type Cache struct {
	logger *zap.Logger
	ttl    time.Duration

	mu    sync.RWMutex
	items map[string]entry

	stopSweep chan struct{}
}

// New constructs a Cache with the default 1-hour TTL and starts a
// background sweep goroutine to evict expired entries, modeled on the
// periodic-sampler-goroutine idiom used for the executor's metrics.
func New(logger *zap.Logger) *Cache {
	c := &Cache{
		logger:    logger,
		ttl:       defaultTTL,
		items:     make(map[string]entry),
		stopSweep: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Key computes the cache key for one cycle evaluation.
func Key(symbol string, tf types.Timeframe, windowEndTs int64, strategyID string) string {
	h := sha256.New()
	h.Write([]byte(symbol))
	h.Write([]byte(tf))
	h.Write([]byte(strconv.FormatInt(windowEndTs, 10)))
	h.Write([]byte(strategyID))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached CycleResult, or (zero, false) on miss or expiry.
func (c *Cache) Get(key string) (types.CycleResult, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return types.CycleResult{}, false
	}
	return e.result, true
}

// Put inserts or refreshes a cached result. Idempotent.
func (c *Cache) Put(key string, result types.CycleResult) {
	c.mu.Lock()
	c.items[key] = entry{result: result, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Len returns the current entry count, including not-yet-swept expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background sweep goroutine.
func (c *Cache) Close() {
	close(c.stopSweep)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
		}
	}
}
