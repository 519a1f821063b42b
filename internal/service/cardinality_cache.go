package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/lakelink/internal/metrics"
	"github.com/devrev/lakelink/internal/model"
)

// CardinalityCache keeps per-table row counts for a bounded time
type CardinalityCache struct {
	config  *CardinalityCacheConfig
	entries map[model.TableIdentity]cardinalityEntry
	metrics *metrics.Metrics
	logger  *zap.Logger
	mu      sync.Mutex
	now     func() time.Time
}

// CardinalityCacheConfig holds cache configuration
type CardinalityCacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

type cardinalityEntry struct {
	rows     uint64
	complete bool
	expires  time.Time
}

// NewCardinalityCache creates a cache. m may be nil.
func NewCardinalityCache(cfg *CardinalityCacheConfig, m *metrics.Metrics, logger *zap.Logger) *CardinalityCache {
	return &CardinalityCache{
		config:  cfg,
		entries: make(map[model.TableIdentity]cardinalityEntry),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns the cached row count of id. complete is false when some data
// files carried no row count.
func (c *CardinalityCache) Get(id model.TableIdentity) (rows uint64, complete bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[id]
	if !found || !c.now().Before(entry.expires) {
		if found {
			delete(c.entries, id)
			c.updateSize()
		}
		if c.metrics != nil {
			c.metrics.RecordCacheMiss()
		}
		return 0, false, false
	}

	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
	return entry.rows, entry.complete, true
}

// Put stores the row count of id
func (c *CardinalityCache) Put(id model.TableIdentity, rows uint64, complete bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.entries[id]; !found {
		for c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
			c.evictOldest()
		}
	}

	c.entries[id] = cardinalityEntry{
		rows:     rows,
		complete: complete,
		expires:  c.now().Add(c.config.TTL),
	}
	c.updateSize()
}

// Invalidate drops the cached row count of id
func (c *CardinalityCache) Invalidate(id model.TableIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, id)
	c.updateSize()
}

// Len returns the number of cached entries, expired ones included
func (c *CardinalityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest evicts the entry closest to expiry
func (c *CardinalityCache) evictOldest() {
	var (
		oldestKey model.TableIdentity
		oldest    time.Time
		found     bool
	)
	for key, entry := range c.entries {
		if !found || entry.expires.Before(oldest) {
			oldestKey, oldest, found = key, entry.expires, true
		}
	}
	if !found {
		return
	}

	delete(c.entries, oldestKey)
	c.logger.Debug("Evicted cardinality entry",
		zap.Uint32("database_id", oldestKey.DatabaseID),
		zap.Uint32("table_id", oldestKey.TableID))
}

func (c *CardinalityCache) updateSize() {
	if c.metrics != nil {
		c.metrics.UpdateCacheEntries(len(c.entries))
	}
}
