// Package statscache memoizes per-account dashboard statistics.
//
// Entries have no expiry. A hit may be stale with respect to trades that
// committed after the entry was written; callers that need fresh numbers
// recompute and Put, or Delete after a write.
package statscache

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/phitrading/exchange-engine/internal/metrics"
	"github.com/phitrading/exchange-engine/internal/model"
)

// DefaultMaxEntries bounds a MemoryCache created with a non-positive size.
const DefaultMaxEntries = 10000

// Cache is a key/value store of DashboardStats keyed by account ID. Put
// overwrites unconditionally (last writer wins).
type Cache interface {
	Get(ctx context.Context, accountID string) (model.DashboardStats, bool)
	Put(ctx context.Context, accountID string, stats model.DashboardStats)
	Delete(ctx context.Context, accountID string)
}

// MemoryCache is a bounded in-process Cache. When full, the least recently
// used entry is evicted.
type MemoryCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a cache holding at most maxEntries accounts.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryCache{cache: lru.New(maxEntries)}
}

func (c *MemoryCache) Get(_ context.Context, accountID string) (model.DashboardStats, bool) {
	c.mu.Lock()
	v, ok := c.cache.Get(accountID)
	c.mu.Unlock()

	if !ok {
		metrics.StatsCacheLookups.WithLabelValues("miss").Inc()
		return model.DashboardStats{}, false
	}
	metrics.StatsCacheLookups.WithLabelValues("hit").Inc()
	return v.(model.DashboardStats), true
}

func (c *MemoryCache) Put(_ context.Context, accountID string, stats model.DashboardStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(accountID, stats)
}

func (c *MemoryCache) Delete(_ context.Context, accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(accountID)
}

// Len returns the number of cached accounts.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
