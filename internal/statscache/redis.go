package statscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/phitrading/exchange-engine/internal/metrics"
	"github.com/phitrading/exchange-engine/internal/model"
)

// RedisCache shares dashboard stats between engine instances. Values are
// JSON under stats:{accountID} with no TTL; memory is bounded by the
// server's maxmemory eviction policy. Redis failures degrade to a miss.
type RedisCache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps an existing client.
func NewRedisCache(rdb *redis.Client, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{rdb: rdb, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, accountID string) (model.DashboardStats, bool) {
	data, err := c.rdb.Get(ctx, statsKey(accountID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("stats cache read failed", "account", accountID, "err", err)
		}
		metrics.StatsCacheLookups.WithLabelValues("miss").Inc()
		return model.DashboardStats{}, false
	}

	var stats model.DashboardStats
	if err := json.Unmarshal(data, &stats); err != nil {
		c.logger.Warn("stats cache entry corrupt", "account", accountID, "err", err)
		metrics.StatsCacheLookups.WithLabelValues("miss").Inc()
		return model.DashboardStats{}, false
	}
	metrics.StatsCacheLookups.WithLabelValues("hit").Inc()
	return stats, true
}

func (c *RedisCache) Put(ctx context.Context, accountID string, stats model.DashboardStats) {
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, statsKey(accountID), data, 0).Err(); err != nil {
		c.logger.Warn("stats cache write failed", "account", accountID, "err", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, accountID string) {
	if err := c.rdb.Del(ctx, statsKey(accountID)).Err(); err != nil {
		c.logger.Warn("stats cache delete failed", "account", accountID, "err", err)
	}
}

func statsKey(accountID string) string { return fmt.Sprintf("stats:%s", accountID) }
