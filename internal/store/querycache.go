package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/metrics"
)

const queryCachePrefix = "marketd:qcache:"

// QueryCache is the short-TTL cache for historical range queries, keyed by
// the query's canonical fingerprint. Backed by Redis so restarts and
// replicas share one cache.
type QueryCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewQueryCache wraps a redis client with the configured TTL.
func NewQueryCache(client redis.Cmdable, ttl time.Duration) *QueryCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &QueryCache{client: client, ttl: ttl}
}

// OpenRedis connects a redis client with the service's standard pool settings.
func OpenRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// Get returns the cached result for the query, if present and fresh. Cache
// errors degrade to a miss; the store stays the source of truth.
func (c *QueryCache) Get(ctx context.Context, q market.CandleQuery) ([]market.Candle, bool) {
	raw, err := c.client.Get(ctx, queryCachePrefix+q.Fingerprint()).Bytes()
	if err == redis.Nil {
		metrics.QueryCacheMisses.Inc()
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Msg("query cache read failed")
		metrics.QueryCacheMisses.Inc()
		return nil, false
	}
	var candles []market.Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		log.Warn().Err(err).Msg("query cache entry corrupt, dropping")
		c.client.Del(ctx, queryCachePrefix+q.Fingerprint())
		metrics.QueryCacheMisses.Inc()
		return nil, false
	}
	metrics.QueryCacheHits.Inc()
	return candles, true
}

// Set stores a query result under its fingerprint with the cache TTL.
func (c *QueryCache) Set(ctx context.Context, q market.CandleQuery, candles []market.Candle) {
	raw, err := json.Marshal(candles)
	if err != nil {
		log.Warn().Err(err).Msg("query cache marshal failed")
		return
	}
	if err := c.client.Set(ctx, queryCachePrefix+q.Fingerprint(), raw, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("query cache write failed")
	}
}

// Invalidate evicts every cached result for (symbol, timeframe). Called
// after a backfill touches that range. Fingerprints start with
// "symbol|timeframe|", so a prefix scan covers all of them.
func (c *QueryCache) Invalidate(ctx context.Context, symbol market.Symbol, tf market.Timeframe) {
	pattern := fmt.Sprintf("%s%s|%s|*", queryCachePrefix, symbol, tf)
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("query cache scan failed")
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				log.Warn().Err(err).Msg("query cache invalidation failed")
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
