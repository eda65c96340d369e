package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketd/internal/config"
	"github.com/sawpanic/marketd/internal/market"
)

type countingStore struct {
	mu      sync.Mutex
	result  []market.Candle
	queries int
}

func (s *countingStore) Upsert(context.Context, []market.Candle, bool) error { return nil }

func (s *countingStore) Query(context.Context, market.CandleQuery) ([]market.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	return s.result, nil
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// mapCache is an in-process QueryCache used in place of Redis.
type mapCache struct {
	mu      sync.Mutex
	entries map[string][]market.Candle
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]market.Candle)}
}

func (c *mapCache) Get(_ context.Context, q market.CandleQuery) ([]market.Candle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	candles, ok := c.entries[q.Fingerprint()]
	return candles, ok
}

func (c *mapCache) Set(_ context.Context, q market.CandleQuery, candles []market.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[q.Fingerprint()] = candles
}

func (c *mapCache) Invalidate(context.Context, market.Symbol, market.Timeframe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]market.Candle)
}

func TestService_HistoricalRepeatHitsCacheNotStore(t *testing.T) {
	store := &countingStore{result: []market.Candle{{
		Symbol:      "BTC/USD",
		Timeframe:   market.Timeframe1h,
		BucketStart: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Open:        100, High: 110, Low: 90, Close: 105,
	}}}
	cache := newMapCache()
	svc := New(config.Default(), store, cache, nil, nil)

	q := market.CandleQuery{Symbol: "BTC/USD", Timeframe: market.Timeframe1h, Limit: 10}

	first, err := svc.GetHistorical(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, store.count())

	second, err := svc.GetHistorical(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.count(), "repeat query within TTL must be served from cache")

	// A different window is a different fingerprint.
	q.Limit = 20
	_, err = svc.GetHistorical(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 2, store.count())
}

func TestService_HistoricalRejectsBadQuery(t *testing.T) {
	svc := New(config.Default(), &countingStore{}, nil, nil, nil)

	_, err := svc.GetHistorical(context.Background(), market.CandleQuery{
		Symbol: "BTC/USD", Timeframe: "7m",
	})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = svc.GetHistorical(context.Background(), market.CandleQuery{
		Symbol: "BTC/USD", Timeframe: market.Timeframe1h, Limit: market.MaxQueryLimit + 1,
	})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestService_SubscribeValidatesInput(t *testing.T) {
	svc := New(config.Default(), &countingStore{}, nil, nil, nil)

	assert.ErrorIs(t, svc.Subscribe("trades", "BTC/USD", 0), ErrBadRequest)
	assert.ErrorIs(t, svc.Subscribe(market.ChannelTicker, "", 0), ErrBadRequest)
	require.NoError(t, svc.Subscribe(market.ChannelTicker, "BTC/USD", 0))

	h := svc.Health()
	assert.Equal(t, 1, h.Subscriptions)
	assert.False(t, h.Connected)
	assert.Equal(t, "disconnected", h.ConnectionState)
}

func TestService_BackfillUnconfigured(t *testing.T) {
	svc := New(config.Default(), &countingStore{}, nil, nil, nil)

	result := svc.StartBackfill(context.Background(), "BTC/USD", market.Timeframe1h, time.Now().Add(-time.Hour), time.Time{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "not configured")
}
