// Package service wires the market-data core and exposes its read and
// control surface: the query layer of the system. HTTP and push transports
// sit on top of this package; nothing here knows about them.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketd/internal/backfill"
	"github.com/sawpanic/marketd/internal/config"
	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/metrics"
)

// Sentinel errors returned to callers. Everything upstream-transient is
// retried internally and never reaches here.
var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
)

// QueryCache is the historical-result cache contract. Nil-able: without
// Redis every historical query goes to the store.
type QueryCache interface {
	Get(ctx context.Context, q market.CandleQuery) ([]market.Candle, bool)
	Set(ctx context.Context, q market.CandleQuery, candles []market.Candle)
	Invalidate(ctx context.Context, symbol market.Symbol, tf market.Timeframe)
}

// Health is the service's liveness report. Never fails.
type Health struct {
	Status            string            `json:"status"`
	Connected         bool              `json:"connected"`
	ConnectionState   string            `json:"connection_state"`
	ReconnectAttempts int64             `json:"reconnect_attempts"`
	Subscriptions     int               `json:"subscriptions"`
	CacheSizes        market.CacheSizes `json:"cache_sizes"`
	OpenCandles       int               `json:"open_candles"`
	StoreErrors       int64             `json:"store_errors"`
	Timestamp         time.Time         `json:"timestamp"`
}

// CacheStats reports in-memory entity counts.
type CacheStats struct {
	Tickers     int `json:"ticker"`
	Books       int `json:"book"`
	OpenCandles int `json:"ohlcv"`
}

// Service owns the market-data core: one connection manager task, one
// ingest task, the caches, and the backfill engine. Created once at startup
// and handed to the transports; there is no package-level instance.
type Service struct {
	cfg      config.Config
	codec    *market.Codec
	cache    *market.StateCache
	registry *market.Registry
	tracker  *market.CandleTracker
	bus      *market.Bus
	manager  *market.Manager
	pipeline *market.Pipeline
	store    market.CandleStore
	qcache   QueryCache
	engine   *backfill.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New assembles the core. store is required; qcache and fetcher may be nil
// (no query caching, no backfill). dial overrides the transport in tests.
func New(cfg config.Config, store market.CandleStore, qcache QueryCache, fetcher backfill.Fetcher, dial market.Dialer) *Service {
	codec := market.NewCodec()
	registry := market.NewRegistry()
	bus := market.NewBus()
	cache := market.NewStateCache()
	tracker := market.NewCandleTracker()

	manager := market.NewManager(market.ManagerConfig{
		URL:               cfg.Upstream.WSURL,
		BaseDelay:         cfg.Reconnect.BaseDelay.Std(),
		CapDelay:          cfg.Reconnect.CapDelay.Std(),
		HeartbeatInterval: cfg.Heartbeat.Interval.Std(),
		MissMultiplier:    cfg.Heartbeat.MissMultiplier,
	}, codec, registry, dial)

	s := &Service{
		cfg:      cfg,
		codec:    codec,
		cache:    cache,
		registry: registry,
		tracker:  tracker,
		bus:      bus,
		manager:  manager,
		store:    store,
		qcache:   qcache,
	}

	s.pipeline = market.NewPipeline(cache, tracker, bus, store, s.refreshBook)

	if fetcher != nil {
		s.engine = backfill.NewEngine(store, fetcher, qcache, bus, cfg.Backfill.Retries)
	}
	return s
}

// Start launches the long-lived tasks and seeds default subscriptions.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, seed := range s.cfg.DefaultSubscriptions {
		if err := s.Subscribe(market.Channel(seed.Channel), market.Symbol(seed.Symbol), seed.Depth); err != nil {
			log.Warn().Err(err).Str("channel", seed.Channel).Str("symbol", seed.Symbol).Msg("skipping default subscription")
		}
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.manager.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.pipeline.Run(ctx, s.manager.Events())
	}()
}

// Shutdown stops every task, seals and persists open candles, and returns
// once all tasks have exited.
func (s *Service) Shutdown() {
	s.once.Do(func() {
		log.Info().Msg("market-data service shutting down")
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.bus.Close()
	})
}

// Bus exposes the event bus for the push surface.
func (s *Service) Bus() *market.Bus { return s.bus }

// BusDefaults returns the configured per-subscriber queue capacity and
// policy for market-data topics.
func (s *Service) BusDefaults() (int, market.Policy) {
	policy, err := market.ParsePolicy(s.cfg.Bus.Policy)
	if err != nil {
		policy = market.PolicyDropOldest
	}
	return s.cfg.Bus.DefaultCapacity, policy
}

// GetTicker returns the last-known ticker for a symbol.
func (s *Service) GetTicker(sym market.Symbol) (market.Ticker, error) {
	tk, ok := s.cache.Ticker(sym)
	if !ok {
		return market.Ticker{}, fmt.Errorf("ticker %s: %w", sym, ErrNotFound)
	}
	return tk, nil
}

// GetAllTickers returns a snapshot copy of every cached ticker.
func (s *Service) GetAllTickers() []market.Ticker {
	return s.cache.AllTickers()
}

// GetOrderBook returns a copy of the reconciled book for a symbol.
func (s *Service) GetOrderBook(sym market.Symbol) (*market.OrderBook, error) {
	book, ok := s.cache.Book(sym)
	if !ok {
		return nil, fmt.Errorf("order book %s: %w", sym, ErrNotFound)
	}
	return book, nil
}

// GetHistorical serves a candle range, consulting the query cache first.
func (s *Service) GetHistorical(ctx context.Context, q market.CandleQuery) ([]market.Candle, error) {
	if err := q.Normalize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if s.qcache != nil {
		if cached, ok := s.qcache.Get(ctx, q); ok {
			return cached, nil
		}
	}
	candles, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if s.qcache != nil {
		s.qcache.Set(ctx, q, candles)
	}
	return candles, nil
}

// StartBackfill runs a backfill job and blocks until it completes. Callers
// needing async wrap it themselves.
func (s *Service) StartBackfill(ctx context.Context, sym market.Symbol, tf market.Timeframe, from, to time.Time) backfill.Result {
	if s.engine == nil {
		return backfill.Result{Message: "backfill not configured", From: from, To: to}
	}
	return s.engine.Run(ctx, sym, tf, from, to)
}

// Subscribe records a subscription intent and, when connected, sends the
// subscribe frame immediately.
func (s *Service) Subscribe(ch market.Channel, sym market.Symbol, depth int) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrBadRequest, ch)
	}
	if sym == "" {
		return fmt.Errorf("%w: empty symbol", ErrBadRequest)
	}
	sub := market.Subscription{Channel: ch, Symbol: sym, Depth: depth}
	if s.registry.Add(sub) {
		s.manager.SendSubscribe(sub)
	}
	return nil
}

// Unsubscribe drops the intent and sends an unsubscribe frame when
// connected. Cached state for the symbol stays readable until purged.
func (s *Service) Unsubscribe(ch market.Channel, sym market.Symbol) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrBadRequest, ch)
	}
	sub := market.Subscription{Channel: ch, Symbol: sym}
	if s.registry.Remove(sub) {
		s.manager.SendUnsubscribe(sub)
	}
	return nil
}

// Health reports liveness. Upstream flakiness shows up here, never as
// query-layer errors.
func (s *Service) Health() Health {
	state := s.manager.State()
	return Health{
		Status:            "ok",
		Connected:         state == market.StateConnected,
		ConnectionState:   string(state),
		ReconnectAttempts: s.manager.ReconnectAttempts(),
		Subscriptions:     s.registry.Len(),
		CacheSizes:        s.cache.Sizes(),
		OpenCandles:       s.tracker.OpenBuckets(),
		StoreErrors:       metrics.StoreErrorCount(),
		Timestamp:         time.Now().UTC(),
	}
}

// Stats reports cache entity counts.
func (s *Service) Stats() CacheStats {
	sizes := s.cache.Sizes()
	return CacheStats{
		Tickers:     sizes.Tickers,
		Books:       sizes.Books,
		OpenCandles: s.tracker.OpenBuckets(),
	}
}

// refreshBook is the pipeline's gap hook: re-send the order-book subscribe
// for the symbol so the upstream pushes a fresh snapshot.
func (s *Service) refreshBook(sym market.Symbol) {
	for _, sub := range s.registry.Snapshot() {
		if sub.Channel == market.ChannelOrderBook && sub.Symbol == sym {
			s.manager.SendSubscribe(sub)
			return
		}
	}
}
