// Package backfill imports historical candles from the upstream REST API
// into the OHLCV store, bounded by the upstream's rate budget.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/metrics"
	"github.com/sawpanic/marketd/internal/upstream"
)

// Fetcher is the slice of the REST client the engine uses.
type Fetcher interface {
	FetchOHLC(ctx context.Context, symbol market.Symbol, tf market.Timeframe, since int64) (*upstream.Page, error)
}

// Invalidator evicts cached query results for a (symbol, timeframe) after a
// backfill rewrites history under them.
type Invalidator interface {
	Invalidate(ctx context.Context, symbol market.Symbol, tf market.Timeframe)
}

// Result reports a finished (or failed) backfill job. A false Success still
// carries the partial import count: completed pages stay applied.
type Result struct {
	Success         bool      `json:"success"`
	Message         string    `json:"message"`
	CandlesImported int       `json:"candles_imported"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
}

// Engine pages historical candles oldest-first and upserts them
// authoritatively. Overlapping jobs for the same (symbol, timeframe) are
// serialized by a per-key lock. Cancellation lands on page boundaries:
// a page that started writing finishes writing.
type Engine struct {
	store   market.CandleStore
	fetch   Fetcher
	cache   Invalidator // may be nil
	bus     *market.Bus // may be nil
	retries int

	mu   sync.Mutex
	jobs map[string]*sync.Mutex
}

// NewEngine wires a backfill engine. retries <= 0 defaults to 5.
func NewEngine(store market.CandleStore, fetch Fetcher, cache Invalidator, bus *market.Bus, retries int) *Engine {
	if retries <= 0 {
		retries = 5
	}
	return &Engine{
		store:   store,
		fetch:   fetch,
		cache:   cache,
		bus:     bus,
		retries: retries,
		jobs:    make(map[string]*sync.Mutex),
	}
}

// Run executes one backfill job and blocks until it finishes, fails, or ctx
// is cancelled. A zero to means "up to now".
func (e *Engine) Run(ctx context.Context, symbol market.Symbol, tf market.Timeframe, from, to time.Time) Result {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	result := Result{From: from, To: to}
	if !to.After(from) {
		result.Message = "empty window: to is not after from"
		return result
	}

	unlock := e.lockKey(symbol, tf)
	defer unlock()

	jobID := uuid.NewString()
	logger := log.With().
		Str("job", jobID).
		Str("symbol", string(symbol)).
		Str("timeframe", string(tf)).
		Time("from", from).Time("to", to).
		Logger()
	logger.Info().Msg("backfill started")

	since := from.Unix()
	for {
		if err := ctx.Err(); err != nil {
			result.Message = fmt.Sprintf("cancelled after %d candles", result.CandlesImported)
			logger.Warn().Msg("backfill cancelled")
			return result
		}

		page, err := e.fetchPage(ctx, &logger, symbol, tf, since)
		if err != nil {
			result.Message = fmt.Sprintf("fetch failed after %d candles: %v", result.CandlesImported, err)
			logger.Error().Err(err).Msg("backfill aborted")
			return result
		}
		metrics.BackfillPages.Inc()

		candles := clampWindow(page.Candles, from, to)
		if len(candles) > 0 {
			if err := e.store.Upsert(ctx, candles, true); err != nil {
				result.Message = fmt.Sprintf("store failed after %d candles: %v", result.CandlesImported, err)
				logger.Error().Err(err).Msg("backfill aborted")
				return result
			}
			result.CandlesImported += len(candles)
			metrics.BackfillCandles.Add(float64(len(candles)))
		}

		// Advance to the upstream's cursor; no progress means the window is
		// covered (or the upstream has nothing newer).
		if len(page.Candles) == 0 || page.Last <= since {
			break
		}
		since = page.Last
		if time.Unix(since, 0).After(to) {
			break
		}
	}

	if e.cache != nil {
		e.cache.Invalidate(ctx, symbol, tf)
	}
	if e.bus != nil {
		e.bus.Publish(market.Envelope{
			Topic:  market.TopicBackfill,
			Symbol: symbol,
			Backfill: &market.BackfillDone{
				Symbol:    symbol,
				Timeframe: tf,
				Candles:   result.CandlesImported,
				From:      from,
				To:        to,
			},
		})
	}

	result.Success = true
	result.Message = fmt.Sprintf("imported %d candles", result.CandlesImported)
	logger.Info().Int("candles", result.CandlesImported).Msg("backfill finished")
	return result
}

// fetchPage retries transport and upstream failures with exponential
// backoff, honoring any rate-limit hint the upstream gives.
func (e *Engine) fetchPage(ctx context.Context, logger *zerolog.Logger, symbol market.Symbol, tf market.Timeframe, since int64) (*upstream.Page, error) {
	var lastErr error
	for attempt := 0; attempt < e.retries; attempt++ {
		page, err := e.fetch.FetchOHLC(ctx, symbol, tf, since)
		if err == nil {
			return page, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		if attempt == e.retries-1 {
			break
		}

		delay := time.Second << attempt
		var rl *upstream.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > delay {
			delay = rl.RetryAfter
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("page fetch failed, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("exhausted %d attempts: %w", e.retries, lastErr)
}

func (e *Engine) lockKey(symbol market.Symbol, tf market.Timeframe) func() {
	key := string(symbol) + "|" + string(tf)
	e.mu.Lock()
	lock, ok := e.jobs[key]
	if !ok {
		lock = &sync.Mutex{}
		e.jobs[key] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func clampWindow(candles []market.Candle, from, to time.Time) []market.Candle {
	out := make([]market.Candle, 0, len(candles))
	for _, c := range candles {
		if c.BucketStart.Before(from) || c.BucketStart.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out
}
