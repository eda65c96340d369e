package market

import (
	"context"
	"fmt"
	"time"
)

// Historical query limits.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// CandleQuery selects a historical range. Zero From/To mean "unbounded on
// that side"; with both zero the most recent Limit rows are returned.
type CandleQuery struct {
	Symbol    Symbol
	Timeframe Timeframe
	From      time.Time
	To        time.Time
	Limit     int
}

// Normalize applies the default limit and validates bounds.
func (q *CandleQuery) Normalize() error {
	if _, err := ParseTimeframe(string(q.Timeframe)); err != nil {
		return err
	}
	if q.Limit == 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit < 0 || q.Limit > MaxQueryLimit {
		return fmt.Errorf("limit out of range: %d (max %d)", q.Limit, MaxQueryLimit)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return fmt.Errorf("empty range: to %s before from %s", q.To.Format(time.RFC3339), q.From.Format(time.RFC3339))
	}
	return nil
}

// Fingerprint is the canonical cache key for the query's result.
func (q CandleQuery) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%d|%d|%d",
		q.Symbol, q.Timeframe, q.From.UnixMilli(), q.To.UnixMilli(), q.Limit)
}

// CandleStore persists sealed candles and serves range queries. Implemented
// by the postgres repository; the pipeline and backfill engine depend only
// on this contract.
type CandleStore interface {
	// Upsert bulk-inserts candles, overwriting rows whose incoming source
	// timestamp is newer. Authoritative writes (backfill) overwrite
	// unconditionally. Idempotent for identical input.
	Upsert(ctx context.Context, candles []Candle, authoritative bool) error

	// Query returns up to q.Limit candles in [From, To], ascending by
	// bucket start.
	Query(ctx context.Context, q CandleQuery) ([]Candle, error)
}
