// Package store persists OHLCV candles in a time-partitioned Postgres table
// and caches historical query results in Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/metrics"
)

// The candles table is range-partitioned on bucket_start by the deployment;
// the repository only assumes the partitioning contract, not the DDL.
const candleTable = "ohlcv_candles"

// OHLCVRepo implements market.CandleStore on Postgres via sqlx.
type OHLCVRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOHLCVRepo creates a repository with the standard 10s statement timeout.
func NewOHLCVRepo(db *sqlx.DB) *OHLCVRepo {
	return &OHLCVRepo{db: db, timeout: 10 * time.Second}
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Upsert bulk-inserts candles with conflict resolution on the primary key.
// Live-stream writes only overwrite rows with an older source timestamp;
// authoritative (backfill) writes overwrite unconditionally. Retried once on
// timeout; a second failure is counted and returned.
func (r *OHLCVRepo) Upsert(ctx context.Context, candles []market.Candle, authoritative bool) error {
	if len(candles) == 0 {
		return nil
	}
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("refusing upsert: %w", err)
		}
	}

	err := r.upsertOnce(ctx, candles, authoritative)
	if err != nil && isTimeout(err) {
		log.Warn().Err(err).Int("candles", len(candles)).Msg("candle upsert timed out, retrying once")
		err = r.upsertOnce(ctx, candles, authoritative)
	}
	if err != nil {
		metrics.RecordStoreError()
		return err
	}
	return nil
}

func (r *OHLCVRepo) upsertOnce(ctx context.Context, candles []market.Candle, authoritative bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	conflict := `
		ON CONFLICT (symbol, timeframe, bucket_start) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high,
			low = EXCLUDED.low, close = EXCLUDED.close,
			volume = EXCLUDED.volume, trade_count = EXCLUDED.trade_count,
			source_ts = EXCLUDED.source_ts`
	if !authoritative {
		conflict += fmt.Sprintf(`
		WHERE %s.source_ts <= EXCLUDED.source_ts`, candleTable)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (symbol, timeframe, bucket_start, open, high, low, close, volume, trade_count, source_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)%s`, candleTable, conflict))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.Symbol, c.Timeframe, c.BucketStart.UTC(),
			c.Open, c.High, c.Low, c.Close,
			c.Volume, c.TradeCount, c.SourceTS.UTC()); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) {
				return fmt.Errorf("upsert candle %s %s (pg %s): %w", c.Symbol, c.Timeframe, pqErr.Code, err)
			}
			return fmt.Errorf("upsert candle %s %s: %w", c.Symbol, c.Timeframe, err)
		}
	}
	return tx.Commit()
}

// Query returns candles ascending by bucket start. Without range bounds it
// returns the most recent q.Limit rows, still ascending.
func (r *OHLCVRepo) Query(ctx context.Context, q market.CandleQuery) ([]market.Candle, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	metrics.StoreReads.Inc()

	rows, err := r.queryOnce(ctx, q)
	if err != nil && isTimeout(err) {
		log.Warn().Err(err).Str("symbol", string(q.Symbol)).Msg("candle query timed out, retrying once")
		rows, err = r.queryOnce(ctx, q)
	}
	if err != nil {
		metrics.RecordStoreError()
		return nil, err
	}
	return rows, nil
}

func (r *OHLCVRepo) queryOnce(ctx context.Context, q market.CandleQuery) ([]market.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	base := fmt.Sprintf(`
		SELECT symbol, timeframe, bucket_start, open, high, low, close, volume, trade_count, source_ts
		FROM %s
		WHERE symbol = $1 AND timeframe = $2`, candleTable)
	args := []interface{}{q.Symbol, q.Timeframe}

	if !q.From.IsZero() {
		args = append(args, q.From.UTC())
		base += fmt.Sprintf(" AND bucket_start >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC())
		base += fmt.Sprintf(" AND bucket_start <= $%d", len(args))
	}

	// Bounded queries read forward; unbounded ones take the newest rows and
	// flip them so the contract stays ascending.
	ranged := !q.From.IsZero() || !q.To.IsZero()
	if ranged {
		base += " ORDER BY bucket_start ASC"
	} else {
		base += " ORDER BY bucket_start DESC"
	}
	args = append(args, q.Limit)
	base += fmt.Sprintf(" LIMIT $%d", len(args))

	var out []market.Candle
	if err := r.db.SelectContext(ctx, &out, base, args...); err != nil {
		return nil, fmt.Errorf("query candles %s %s: %w", q.Symbol, q.Timeframe, err)
	}
	if !ranged {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
