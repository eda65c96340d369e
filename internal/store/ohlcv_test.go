package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketd/internal/market"
)

var candleColumns = []string{
	"symbol", "timeframe", "bucket_start",
	"open", "high", "low", "close", "volume", "trade_count", "source_ts",
}

func newMockRepo(t *testing.T) (*OHLCVRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewOHLCVRepo(sqlx.NewDb(db, "postgres")), mock
}

func storedCandle() market.Candle {
	return market.Candle{
		Symbol:      "BTC/USD",
		Timeframe:   market.Timeframe1h,
		BucketStart: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		Open:        100, High: 110, Low: 90, Close: 105,
		Volume:     12.5,
		TradeCount: 42,
		SourceTS:   time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC),
	}
}

// expectUpsert scripts one full upsert transaction. Live writes carry the
// source_ts guard in the conflict clause; authoritative writes end without it.
func expectUpsert(mock sqlmock.Sqlmock, c market.Candle, authoritative bool) {
	pattern := regexp.QuoteMeta("INSERT INTO ohlcv_candles") + ".*" +
		regexp.QuoteMeta("ON CONFLICT (symbol, timeframe, bucket_start) DO UPDATE SET") + ".*"
	if authoritative {
		pattern += regexp.QuoteMeta("source_ts = EXCLUDED.source_ts") + "$"
	} else {
		pattern += regexp.QuoteMeta("WHERE ohlcv_candles.source_ts <= EXCLUDED.source_ts") + "$"
	}

	mock.ExpectBegin()
	mock.ExpectPrepare(pattern).
		ExpectExec().
		WithArgs(c.Symbol, c.Timeframe, c.BucketStart.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount, c.SourceTS.UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

// Live upserts only overwrite rows with an older source timestamp, and the
// same input replayed issues the identical statement: the conflict clause is
// what makes Upsert idempotent.
func TestOHLCVRepo_UpsertLiveGuardsOlderSources(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := storedCandle()

	expectUpsert(mock, c, false)
	expectUpsert(mock, c, false)

	require.NoError(t, repo.Upsert(context.Background(), []market.Candle{c}, false))
	require.NoError(t, repo.Upsert(context.Background(), []market.Candle{c}, false))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOHLCVRepo_UpsertAuthoritativeDropsGuard(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := storedCandle()

	expectUpsert(mock, c, true)

	require.NoError(t, repo.Upsert(context.Background(), []market.Candle{c}, true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOHLCVRepo_UpsertRetriesOnceOnTimeout(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := storedCandle()

	mock.ExpectBegin().WillReturnError(context.DeadlineExceeded)
	expectUpsert(mock, c, false)

	require.NoError(t, repo.Upsert(context.Background(), []market.Candle{c}, false))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOHLCVRepo_UpsertGivesUpAfterSecondTimeout(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := storedCandle()

	mock.ExpectBegin().WillReturnError(context.DeadlineExceeded)
	mock.ExpectBegin().WillReturnError(context.DeadlineExceeded)

	err := repo.Upsert(context.Background(), []market.Candle{c}, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOHLCVRepo_UpsertRefusesInvalidCandle(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := storedCandle()
	c.High = c.Low - 1

	err := repo.Upsert(context.Background(), []market.Candle{c}, false)
	assert.ErrorContains(t, err, "refusing upsert")
	assert.NoError(t, mock.ExpectationsWereMet(), "invalid input must never reach the database")
}

func TestOHLCVRepo_QueryUnboundedReturnsNewestAscending(t *testing.T) {
	repo, mock := newMockRepo(t)
	older := storedCandle()
	newer := storedCandle()
	newer.BucketStart = older.BucketStart.Add(time.Hour)

	pattern := regexp.QuoteMeta("SELECT symbol, timeframe, bucket_start, open, high, low, close, volume, trade_count, source_ts FROM ohlcv_candles WHERE symbol = $1 AND timeframe = $2 ORDER BY bucket_start DESC LIMIT $3") + "$"
	mock.ExpectQuery(pattern).
		WithArgs(older.Symbol, older.Timeframe, market.DefaultQueryLimit).
		WillReturnRows(sqlmock.NewRows(candleColumns).
			AddRow(newer.Symbol, newer.Timeframe, newer.BucketStart, newer.Open, newer.High, newer.Low, newer.Close, newer.Volume, newer.TradeCount, newer.SourceTS).
			AddRow(older.Symbol, older.Timeframe, older.BucketStart, older.Open, older.High, older.Low, older.Close, older.Volume, older.TradeCount, older.SourceTS))

	out, err := repo.Query(context.Background(), market.CandleQuery{Symbol: "BTC/USD", Timeframe: market.Timeframe1h})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, older.BucketStart, out[0].BucketStart, "newest-rows query must still come back ascending")
	assert.Equal(t, newer.BucketStart, out[1].BucketStart)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOHLCVRepo_QueryRangedReadsForward(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := storedCandle()
	from := c.BucketStart.Add(-time.Hour)
	to := c.BucketStart.Add(time.Hour)

	pattern := regexp.QuoteMeta("WHERE symbol = $1 AND timeframe = $2 AND bucket_start >= $3 AND bucket_start <= $4 ORDER BY bucket_start ASC LIMIT $5") + "$"
	mock.ExpectQuery(pattern).
		WithArgs(c.Symbol, c.Timeframe, from, to, market.DefaultQueryLimit).
		WillReturnRows(sqlmock.NewRows(candleColumns).
			AddRow(c.Symbol, c.Timeframe, c.BucketStart, c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount, c.SourceTS))

	out, err := repo.Query(context.Background(), market.CandleQuery{
		Symbol: "BTC/USD", Timeframe: market.Timeframe1h, From: from, To: to,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, c.BucketStart, out[0].BucketStart)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOHLCVRepo_QueryRetriesOnceOnTimeout(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := storedCandle()

	mock.ExpectQuery("SELECT").WillReturnError(context.DeadlineExceeded)
	mock.ExpectQuery("SELECT").
		WithArgs(c.Symbol, c.Timeframe, market.DefaultQueryLimit).
		WillReturnRows(sqlmock.NewRows(candleColumns).
			AddRow(c.Symbol, c.Timeframe, c.BucketStart, c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount, c.SourceTS))

	out, err := repo.Query(context.Background(), market.CandleQuery{Symbol: "BTC/USD", Timeframe: market.Timeframe1h})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
