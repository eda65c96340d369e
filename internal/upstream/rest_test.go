package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketd/internal/market"
)

const ohlcBody = `{
	"error": [],
	"result": {
		"XBTUSD": [
			[1754006400, "50000.0", "50100.0", "49900.0", "50050.0", "50010.3", "12.5", 340],
			[1754010000, "50050.0", "50200.0", "50000.0", "50150.0", "50090.1", "8.25", 210]
		],
		"last": 1754010000
	}
}`

func testClient(url string) *RESTClient {
	// High rps keeps the limiter out of the test's way.
	return NewRESTClient(url, market.NewCodec(), 1000, 5*time.Second)
}

func TestRESTClient_FetchOHLC(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/OHLC", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Write([]byte(ohlcBody))
	}))
	defer srv.Close()

	page, err := testClient(srv.URL).FetchOHLC(context.Background(), "BTC/USD", market.Timeframe1h, 1754006400)
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "pair=XBT-USD")
	assert.Contains(t, gotQuery, "interval=60")
	assert.Contains(t, gotQuery, "since=1754006400")

	assert.Equal(t, int64(1754010000), page.Last)
	require.Len(t, page.Candles, 2)
	first := page.Candles[0]
	assert.Equal(t, market.Symbol("BTC/USD"), first.Symbol)
	assert.Equal(t, time.Unix(1754006400, 0).UTC(), first.BucketStart)
	assert.Equal(t, 50000.0, first.Open)
	assert.Equal(t, 12.5, first.Volume)
	assert.Equal(t, int64(340), first.TradeCount)
	assert.NoError(t, first.Validate())
}

// The request budget is a token bucket with capacity 1: back-to-back fetches
// are spaced by at least the budget interval.
func TestRESTClient_LimiterPacesSuccessiveFetches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ohlcBody))
	}))
	defer srv.Close()

	// 10 req/s scales the 1 req/s production budget down to a 100ms
	// interval the test can afford to observe.
	client := NewRESTClient(srv.URL, market.NewCodec(), 10, 5*time.Second)

	start := time.Now()
	_, err := client.FetchOHLC(context.Background(), "BTC/USD", market.Timeframe1h, 0)
	require.NoError(t, err)
	_, err = client.FetchOHLC(context.Background(), "BTC/USD", market.Timeframe1h, 0)
	require.NoError(t, err)
	elapsed := time.Since(start)

	// The first call spends the bucket's single token; the second must wait
	// out the refill. 90ms leaves room for the token accrued between client
	// construction and the first call.
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond, "second fetch ran inside the rate budget")
}

func TestRESTClient_UpstreamErrorArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EQuery:Unknown asset pair"],"result":{}}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchOHLC(context.Background(), "BTC/USD", market.Timeframe1h, 0)
	assert.ErrorContains(t, err, "Unknown asset pair")
}

func TestRESTClient_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchOHLC(context.Background(), "BTC/USD", market.Timeframe1m, 0)
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestRESTClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	for i := 0; i < 5; i++ {
		_, err := client.FetchOHLC(context.Background(), "BTC/USD", market.Timeframe1m, 0)
		assert.ErrorContains(t, err, "unexpected status 502")
	}

	// Sixth call fails fast without touching the wire.
	_, err := client.FetchOHLC(context.Background(), "BTC/USD", market.Timeframe1m, 0)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
