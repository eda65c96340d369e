// Package upstream talks to the exchange's public REST API. Only the
// backfill path uses it; the live path is WebSocket-only.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/marketd/internal/market"
)

// Page is one bounded OHLC page plus the continuation cursor.
type Page struct {
	Candles []market.Candle
	Last    int64 // upstream cursor, unix seconds; pass as since for the next page
}

// RateLimitedError reports an upstream 429 with its hinted wait, when given.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream rate limited, retry after %s", e.RetryAfter)
	}
	return "upstream rate limited"
}

// RESTClient fetches paged historical OHLC. Every request first takes a
// token from the limiter (the upstream's documented >= 1s budget) and runs
// through a circuit breaker so a dead upstream fails fast instead of
// burning the retry schedule.
type RESTClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	codec   *market.Codec
}

// NewRESTClient builds a client against baseURL with the given request
// budget (requests per second, bucket capacity 1) and per-request timeout.
func NewRESTClient(baseURL string, codec *market.Codec, rps float64, timeout time.Duration) *RESTClient {
	if rps <= 0 {
		rps = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTClient{
		baseURL: baseURL,
		codec:   codec,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "upstream-rest",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			},
		}),
	}
}

// ohlcResponse is the upstream's OHLC envelope: an error array, the pair's
// row array, and a "last" continuation cursor.
type ohlcResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

// FetchOHLC requests one page of candles for symbol/timeframe starting at
// the since cursor (unix seconds; zero means "as far back as the upstream
// keeps").
func (c *RESTClient) FetchOHLC(ctx context.Context, symbol market.Symbol, tf market.Timeframe, since int64) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("pair", c.codec.Denormalize(symbol))
	q.Set("interval", strconv.Itoa(tf.Minutes()))
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	reqURL := c.baseURL + "/0/public/OHLC?" + q.Encode()

	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, reqURL)
	})
	if err != nil {
		return nil, err
	}

	var resp ohlcResponse
	if err := json.Unmarshal(body.([]byte), &resp); err != nil {
		return nil, fmt.Errorf("malformed OHLC response: %w", err)
	}
	if len(resp.Error) > 0 {
		return nil, fmt.Errorf("upstream OHLC error: %v", resp.Error)
	}

	page := &Page{}
	for key, raw := range resp.Result {
		if key == "last" {
			if err := json.Unmarshal(raw, &page.Last); err != nil {
				return nil, fmt.Errorf("malformed last cursor: %w", err)
			}
			continue
		}
		rows, err := parseRows(raw)
		if err != nil {
			return nil, fmt.Errorf("pair %s: %w", key, err)
		}
		for _, row := range rows {
			candle, err := rowToCandle(symbol, tf, row)
			if err != nil {
				return nil, fmt.Errorf("pair %s: %w", key, err)
			}
			page.Candles = append(page.Candles, candle)
		}
	}
	return page, nil
}

func (c *RESTClient) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "marketd/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OHLC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var hint time.Duration
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				hint = time.Duration(secs) * time.Second
			}
		}
		return nil, &RateLimitedError{RetryAfter: hint}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OHLC request: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// parseRows decodes the upstream's row arrays. Elements are numbers or
// number-strings depending on field; coercion is centralized here.
func parseRows(raw json.RawMessage) ([][]interface{}, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("malformed OHLC rows: %w", err)
	}
	return rows, nil
}

// rowToCandle maps [ts, open, high, low, close, vwap, volume, count].
func rowToCandle(symbol market.Symbol, tf market.Timeframe, row []interface{}) (market.Candle, error) {
	if len(row) < 8 {
		return market.Candle{}, fmt.Errorf("short OHLC row: %d fields", len(row))
	}
	ts, err := toInt64(row[0])
	if err != nil {
		return market.Candle{}, fmt.Errorf("row timestamp: %w", err)
	}
	vals := make([]float64, 0, 6)
	for i := 1; i <= 6; i++ {
		v, err := toFloat(row[i])
		if err != nil {
			return market.Candle{}, fmt.Errorf("row field %d: %w", i, err)
		}
		vals = append(vals, v)
	}
	count, err := toInt64(row[7])
	if err != nil {
		return market.Candle{}, fmt.Errorf("row count: %w", err)
	}

	bucket := time.Unix(ts, 0).UTC()
	return market.Candle{
		Symbol:      symbol,
		Timeframe:   tf,
		BucketStart: tf.BucketStart(bucket),
		Open:        vals[0],
		High:        vals[1],
		Low:         vals[2],
		Close:       vals[3],
		Volume:      vals[5],
		TradeCount:  count,
		SourceTS:    time.Now().UTC(),
	}, nil
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("unexpected value type %T", v)
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("unexpected value type %T", v)
}
