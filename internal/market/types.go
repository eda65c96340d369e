package market

import (
	"fmt"
	"time"
)

// Symbol is a canonical trading-pair identifier, e.g. "BTC/USD".
// Every interface inside the service speaks canonical form; translation to
// and from the upstream's native form happens only in the Codec.
type Symbol string

// Channel identifies an upstream subscription stream.
type Channel string

const (
	ChannelTicker    Channel = "ticker"
	ChannelOrderBook Channel = "orderbook"
)

// Valid reports whether the channel is one the service understands.
func (c Channel) Valid() bool {
	return c == ChannelTicker || c == ChannelOrderBook
}

// Timeframe is a candle bucket duration from the closed set the service
// supports.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Timeframes lists all supported timeframes in ascending duration order.
var Timeframes = []Timeframe{
	Timeframe1m, Timeframe5m, Timeframe15m,
	Timeframe1h, Timeframe4h, Timeframe1d,
}

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe: %q", s)
	}
	return tf, nil
}

// Duration returns the bucket duration for the timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Minutes returns the timeframe length in whole minutes, the unit the
// upstream OHLC endpoint is parameterized by.
func (tf Timeframe) Minutes() int {
	return int(timeframeDurations[tf] / time.Minute)
}

// BucketStart returns the start of the bucket containing t: floor(t/d)*d.
func (tf Timeframe) BucketStart(t time.Time) time.Time {
	return t.Truncate(tf.Duration())
}

// Ticker is the last-known summary state for a symbol. Mutated in place by
// each upstream ticker message; never deleted while the service runs.
type Ticker struct {
	Symbol    Symbol    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume24h float64   `json:"volume_24h"`
	Change24h float64   `json:"change_24h"`
	High24h   float64   `json:"high_24h"`
	Low24h    float64   `json:"low_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// BookLevel is one resting price level. Size is always > 0 for levels held
// in a snapshot; a zero-size update removes the level.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is the reconciled two-sided book for a symbol. Bids are sorted
// descending by price, asks ascending. Seq increases strictly while the
// snapshot stays continuous.
type OrderBook struct {
	Symbol    Symbol      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Seq       int64       `json:"seq"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across a task boundary.
func (b *OrderBook) Clone() *OrderBook {
	cp := *b
	cp.Bids = append([]BookLevel(nil), b.Bids...)
	cp.Asks = append([]BookLevel(nil), b.Asks...)
	return &cp
}

// BestBid returns the top bid level, if any.
func (b *OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b *OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Candle is one OHLCV aggregate. Primary key: (Symbol, Timeframe, BucketStart).
// Volume is per-bucket volume, not the upstream's 24h figure.
type Candle struct {
	Symbol      Symbol    `json:"symbol" db:"symbol"`
	Timeframe   Timeframe `json:"timeframe" db:"timeframe"`
	BucketStart time.Time `json:"bucket_start" db:"bucket_start"`
	Open        float64   `json:"open" db:"open"`
	High        float64   `json:"high" db:"high"`
	Low         float64   `json:"low" db:"low"`
	Close       float64   `json:"close" db:"close"`
	Volume      float64   `json:"volume" db:"volume"`
	TradeCount  int64     `json:"trade_count" db:"trade_count"`
	SourceTS    time.Time `json:"source_ts" db:"source_ts"`
}

// Validate checks the candle invariants: low <= open,close <= high,
// volume >= 0, trade_count >= 0.
func (c Candle) Validate() error {
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle %s %s @%s: OHLC out of range", c.Symbol, c.Timeframe, c.BucketStart.Format(time.RFC3339))
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s %s @%s: negative volume", c.Symbol, c.Timeframe, c.BucketStart.Format(time.RFC3339))
	}
	if c.TradeCount < 0 {
		return fmt.Errorf("candle %s %s @%s: negative trade count", c.Symbol, c.Timeframe, c.BucketStart.Format(time.RFC3339))
	}
	return nil
}

// Subscription is one (channel, symbol) intent held by the registry. Depth
// applies to order-book subscriptions only.
type Subscription struct {
	Channel Channel `json:"channel"`
	Symbol  Symbol  `json:"symbol"`
	Depth   int     `json:"depth,omitempty"`
}

// Key returns the registry identity for the subscription.
func (s Subscription) Key() string {
	return string(s.Channel) + ":" + string(s.Symbol)
}
