package market

import (
	"sync/atomic"
	"time"
)

// openBucket is the in-progress candle for one (symbol, timeframe).
type openBucket struct {
	candle    Candle
	bucketEnd time.Time
}

// CandleTracker folds ticker updates into open candle buckets, one per
// timeframe, and seals a bucket when a later tick crosses its boundary or a
// scheduled flush passes its close time. The ingest task is the only caller,
// so the tracker needs no locking of its own.
//
// Volume semantics: the upstream reports a cumulative 24h volume on each
// ticker. The tracker derives a per-bucket increment from consecutive
// readings and clamps negative deltas (24h window rollover) to zero.
type CandleTracker struct {
	open       map[Symbol]map[Timeframe]*openBucket
	lastVolume map[Symbol]float64
	timeframes []Timeframe

	count atomic.Int64 // open buckets, readable off the ingest task
}

// NewCandleTracker tracks the given timeframes, or all supported ones when
// none are given.
func NewCandleTracker(timeframes ...Timeframe) *CandleTracker {
	if len(timeframes) == 0 {
		timeframes = Timeframes
	}
	return &CandleTracker{
		open:       make(map[Symbol]map[Timeframe]*openBucket),
		lastVolume: make(map[Symbol]float64),
		timeframes: timeframes,
	}
}

// Apply folds one ticker into every open bucket for its symbol and returns
// any candles sealed by the tick crossing a bucket boundary.
func (t *CandleTracker) Apply(tk Ticker) []Candle {
	buckets, ok := t.open[tk.Symbol]
	if !ok {
		buckets = make(map[Timeframe]*openBucket, len(t.timeframes))
		t.open[tk.Symbol] = buckets
	}

	volDelta := 0.0
	if prev, seen := t.lastVolume[tk.Symbol]; seen {
		volDelta = tk.Volume24h - prev
		if volDelta < 0 {
			volDelta = 0
		}
	}
	t.lastVolume[tk.Symbol] = tk.Volume24h

	var sealed []Candle
	for _, tf := range t.timeframes {
		b := buckets[tf]
		start := tf.BucketStart(tk.Timestamp)

		if b != nil && !tk.Timestamp.Before(b.bucketEnd) {
			sealed = append(sealed, b.candle)
			b = nil
		}
		if b == nil {
			buckets[tf] = &openBucket{
				candle: Candle{
					Symbol:      tk.Symbol,
					Timeframe:   tf,
					BucketStart: start,
					Open:        tk.Last,
					High:        tk.Last,
					Low:         tk.Last,
					Close:       tk.Last,
					Volume:      volDelta,
					TradeCount:  1,
					SourceTS:    tk.Timestamp,
				},
				bucketEnd: start.Add(tf.Duration()),
			}
			continue
		}
		if tk.Timestamp.Before(b.candle.BucketStart) {
			// Out-of-order tick behind the open bucket; drop rather than
			// corrupt the fold.
			continue
		}

		c := &b.candle
		if tk.Last > c.High {
			c.High = tk.Last
		}
		if tk.Last < c.Low {
			c.Low = tk.Last
		}
		c.Close = tk.Last
		c.Volume += volDelta
		c.TradeCount++
		c.SourceTS = tk.Timestamp
	}
	t.recount()
	return sealed
}

// FlushBefore seals and returns every open bucket whose close time is at or
// before now. Used by the scheduled flush so quiet symbols still persist.
func (t *CandleTracker) FlushBefore(now time.Time) []Candle {
	var sealed []Candle
	for sym, buckets := range t.open {
		for tf, b := range buckets {
			if !b.bucketEnd.After(now) {
				sealed = append(sealed, b.candle)
				delete(buckets, tf)
			}
		}
		if len(buckets) == 0 {
			delete(t.open, sym)
		}
	}
	t.recount()
	return sealed
}

// FlushAll seals and returns every open bucket at the last observed price.
// Called on shutdown.
func (t *CandleTracker) FlushAll() []Candle {
	var sealed []Candle
	for _, buckets := range t.open {
		for _, b := range buckets {
			sealed = append(sealed, b.candle)
		}
	}
	t.open = make(map[Symbol]map[Timeframe]*openBucket)
	t.recount()
	return sealed
}

// OpenBuckets returns the number of currently open buckets. Safe to call
// from any task; the count is maintained atomically by the ingest task.
func (t *CandleTracker) OpenBuckets() int {
	return int(t.count.Load())
}

func (t *CandleTracker) recount() {
	n := 0
	for _, buckets := range t.open {
		n += len(buckets)
	}
	t.count.Store(int64(n))
}
