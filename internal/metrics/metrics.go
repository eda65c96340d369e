// Package metrics holds the service's prometheus collectors. Everything is
// registered on the default registry and exposed via promhttp on /metrics.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storeErrors mirrors the StoreErrors counter for the health report, which
// has no way to read a prometheus counter back.
var storeErrors atomic.Int64

// RecordStoreError counts one failed store operation.
func RecordStoreError() {
	storeErrors.Add(1)
	StoreErrors.Inc()
}

// StoreErrorCount returns the number of store errors since start.
func StoreErrorCount() int64 { return storeErrors.Load() }

var (
	// FramesDecoded counts decoded upstream frames by event kind.
	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketd_frames_decoded_total",
		Help: "Upstream frames decoded, by event kind",
	}, []string{"kind"})

	// ProtocolErrors counts malformed or unrecognized upstream frames.
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketd_protocol_errors_total",
		Help: "Malformed or unrecognized upstream frames",
	})

	// SequenceGaps counts order-book sequence gaps that forced a refresh.
	SequenceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketd_book_sequence_gaps_total",
		Help: "Order book sequence gaps by symbol",
	}, []string{"symbol"})

	// Reconnects counts upstream reconnect attempts.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketd_ws_reconnects_total",
		Help: "Upstream WebSocket reconnect attempts",
	})

	// Connected reports the upstream connection state (1 connected, 0 not).
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketd_ws_connected",
		Help: "Upstream WebSocket connection state",
	})

	// BusDrops counts events dropped per bus subscriber.
	BusDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketd_bus_drops_total",
		Help: "Events dropped by the event bus, per subscriber",
	}, []string{"subscriber"})

	// BusPublished counts events published per topic.
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketd_bus_published_total",
		Help: "Events published on the event bus, per topic",
	}, []string{"topic"})

	// StoreErrors counts OHLCV store operations that failed after retry.
	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketd_store_errors_total",
		Help: "OHLCV store operations failed after retry",
	})

	// StoreReads counts OHLCV range queries served by the store.
	StoreReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketd_store_reads_total",
		Help: "OHLCV range queries executed against the store",
	})

	// CandlesSealed counts candles sealed and handed to persistence.
	CandlesSealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketd_candles_sealed_total",
		Help: "Candles sealed, by timeframe",
	}, []string{"timeframe"})

	// BackfillPages counts REST pages fetched by the backfill engine.
	BackfillPages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketd_backfill_pages_total",
		Help: "Historical OHLC pages fetched",
	})

	// BackfillCandles counts candles imported by backfill jobs.
	BackfillCandles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketd_backfill_candles_total",
		Help: "Candles imported by backfill jobs",
	})

	// QueryCacheHits counts historical query cache hits.
	QueryCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketd_query_cache_hits_total",
		Help: "Historical query cache hits",
	})

	// QueryCacheMisses counts historical query cache misses.
	QueryCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketd_query_cache_misses_total",
		Help: "Historical query cache misses",
	})

	// PushClients reports currently connected push subscribers.
	PushClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketd_push_clients",
		Help: "Connected push-surface WebSocket clients",
	})
)
