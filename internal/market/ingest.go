package market

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketd/internal/metrics"
)

// Pipeline consumes decoded events in receive order and is the sole mutator
// of the state cache and of open candle buckets. One Run loop serializes all
// per-symbol mutations, which is the ordering contract subscribers rely on.
type Pipeline struct {
	cache   *StateCache
	tracker *CandleTracker
	bus     *Bus
	store   CandleStore

	// refresh re-sends an order-book subscribe after a sequence gap.
	refresh func(Symbol)

	// books are the pipeline-owned live snapshots; the cache only ever
	// holds clones.
	books map[Symbol]*OrderBook

	flushInterval time.Duration
	storeTimeout  time.Duration
}

// NewPipeline wires the ingest path. refresh may be nil (gaps then only
// drop the local book).
func NewPipeline(cache *StateCache, tracker *CandleTracker, bus *Bus, store CandleStore, refresh func(Symbol)) *Pipeline {
	return &Pipeline{
		cache:         cache,
		tracker:       tracker,
		bus:           bus,
		store:         store,
		refresh:       refresh,
		books:         make(map[Symbol]*OrderBook),
		flushInterval: 5 * time.Second,
		storeTimeout:  10 * time.Second,
	}
}

// Run consumes events until the channel closes or ctx is cancelled. The
// scheduled flush runs on the same loop so bucket state stays single-writer.
// On exit every open bucket is sealed at the last observed price and
// persisted.
func (p *Pipeline) Run(ctx context.Context, events <-chan Event) {
	flush := time.NewTicker(p.flushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			p.persist(context.Background(), p.tracker.FlushAll(), false)
			return
		case ev, ok := <-events:
			if !ok {
				p.persist(context.Background(), p.tracker.FlushAll(), false)
				return
			}
			p.Handle(ctx, ev)
		case now := <-flush.C:
			p.persist(ctx, p.tracker.FlushBefore(now.UTC()), false)
		}
	}
}

// Handle applies one decoded event.
func (p *Pipeline) Handle(ctx context.Context, ev Event) {
	metrics.FramesDecoded.WithLabelValues(ev.eventKind()).Inc()

	switch e := ev.(type) {
	case TickerUpdate:
		p.handleTicker(ctx, e.Ticker)
	case BookSnapshot:
		p.handleSnapshot(e)
	case BookDelta:
		p.handleDelta(e)
	case SubscribeAck:
		verb := "unsubscribed"
		if e.Subscribed {
			verb = "subscribed"
		}
		log.Debug().Str("channel", string(e.Channel)).Str("symbol", string(e.Symbol)).Msg("upstream " + verb)
	case Heartbeat:
		// Liveness is tracked by the connection manager; nothing to do.
	case ErrorEvent:
		metrics.ProtocolErrors.Inc()
		log.Warn().Str("message", e.Message).Msg("upstream error frame")
	}
}

func (p *Pipeline) handleTicker(ctx context.Context, tk Ticker) {
	if tk.Bid != 0 && tk.Ask != 0 && (tk.Bid > tk.Last || tk.Last > tk.Ask) {
		// Last-write wins within the frame; the cache is not poisoned.
		log.Warn().
			Str("symbol", string(tk.Symbol)).
			Float64("bid", tk.Bid).Float64("last", tk.Last).Float64("ask", tk.Ask).
			Msg("ticker violates bid <= last <= ask")
	}

	p.cache.SetTicker(tk)
	p.persist(ctx, p.tracker.Apply(tk), false)

	copied := tk
	p.bus.Publish(Envelope{Topic: TopicTicker, Symbol: tk.Symbol, Ticker: &copied, At: tk.Timestamp})
}

func (p *Pipeline) handleSnapshot(snap BookSnapshot) {
	book := NewOrderBook(snap)
	if book.Crossed() {
		log.Warn().Str("symbol", string(snap.Symbol)).Msg("crossed book in snapshot")
	}
	p.books[snap.Symbol] = book
	p.cache.SetBook(book.Clone())
	p.bus.Publish(Envelope{Topic: TopicOrderBook, Symbol: snap.Symbol, Book: book.Clone(), At: snap.Timestamp})
}

func (p *Pipeline) handleDelta(delta BookDelta) {
	book, ok := p.books[delta.Symbol]
	if !ok {
		// Between a gap and the next snapshot; intermediate deltas drop.
		return
	}
	if err := book.ApplyDelta(delta); err != nil {
		metrics.SequenceGaps.WithLabelValues(string(delta.Symbol)).Inc()
		log.Warn().Err(err).Str("symbol", string(delta.Symbol)).Msg("book gap, forcing snapshot refresh")
		delete(p.books, delta.Symbol)
		p.cache.DropBook(delta.Symbol)
		if p.refresh != nil {
			p.refresh(delta.Symbol)
		}
		return
	}
	p.cache.SetBook(book.Clone())
	p.bus.Publish(Envelope{Topic: TopicOrderBook, Symbol: delta.Symbol, Book: book.Clone(), At: delta.Timestamp})
}

// persist hands sealed candles to the store. Store failures are logged and
// counted; the ticker stream continues regardless.
func (p *Pipeline) persist(ctx context.Context, sealed []Candle, authoritative bool) {
	if len(sealed) == 0 || p.store == nil {
		return
	}
	for _, c := range sealed {
		metrics.CandlesSealed.WithLabelValues(string(c.Timeframe)).Inc()
	}
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.store.Upsert(ctx, sealed, authoritative); err != nil {
		log.Error().Err(err).Int("candles", len(sealed)).Msg("candle persist failed, dropping batch")
	}
}
