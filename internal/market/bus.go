package market

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sawpanic/marketd/internal/metrics"
)

// Bus topics.
const (
	TopicTicker    = "market:ticker"
	TopicOrderBook = "market:orderbook"
	TopicBackfill  = "backfill:done"
)

// Policy controls what happens when a subscriber queue is full.
type Policy string

const (
	PolicyBlock      Policy = "block"
	PolicyDropOldest Policy = "drop_oldest"
	PolicyDropNewest Policy = "drop_newest"
)

// ParsePolicy validates a policy string.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyBlock, PolicyDropOldest, PolicyDropNewest:
		return p, nil
	}
	return "", fmt.Errorf("unknown bus policy: %q", s)
}

// BackfillDone announces a completed backfill job on TopicBackfill.
type BackfillDone struct {
	Symbol    Symbol    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Candles   int       `json:"candles"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

// Envelope is one value-typed event on the bus. Exactly one payload field is
// set, matching Topic. Payloads are private copies; subscribers never share
// mutable state with the cache.
type Envelope struct {
	Topic    string
	Symbol   Symbol
	Ticker   *Ticker
	Book     *OrderBook
	Backfill *BackfillDone
	At       time.Time
}

// BusSubscriber is one registered downstream consumer with its own bounded
// queue. A slow subscriber affects only its own queue.
type BusSubscriber struct {
	name   string
	topics map[string]bool
	policy Policy

	mu sync.Mutex // serializes queue surgery for drop_oldest
	ch chan Envelope

	drops  atomic.Int64
	closed atomic.Bool
}

// C returns the subscriber's receive channel. Closed on Unsubscribe or bus
// shutdown.
func (s *BusSubscriber) C() <-chan Envelope { return s.ch }

// Name returns the subscriber's registration name.
func (s *BusSubscriber) Name() string { return s.name }

// Drops returns the number of events dropped for this subscriber.
func (s *BusSubscriber) Drops() int64 { return s.drops.Load() }

// Bus fans events out from the ingest pipeline to N subscribers. Delivery to
// each subscriber is independent: with a drop policy, a full queue costs the
// publisher nothing.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*BusSubscriber
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*BusSubscriber)}
}

// Subscribe registers a named subscriber for the given topics. Capacity <= 0
// falls back to 256. Re-using a name replaces the previous subscriber.
func (b *Bus) Subscribe(name string, topics []string, capacity int, policy Policy) *BusSubscriber {
	if capacity <= 0 {
		capacity = 256
	}
	topicSet := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	sub := &BusSubscriber{
		name:   name,
		topics: topicSet,
		policy: policy,
		ch:     make(chan Envelope, capacity),
	}

	b.mu.Lock()
	if prev, ok := b.subs[name]; ok {
		prev.close()
	}
	b.subs[name] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	if sub, ok := b.subs[name]; ok {
		delete(b.subs, name)
		sub.close()
	}
	b.mu.Unlock()
}

// Publish delivers an envelope to every subscriber of its topic.
func (b *Bus) Publish(env Envelope) {
	if env.At.IsZero() {
		env.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	metrics.BusPublished.WithLabelValues(env.Topic).Inc()
	for _, sub := range b.subs {
		if sub.topics[env.Topic] {
			sub.deliver(env)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, sub := range b.subs {
		sub.close()
		delete(b.subs, name)
	}
}

func (s *BusSubscriber) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

func (s *BusSubscriber) deliver(env Envelope) {
	if s.closed.Load() {
		return
	}
	switch s.policy {
	case PolicyBlock:
		s.ch <- env
	case PolicyDropNewest:
		select {
		case s.ch <- env:
		default:
			s.drop()
		}
	default: // drop_oldest
		select {
		case s.ch <- env:
			return
		default:
		}
		s.mu.Lock()
		select {
		case <-s.ch:
			s.drop()
		default:
		}
		select {
		case s.ch <- env:
		default:
			s.drop()
		}
		s.mu.Unlock()
	}
}

func (s *BusSubscriber) drop() {
	s.drops.Add(1)
	metrics.BusDrops.WithLabelValues(s.name).Inc()
}
