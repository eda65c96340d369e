package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishTickers(bus *Bus, n int) {
	for i := 0; i < n; i++ {
		tk := Ticker{Symbol: "BTC/USD", Last: float64(i)}
		bus.Publish(Envelope{Topic: TopicTicker, Symbol: tk.Symbol, Ticker: &tk})
	}
}

func TestBus_TopicFiltering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	tickers := bus.Subscribe("tickers", []string{TopicTicker}, 8, PolicyDropOldest)
	books := bus.Subscribe("books", []string{TopicOrderBook}, 8, PolicyDropOldest)

	tk := Ticker{Symbol: "BTC/USD", Last: 1}
	bus.Publish(Envelope{Topic: TopicTicker, Symbol: tk.Symbol, Ticker: &tk})

	select {
	case env := <-tickers.C():
		assert.Equal(t, TopicTicker, env.Topic)
		assert.Equal(t, 1.0, env.Ticker.Last)
	case <-time.After(time.Second):
		t.Fatal("ticker subscriber got nothing")
	}

	select {
	case env := <-books.C():
		t.Fatalf("book subscriber got unexpected %s event", env.Topic)
	default:
	}
}

// A slow subscriber under drop_oldest loses old events but never stalls the
// publisher or its peers.
func TestBus_SlowSubscriberDoesNotStallFastOne(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	const total = 10000
	const capacity = 256

	fast := bus.Subscribe("fast", []string{TopicTicker}, total, PolicyDropOldest)
	slow := bus.Subscribe("slow", []string{TopicTicker}, capacity, PolicyDropOldest)

	done := make(chan struct{})
	go func() {
		publishTickers(bus, total)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher stalled by slow subscriber")
	}

	// Fast subscriber sees everything, in order.
	prev := -1.0
	received := 0
	for {
		select {
		case env := <-fast.C():
			assert.Greater(t, env.Ticker.Last, prev, "per-symbol order violated")
			prev = env.Ticker.Last
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, total, received)
	assert.Zero(t, fast.Drops())

	// Slow subscriber kept only its queue depth; the rest were dropped,
	// oldest first.
	assert.Equal(t, int64(total-capacity), slow.Drops())
	env := <-slow.C()
	assert.Equal(t, float64(total-capacity), env.Ticker.Last, "drop_oldest keeps the newest events")
}

func TestBus_DropNewestKeepsOldest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("s", []string{TopicTicker}, 4, PolicyDropNewest)
	publishTickers(bus, 10)

	assert.Equal(t, int64(6), sub.Drops())
	env := <-sub.C()
	assert.Equal(t, 0.0, env.Ticker.Last, "drop_newest keeps the oldest events")
}

func TestBus_BlockPolicyDelivers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("backfills", []string{TopicBackfill}, 1, PolicyBlock)

	delivered := make(chan struct{})
	go func() {
		bus.Publish(Envelope{Topic: TopicBackfill, Symbol: "BTC/USD", Backfill: &BackfillDone{Candles: 10}})
		bus.Publish(Envelope{Topic: TopicBackfill, Symbol: "BTC/USD", Backfill: &BackfillDone{Candles: 20}})
		close(delivered)
	}()

	first := <-sub.C()
	assert.Equal(t, 10, first.Backfill.Candles)
	second := <-sub.C()
	assert.Equal(t, 20, second.Backfill.Candles)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("block policy publisher never finished")
	}
	assert.Zero(t, sub.Drops())
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("s", []string{TopicTicker}, 4, PolicyDropOldest)

	bus.Unsubscribe("s")
	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op, not a panic.
	publishTickers(bus, 1)
	bus.Close()
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("drop_oldest")
	require.NoError(t, err)
	assert.Equal(t, PolicyDropOldest, p)

	_, err = ParsePolicy("spill")
	assert.Error(t, err)
}
