package market

import "time"

// Event is the sealed set of decoded upstream messages. Everything past the
// Codec switches on the concrete variant; no raw frame access survives the
// decode boundary.
type Event interface {
	eventKind() string
}

// TickerUpdate carries last/bid/ask and 24h summary stats for one symbol.
type TickerUpdate struct {
	Ticker Ticker
}

// BookSnapshot replaces the local order-book state for a symbol.
type BookSnapshot struct {
	Symbol    Symbol
	Bids      []BookLevel
	Asks      []BookLevel
	Seq       int64
	Timestamp time.Time
}

// BookDelta applies incremental level updates referenced by Seq.
// A zero-size level removes that price from its side.
type BookDelta struct {
	Symbol    Symbol
	Bids      []BookLevel
	Asks      []BookLevel
	Seq       int64
	Timestamp time.Time
}

// Heartbeat is an upstream liveness frame. No cache effect.
type Heartbeat struct {
	Timestamp time.Time
}

// SubscribeAck confirms a subscribe or unsubscribe request. Logged only;
// the ingest path tolerates data before, and in absence of, acks.
type SubscribeAck struct {
	Channel    Channel
	Symbol     Symbol
	Subscribed bool
}

// ErrorEvent is an upstream-reported protocol error.
type ErrorEvent struct {
	Message string
}

func (TickerUpdate) eventKind() string { return "ticker" }
func (BookSnapshot) eventKind() string { return "book_snapshot" }
func (BookDelta) eventKind() string    { return "book_delta" }
func (Heartbeat) eventKind() string    { return "heartbeat" }
func (SubscribeAck) eventKind() string { return "subscribe_ack" }
func (ErrorEvent) eventKind() string   { return "error" }
