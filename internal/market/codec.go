package market

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Codec translates between upstream wire frames and the typed Event set.
// It is the single authority on the upstream field layout and on symbol
// normalization; nothing downstream touches raw JSON or native pair names.
type Codec struct {
	mu   sync.Mutex
	seqs map[Symbol]int64 // receive-order sequence for book frames without one

	aliases map[string]string // upstream base-currency aliases, e.g. XBT -> BTC
}

// NewCodec creates a codec with the upstream's known currency aliases.
func NewCodec() *Codec {
	return &Codec{
		seqs: make(map[Symbol]int64),
		aliases: map[string]string{
			"XBT":  "BTC",
			"XDG":  "DOGE",
			"ZUSD": "USD",
			"ZEUR": "EUR",
		},
	}
}

// wireFrame is the superset layout of every upstream text frame. Control
// frames carry "event"; data frames carry "channel".
type wireFrame struct {
	Event   string `json:"event,omitempty"`
	Channel string `json:"channel,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Type    string `json:"type,omitempty"` // book frames: "snapshot" | "delta"
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	Data *wireTicker  `json:"data,omitempty"`
	Bids [][2]float64 `json:"bids,omitempty"`
	Asks [][2]float64 `json:"asks,omitempty"`
	Seq  *int64       `json:"seq,omitempty"`
	TS   int64        `json:"ts,omitempty"` // unix milliseconds
}

type wireTicker struct {
	Last      float64 `json:"last"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Volume    float64 `json:"volume"`
	Change    float64 `json:"change"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Timestamp int64   `json:"ts"`
}

type wireSubscribe struct {
	Event    string   `json:"event"`
	Channel  string   `json:"channel"`
	Symbols  []string `json:"symbols"`
	Depth    int      `json:"depth,omitempty"`
	ReqID    string   `json:"req_id,omitempty"`
}

// Normalize converts an upstream-native pair name to canonical form:
// "XBT-USD" -> "BTC/USD".
func (c *Codec) Normalize(native string) Symbol {
	parts := strings.SplitN(strings.ReplaceAll(native, "-", "/"), "/", 2)
	for i, p := range parts {
		p = strings.ToUpper(p)
		if canon, ok := c.aliases[p]; ok {
			p = canon
		}
		parts[i] = p
	}
	return Symbol(strings.Join(parts, "/"))
}

// Denormalize converts a canonical symbol back to the upstream's native form.
func (c *Codec) Denormalize(sym Symbol) string {
	parts := strings.SplitN(string(sym), "/", 2)
	for i, p := range parts {
		for native, canon := range c.aliases {
			if canon == p && len(native) == 3 {
				p = native
			}
		}
		parts[i] = p
	}
	return strings.Join(parts, "-")
}

// Decode parses one upstream text frame into a typed Event.
func (c *Codec) Decode(frame []byte) (Event, error) {
	var w wireFrame
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch {
	case w.Event == "heartbeat":
		return Heartbeat{Timestamp: msToTime(w.TS)}, nil

	case w.Event == "subscriptionStatus":
		ch := Channel(w.Channel)
		if !ch.Valid() {
			return nil, fmt.Errorf("subscription status for unknown channel %q", w.Channel)
		}
		return SubscribeAck{
			Channel:    ch,
			Symbol:     c.Normalize(w.Symbol),
			Subscribed: w.Status == "subscribed",
		}, nil

	case w.Event == "error":
		return ErrorEvent{Message: w.Message}, nil

	case w.Channel == "ticker":
		if w.Data == nil {
			return nil, fmt.Errorf("ticker frame without data for %q", w.Symbol)
		}
		return TickerUpdate{Ticker: Ticker{
			Symbol:    c.Normalize(w.Symbol),
			Last:      w.Data.Last,
			Bid:       w.Data.Bid,
			Ask:       w.Data.Ask,
			Volume24h: w.Data.Volume,
			Change24h: w.Data.Change,
			High24h:   w.Data.High,
			Low24h:    w.Data.Low,
			Timestamp: msToTime(w.Data.Timestamp),
		}}, nil

	case w.Channel == "book":
		sym := c.Normalize(w.Symbol)
		seq := c.bookSeq(sym, w.Seq, w.Type == "snapshot")
		ts := msToTime(w.TS)
		if w.Type == "snapshot" {
			return BookSnapshot{
				Symbol:    sym,
				Bids:      toLevels(w.Bids),
				Asks:      toLevels(w.Asks),
				Seq:       seq,
				Timestamp: ts,
			}, nil
		}
		return BookDelta{
			Symbol:    sym,
			Bids:      toLevels(w.Bids),
			Asks:      toLevels(w.Asks),
			Seq:       seq,
			Timestamp: ts,
		}, nil
	}

	return nil, fmt.Errorf("unrecognized frame: event=%q channel=%q", w.Event, w.Channel)
}

// bookSeq returns the upstream sequence if present, otherwise assigns one in
// receive order. A snapshot resets local tracking; a wrap therefore shows up
// downstream as a gap, which forces a fresh snapshot.
func (c *Codec) bookSeq(sym Symbol, upstream *int64, snapshot bool) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if upstream != nil {
		c.seqs[sym] = *upstream
		return *upstream
	}
	if snapshot {
		c.seqs[sym] = 1
		return 1
	}
	c.seqs[sym]++
	return c.seqs[sym]
}

// EncodeSubscribe renders a subscribe control frame for one subscription.
func (c *Codec) EncodeSubscribe(sub Subscription) ([]byte, error) {
	return json.Marshal(wireSubscribe{
		Event:   "subscribe",
		Channel: wireChannel(sub.Channel),
		Symbols: []string{c.Denormalize(sub.Symbol)},
		Depth:   sub.Depth,
	})
}

// EncodeUnsubscribe renders an unsubscribe control frame.
func (c *Codec) EncodeUnsubscribe(sub Subscription) ([]byte, error) {
	return json.Marshal(wireSubscribe{
		Event:   "unsubscribe",
		Channel: wireChannel(sub.Channel),
		Symbols: []string{c.Denormalize(sub.Symbol)},
	})
}

// EncodePing renders the application-level ping frame.
func (c *Codec) EncodePing() []byte {
	return []byte(`{"event":"ping"}`)
}

// wireChannel maps the canonical channel name to the upstream's.
func wireChannel(ch Channel) string {
	if ch == ChannelOrderBook {
		return "book"
	}
	return string(ch)
}

func toLevels(raw [][2]float64) []BookLevel {
	if len(raw) == 0 {
		return nil
	}
	levels := make([]BookLevel, len(raw))
	for i, pair := range raw {
		levels[i] = BookLevel{Price: pair[0], Size: pair[1]}
	}
	return levels
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
