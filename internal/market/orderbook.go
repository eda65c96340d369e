package market

import (
	"fmt"
	"sort"
)

// NewOrderBook builds a reconciled book from a snapshot event. Zero-size
// levels in the snapshot are dropped; sides are sorted on entry.
func NewOrderBook(snap BookSnapshot) *OrderBook {
	b := &OrderBook{
		Symbol:    snap.Symbol,
		Bids:      compactLevels(snap.Bids),
		Asks:      compactLevels(snap.Asks),
		Seq:       snap.Seq,
		UpdatedAt: snap.Timestamp,
	}
	sortSide(b.Bids, true)
	sortSide(b.Asks, false)
	return b
}

// ErrSequenceGap signals that a delta's sequence does not continue the
// book's. The caller discards the snapshot and forces a refresh.
var ErrSequenceGap = fmt.Errorf("order book sequence gap")

// ApplyDelta folds one delta into the book. Level semantics: size 0 removes
// the price; any other size upserts it. Returns ErrSequenceGap when the
// delta does not carry Seq == book.Seq + 1.
func (b *OrderBook) ApplyDelta(delta BookDelta) error {
	if delta.Seq != b.Seq+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, b.Seq, delta.Seq)
	}

	b.Bids = applyLevels(b.Bids, delta.Bids)
	b.Asks = applyLevels(b.Asks, delta.Asks)
	sortSide(b.Bids, true)
	sortSide(b.Asks, false)

	b.Seq = delta.Seq
	b.UpdatedAt = delta.Timestamp
	return nil
}

// Crossed reports whether the book violates best_bid < best_ask. An empty
// side never crosses.
func (b *OrderBook) Crossed() bool {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	return okB && okA && bid.Price >= ask.Price
}

func applyLevels(side []BookLevel, updates []BookLevel) []BookLevel {
	for _, u := range updates {
		idx := -1
		for i, lvl := range side {
			if lvl.Price == u.Price {
				idx = i
				break
			}
		}
		switch {
		case u.Size == 0 && idx >= 0:
			side = append(side[:idx], side[idx+1:]...)
		case u.Size == 0:
			// Removal of an unknown level; upstream races this on depth
			// boundaries, ignore.
		case idx >= 0:
			side[idx].Size = u.Size
		default:
			side = append(side, u)
		}
	}
	return side
}

func compactLevels(levels []BookLevel) []BookLevel {
	out := make([]BookLevel, 0, len(levels))
	for _, lvl := range levels {
		if lvl.Size > 0 {
			out = append(out, lvl)
		}
	}
	return out
}

func sortSide(side []BookLevel, descending bool) {
	sort.Slice(side, func(i, j int) bool {
		if descending {
			return side[i].Price > side[j].Price
		}
		return side[i].Price < side[j].Price
	})
}
