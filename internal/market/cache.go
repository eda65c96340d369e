package market

import (
	"hash/fnv"
	"sync"
)

const cacheShards = 16

// StateCache holds the last-known ticker and order book per symbol, sharded
// by symbol so readers of one shard never contend with writers of another.
// The ingest task is the sole writer; everything else reads.
type StateCache struct {
	shards [cacheShards]*cacheShard
}

type cacheShard struct {
	mu      sync.RWMutex
	tickers map[Symbol]Ticker
	books   map[Symbol]*OrderBook
}

// CacheSizes reports entry counts for health and stats endpoints.
type CacheSizes struct {
	Tickers int `json:"tickers"`
	Books   int `json:"books"`
}

// NewStateCache creates an empty cache.
func NewStateCache() *StateCache {
	c := &StateCache{}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			tickers: make(map[Symbol]Ticker),
			books:   make(map[Symbol]*OrderBook),
		}
	}
	return c
}

func (c *StateCache) shard(sym Symbol) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(sym))
	return c.shards[h.Sum32()%cacheShards]
}

// SetTicker stores the last-known ticker for a symbol.
func (c *StateCache) SetTicker(tk Ticker) {
	s := c.shard(tk.Symbol)
	s.mu.Lock()
	s.tickers[tk.Symbol] = tk
	s.mu.Unlock()
}

// Ticker returns the last-known ticker for a symbol.
func (c *StateCache) Ticker(sym Symbol) (Ticker, bool) {
	s := c.shard(sym)
	s.mu.RLock()
	tk, ok := s.tickers[sym]
	s.mu.RUnlock()
	return tk, ok
}

// AllTickers returns a snapshot copy of every cached ticker.
func (c *StateCache) AllTickers() []Ticker {
	var out []Ticker
	for _, s := range c.shards {
		s.mu.RLock()
		for _, tk := range s.tickers {
			out = append(out, tk)
		}
		s.mu.RUnlock()
	}
	return out
}

// SetBook stores the reconciled order book for a symbol. The cache takes
// ownership of the pointer; the ingest task hands clones downstream.
func (c *StateCache) SetBook(book *OrderBook) {
	s := c.shard(book.Symbol)
	s.mu.Lock()
	s.books[book.Symbol] = book
	s.mu.Unlock()
}

// Book returns a deep copy of the order book for a symbol, so callers can
// hold it across task boundaries.
func (c *StateCache) Book(sym Symbol) (*OrderBook, bool) {
	s := c.shard(sym)
	s.mu.RLock()
	book, ok := s.books[sym]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return book.Clone(), true
}

// DropBook discards the book for a symbol, e.g. after a sequence gap while
// a fresh snapshot is in flight.
func (c *StateCache) DropBook(sym Symbol) {
	s := c.shard(sym)
	s.mu.Lock()
	delete(s.books, sym)
	s.mu.Unlock()
}

// Sizes returns current entry counts.
func (c *StateCache) Sizes() CacheSizes {
	var sz CacheSizes
	for _, s := range c.shards {
		s.mu.RLock()
		sz.Tickers += len(s.tickers)
		sz.Books += len(s.books)
		s.mu.RUnlock()
	}
	return sz
}
