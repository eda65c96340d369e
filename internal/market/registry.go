package market

import (
	"sort"
	"sync"
)

// Registry is the authoritative set of subscriptions the service intends to
// hold open, independent of connection state. The control path is the only
// writer; the connection manager reads snapshots.
type Registry struct {
	mu   sync.Mutex
	subs map[string]Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]Subscription)}
}

// Add records a subscription intent. Idempotent: returns false when an entry
// for (channel, symbol) already exists. A differing depth updates the entry
// but still reports it as existing.
func (r *Registry) Add(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.subs[sub.Key()]
	r.subs[sub.Key()] = sub
	return !exists
}

// Remove deletes a subscription intent. Returns false when no entry existed.
func (r *Registry) Remove(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.subs[sub.Key()]
	delete(r.subs, sub.Key())
	return exists
}

// Snapshot returns a point-in-time copy for the resubscribe pass, sorted by
// key so resubscription order is stable.
func (r *Registry) Snapshot() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Len returns the number of active subscription intents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
