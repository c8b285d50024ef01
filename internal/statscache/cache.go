// Package statscache is the in-memory, per-rule live counter cache the
// forward manager owns and the TCP/UDP forwarders write into from their
// hot paths. It is sized far above any realistic rule count so that, in
// normal operation, entries are never evicted — the cache's only job is
// cheap concurrent read-modify-write over whole RuleStats entries.
package statscache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/TheOrdinaryWow/pedicab/internal/model"
)

// defaultCapacity is sized well above any realistic rule count, matching
// the spirit of the original implementation's 10,000,000-entry moka
// cache. Eviction under this cap should never be observed in practice.
const defaultCapacity = 100_000

// Cache is a bounded, concurrency-safe rule-id -> RuleStats map.
type Cache struct {
	lru *lru.Cache[uuid.UUID, model.RuleStats]
	// mu makes each Mutate's load-apply-store a single step, so
	// concurrent Mutate calls on one id never lose an update.
	mu sync.Mutex
}

// New builds a stats cache at the default capacity.
func New() (*Cache, error) {
	c, err := lru.New[uuid.UUID, model.RuleStats](defaultCapacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Get returns the cached stats for id, or the zero value if absent.
func (c *Cache) Get(id uuid.UUID) (model.RuleStats, bool) {
	return c.lru.Get(id)
}

// Insert replaces the whole stats entry for id.
func (c *Cache) Insert(id uuid.UUID, stats model.RuleStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(id, stats)
}

// Items returns a snapshot of every cached (id, stats) pair.
func (c *Cache) Items() map[uuid.UUID]model.RuleStats {
	keys := c.lru.Keys()
	out := make(map[uuid.UUID]model.RuleStats, len(keys))
	for _, k := range keys {
		if v, ok := c.lru.Peek(k); ok {
			out[k] = v
		}
	}
	return out
}

// Mutate loads the entry for id (or its zero value if absent), applies
// fn, and writes the result back — the funnel point every per-connection
// atomic counter is folded through by the stats updaters in
// internal/forward.
func (c *Cache) Mutate(id uuid.UUID, fn func(model.RuleStats) model.RuleStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, _ := c.lru.Get(id)
	c.lru.Add(id, fn(prev))
}
