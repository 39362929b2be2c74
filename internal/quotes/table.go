// Package quotes maintains the latest market quote per contract.
//
// Unlike the order book and position table, the quote table carries its own
// lock: price updates arrive at high frequency and bypass the coordinator's
// serialized apply path, while risk snapshots read concurrently.
package quotes

import (
	"sort"
	"sync"
	"time"

	"github.com/quanterra/optiondesk/internal/schema"
)

// Table holds the most recent quote per contract key. Safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	byKey map[string]schema.Quote
}

// NewTable constructs an empty quote table.
func NewTable() *Table {
	return &Table{byKey: make(map[string]schema.Quote)}
}

// Upsert records the quote unless a newer one is already held. Returns true
// when the quote was stored.
func (t *Table) Upsert(q schema.Quote) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	held, ok := t.byKey[q.ContractKey]
	if ok && held.Timestamp.After(q.Timestamp) {
		return false
	}
	t.byKey[q.ContractKey] = q
	return true
}

// Get returns the latest quote for the contract key.
func (t *Table) Get(key string) (schema.Quote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.byKey[key]
	return q, ok
}

// All returns every held quote sorted by contract key.
func (t *Table) All() []schema.Quote {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]schema.Quote, 0, len(t.byKey))
	for _, q := range t.byKey {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractKey < out[j].ContractKey })
	return out
}

// Stale returns the keys of quotes older than the threshold as of now.
func (t *Table) Stale(now time.Time, threshold time.Duration) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var keys []string
	for key, q := range t.byKey {
		if q.StaleAt(now, threshold) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len reports the number of contracts with a held quote.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byKey)
}
