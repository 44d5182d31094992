// Package cache holds the order-scoped cache of test definitions and drafts
// used while an order is open for result entry.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lab-validation-server/internal/domain"
)

// OrderEntry is everything cached for one order, keyed by test id.
type OrderEntry struct {
	Definitions map[string]*domain.TestDefinition
	Drafts      map[string][]domain.DraftRecord
}

func (e *OrderEntry) clone() *OrderEntry {
	c := &OrderEntry{
		Definitions: make(map[string]*domain.TestDefinition, len(e.Definitions)),
		Drafts:      make(map[string][]domain.DraftRecord, len(e.Drafts)),
	}
	for k, v := range e.Definitions {
		c.Definitions[k] = v
	}
	for k, v := range e.Drafts {
		c.Drafts[k] = v
	}
	return c
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// OrderCache is an LRU of OrderEntry values keyed by order id. Entries expire
// after the configured TTL.
type OrderCache struct {
	mu    sync.Mutex
	lru   *expirable.LRU[string, *OrderEntry]
	hits  atomic.Int64
	miss  atomic.Int64
	evict atomic.Int64
}

// NewOrderCache creates a cache holding at most size orders.
func NewOrderCache(size int, ttl time.Duration) *OrderCache {
	if size <= 0 {
		size = 256
	}
	c := &OrderCache{}
	c.lru = expirable.NewLRU[string, *OrderEntry](size, func(string, *OrderEntry) {
		c.evict.Add(1)
	}, ttl)
	return c
}

// Definition returns the cached definition of a test in an order.
func (c *OrderCache) Definition(orderID, testID string) (*domain.TestDefinition, bool) {
	entry, ok := c.lru.Get(orderID)
	if ok {
		if def, found := entry.Definitions[testID]; found {
			c.hits.Add(1)
			return def, true
		}
	}
	c.miss.Add(1)
	return nil, false
}

// Drafts returns the cached drafts of a test. A cached empty slice is a hit:
// the test was loaded and had no drafts.
func (c *OrderCache) Drafts(orderID, testID string) ([]domain.DraftRecord, bool) {
	entry, ok := c.lru.Get(orderID)
	if ok {
		if drafts, found := entry.Drafts[testID]; found {
			c.hits.Add(1)
			return append([]domain.DraftRecord(nil), drafts...), true
		}
	}
	c.miss.Add(1)
	return nil, false
}

// PutDefinition caches the definition of a test.
func (c *OrderCache) PutDefinition(orderID, testID string, def *domain.TestDefinition) {
	c.update(orderID, func(e *OrderEntry) {
		e.Definitions[testID] = def
	})
}

// PutDrafts replaces the cached drafts of a test.
func (c *OrderCache) PutDrafts(orderID, testID string, drafts []domain.DraftRecord) {
	stored := make([]domain.DraftRecord, len(drafts))
	copy(stored, drafts)
	c.update(orderID, func(e *OrderEntry) {
		e.Drafts[testID] = stored
	})
}

// MergeDrafts upserts saved records into whatever is cached for their tests.
func (c *OrderCache) MergeDrafts(records []domain.DraftRecord) {
	byOrder := make(map[string][]domain.DraftRecord)
	for _, r := range records {
		byOrder[r.OrderID] = append(byOrder[r.OrderID], r)
	}

	for orderID, recs := range byOrder {
		c.update(orderID, func(e *OrderEntry) {
			for _, r := range recs {
				current := e.Drafts[r.TestID]
				merged := make([]domain.DraftRecord, 0, len(current)+1)
				replaced := false
				for _, existing := range current {
					if existing.ParameterID == r.ParameterID {
						merged = append(merged, r)
						replaced = true
						continue
					}
					merged = append(merged, existing)
				}
				if !replaced {
					merged = append(merged, r)
				}
				e.Drafts[r.TestID] = merged
			}
		})
	}
}

// InvalidateDrafts drops the cached drafts of one test so the next read goes
// to the repository. Cached definitions are kept.
func (c *OrderCache) InvalidateDrafts(orderID, testID string) {
	c.mu.Lock()
	current, ok := c.lru.Peek(orderID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if _, cached := current.Drafts[testID]; !cached {
		return
	}
	c.update(orderID, func(e *OrderEntry) {
		delete(e.Drafts, testID)
	})
}

// Invalidate drops everything cached for an order.
func (c *OrderCache) Invalidate(orderID string) {
	c.lru.Remove(orderID)
}

// Stats returns a snapshot of the cache counters.
func (c *OrderCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.miss.Load(),
		Evictions: c.evict.Load(),
		Entries:   c.lru.Len(),
	}
}

// update applies fn to a copy of the entry and stores the copy, so readers
// holding the previous entry never observe a partial write.
func (c *OrderCache) update(orderID string, fn func(e *OrderEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *OrderEntry
	if current, ok := c.lru.Peek(orderID); ok {
		next = current.clone()
	} else {
		next = &OrderEntry{
			Definitions: make(map[string]*domain.TestDefinition),
			Drafts:      make(map[string][]domain.DraftRecord),
		}
	}
	fn(next)
	c.lru.Add(orderID, next)
}
