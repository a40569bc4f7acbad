package core

import (
	"MarketLedger/internal/observability"
	"MarketLedger/internal/store"
	"container/list"
	"context"
	"fmt"
	"sync"
)

// IdempotencyChecker implements two-tier deduplication of confirmations.
// It only short-circuits known duplicates; the confirmation log written in
// the applying transaction is the authority.
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU
	mu  sync.Mutex

	// Tier 2: durable confirmation log (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for the durable dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate checks if the confirmation has been applied (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", eventType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	ic.mu.Lock()
	hit := ic.lru.Contains(compositeKey)
	ic.mu.Unlock()
	if hit {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	// Tier 2: confirmation log (cold path)
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(ctx, eventType, idempotencyKey)
		if err != nil {
			// Assume not duplicate; the unique key on the log still rejects it.
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return false
		}

		if isDup {
			ic.recordDuplicate(eventType, "store")
			ic.MarkProcessed(eventType, idempotencyKey)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after the applying transaction commits
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	before := ic.lru.Evictions()
	ic.lru.Add(fmt.Sprintf("%s:%s", eventType, idempotencyKey))
	ic.observe(before)
}

// Warm loads recently applied composite keys ("type:key") into the LRU so a
// restart does not send every redelivery to the store.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	before := ic.lru.Evictions()
	ic.lru.WarmFromKeys(keys)
	ic.observe(before)
}

// Size returns the number of cached keys.
func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Size()
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// observe must be called with mu held.
func (ic *IdempotencyChecker) observe(evictionsBefore int64) {
	if ic.metrics == nil {
		return
	}
	ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	if n := ic.lru.Evictions() - evictionsBefore; n > 0 {
		ic.metrics.DedupLRUEvictions.Add(float64(n))
	}
}

// storeDedup answers tier 2 from the store's confirmation log.
type storeDedup struct {
	store store.Store
}

func (d *storeDedup) IsDuplicate(ctx context.Context, eventType, key string) (bool, error) {
	var found bool
	err := d.store.View(ctx, func(r store.Reader) error {
		var err error
		found, err = r.HasConfirmation(ctx, eventType, key)
		return err
	})
	return found, err
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; IdempotencyChecker guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys into the LRU without promoting
// keys already present.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.cache[key] = lru.lruList.PushFront(&lruEntry{key: key})

		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
