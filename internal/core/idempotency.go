package core

import (
	"container/list"
	"fmt"
	"time"

	"HabitLedger/internal/observability"
)

// DBIdempotencyChecker is the cold-path dedup lookup, backed by Postgres.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates commands across two tiers: an in-memory
// LRU of recently applied composite keys, and the durable event log for
// keys that have aged out. A DB error on the cold path is treated as "not
// a duplicate" — the event-log unique index is the backstop — so a flaky
// database degrades dedup latency, never availability.
type IdempotencyChecker struct {
	recent    *keyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics

	// dedup stats, read by tests; not thread-safe, core-loop only
	lruHits     map[string]int64
	dbHits      map[string]int64
	tier2Errors int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		recent:    newKeyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		lruHits:   make(map[string]int64),
		dbHits:    make(map[string]int64),
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate reports whether this (type, key) pair was already applied.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.recent.touch(key) {
		ic.lruHits[eventType]++
		if ic.metrics != nil {
			ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, "lru").Inc()
		}
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	start := time.Now()
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		ic.tier2Errors++
		return false
	}
	if isDup {
		ic.dbHits[eventType]++
		if ic.metrics != nil {
			ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, "postgres").Inc()
		}
		// Cache it so repeated redeliveries stay on the hot path.
		ic.recent.insert(key)
	}
	return isDup
}

// MarkProcessed records a key after its event has been applied.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.recent.insert(compositeKey(eventType, idempotencyKey))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.recent.order.Len()))
		ic.metrics.DedupLRUEvictions.Add(float64(ic.recent.takeEvictions()))
	}
}

// WarmFromKeys pre-loads composite keys after a restart, so events
// replayed near the snapshot boundary dedup without touching Postgres.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		ic.recent.insert(key)
	}
}

// SnapshotKeys returns the cached composite keys, most recent first.
func (ic *IdempotencyChecker) SnapshotKeys() []string {
	return ic.recent.keysNewestFirst()
}

// DuplicateCounts returns per-tier dedup hits for an event type.
func (ic *IdempotencyChecker) DuplicateCounts(eventType string) (lru, db int64) {
	return ic.lruHits[eventType], ic.dbHits[eventType]
}

// keyLRU is a fixed-capacity recency cache of composite keys.
// Not thread-safe; only the core loop touches it.
type keyLRU struct {
	capacity  int
	elems     map[string]*list.Element
	order     *list.List // front = most recent, values are string keys
	evictions int64      // since last takeEvictions
}

func newKeyLRU(capacity int) *keyLRU {
	return &keyLRU{
		capacity: capacity,
		elems:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// touch reports whether the key is cached, promoting it if so.
func (lru *keyLRU) touch(key string) bool {
	elem, ok := lru.elems[key]
	if !ok {
		return false
	}
	lru.order.MoveToFront(elem)
	return true
}

// insert adds a key at the front, evicting the oldest entry past capacity.
// An existing key is promoted instead.
func (lru *keyLRU) insert(key string) {
	if lru.touch(key) {
		return
	}
	lru.elems[key] = lru.order.PushFront(key)

	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.elems, oldest.Value.(string))
		lru.evictions++
	}
}

// takeEvictions returns and resets the eviction count since the last call.
func (lru *keyLRU) takeEvictions() int64 {
	n := lru.evictions
	lru.evictions = 0
	return n
}

func (lru *keyLRU) keysNewestFirst() []string {
	keys := make([]string, 0, lru.order.Len())
	for elem := lru.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(string))
	}
	return keys
}
