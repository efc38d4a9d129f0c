package core

import (
	"fmt"

	"FarmLedger/internal/observability"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DBIdempotencyChecker looks a key up in the durable event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates commands in two tiers: the most recent
// keys in memory, then the event log. Not thread-safe; only the engine
// goroutine touches it.
type IdempotencyChecker struct {
	lru       *RecentKeys
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewRecentKeys(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// CompositeKey is the cache key for an event: "<EventType>:<idempotencyKey>".
func CompositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate reports whether the key was already processed. A failed
// event-log lookup counts as "not seen": the command goes ahead rather than
// stalling the engine on a database outage.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := CompositeKey(eventType, idempotencyKey)
	if ic.lru.Seen(key) {
		ic.countDuplicate(eventType, "lru")
		return true
	}
	if ic.dbChecker == nil {
		return false
	}

	dup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.DedupLookupErrors.Inc()
		}
		return false
	}
	if dup {
		ic.countDuplicate(eventType, "postgres")
		ic.lru.Remember(key)
	}
	return dup
}

// MarkProcessed records a key once its command has been logged.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Remember(CompositeKey(eventType, idempotencyKey))
}

func (ic *IdempotencyChecker) countDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// RecentKeys is a bounded set of composite keys with least-recently-used
// eviction.
type RecentKeys struct {
	cache     *simplelru.LRU[string, struct{}]
	evictions int64
}

func NewRecentKeys(capacity int) *RecentKeys {
	if capacity <= 0 {
		capacity = 1
	}
	r := &RecentKeys{}
	cache, err := simplelru.NewLRU[string, struct{}](capacity, func(string, struct{}) { r.evictions++ })
	if err != nil {
		panic(fmt.Sprintf("recent keys: %v", err))
	}
	r.cache = cache
	return r
}

// Seen reports whether key is held, refreshing it if so.
func (r *RecentKeys) Seen(key string) bool {
	_, ok := r.cache.Get(key)
	return ok
}

// Contains reports whether key is held without refreshing it.
func (r *RecentKeys) Contains(key string) bool {
	return r.cache.Contains(key)
}

func (r *RecentKeys) Remember(key string) {
	r.cache.Add(key, struct{}{})
}

// Warm loads keys, oldest first. Keys already held keep their place.
func (r *RecentKeys) Warm(keys []string) {
	for _, key := range keys {
		if !r.cache.Contains(key) {
			r.cache.Add(key, struct{}{})
		}
	}
}

// Keys lists the held keys from least to most recently used, the order
// Warm expects.
func (r *RecentKeys) Keys() []string {
	return r.cache.Keys()
}

func (r *RecentKeys) Len() int {
	return r.cache.Len()
}

func (r *RecentKeys) Evictions() int64 {
	return r.evictions
}
