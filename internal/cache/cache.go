// Package cache is the Cache Layer: three
// bounded LRU caches with TTL for search results, entities, and
// community summaries, with mutation-driven invalidation.
//
// Grounded on github.com/hashicorp/golang-lru/v2 (seen in the
// other_examples manifests for compozy-compozy and d4rk8l1tz-cli) for
// O(1) bounded LRU eviction; TTL and hit/miss/eviction/expiration
// counters are layered on top since golang-lru's Cache type doesn't
// carry TTL itself.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats holds the per-cache counters.
type Stats struct {
	Hits int64
	Misses int64
	Evictions int64
	Expirations int64
}

type entry[V any] struct {
	value V
	expiresAt time.Time
}

// TTLCache wraps an LRU cache with expiry and statistics. Safe for
// concurrent use: protected by a mutex, since golang-lru's Cache type
// is not itself safe for concurrent use.
type TTLCache[V any] struct {
	mu sync.Mutex
	lru *lru.Cache[string, entry[V]]
	ttl time.Duration
	stats Stats
}

// NewTTLCache builds a bounded cache of the given size and default TTL.
func NewTTLCache[V any](size int, ttl time.Duration) *TTLCache[V] {
	c := &TTLCache[V]{ttl: ttl}
	inner, err := lru.NewWithEvict[string, entry[V]](size, func(key string, value entry[V]) {
		c.stats.Evictions++
	})
	if err != nil {
		// size <= 0 is the only failure mode; fall back to a minimal cache
		// rather than propagating a constructor error the caller has no
		// good way to act on.
		inner, _ = lru.New[string, entry[V]](1)
	}
	c.lru = inner
	return c
}

// Get returns the cached value, or ok=false on a miss or expiry. An
// expired hit counts toward Expirations, not Misses, so the two causes
// stay distinguishable for operators.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		c.stats.Expirations++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	return e.value, true
}

// Set inserts or replaces a cached value with the cache's default TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)})
}

// Invalidate removes a single key.
func (c *TTLCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// InvalidateByPrefix removes every key containing the given substring —
// used by InvalidateByType over `entity:<type>_<hash>`-shaped keys.
func (c *TTLCache[V]) InvalidateByPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		if strings.Contains(k, prefix) {
			c.lru.Remove(k)
		}
	}
}

// Clear empties the cache entirely (used for the search cache whenever
// any entity mutates, since search results may reference it).
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats returns a snapshot of the counters.
func (c *TTLCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Set holds the three named caches and implements the
// mutation-driven invalidation contract: any entity mutation
// invalidates that entity's own key and clears the search cache.
type Set struct {
	Search *TTLCache[any]
	Entity *TTLCache[any]
	Community *TTLCache[any]
}

// New builds the three default caches at documented
// size/TTL defaults.
func New(searchSize int, searchTTL time.Duration, entitySize int, entityTTL time.Duration, communitySize int, communityTTL time.Duration) *Set {
	return &Set{
		Search: NewTTLCache[any](searchSize, searchTTL),
		Entity: NewTTLCache[any](entitySize, entityTTL),
		Community: NewTTLCache[any](communitySize, communityTTL),
	}
}

// EntityKey builds the `entity:<id>` key shape.
func EntityKey(id string) string { return "entity:" + id }

// CommunityKey builds the `community:<id>` key shape.
func CommunityKey(id string) string { return "community:" + id }

// SearchKey hashes a query + filter tuple into a stable cache key.
func SearchKey(query string, filters map[string]string) string {
	h := sha256.New()
	h.Write([]byte(query))
	for _, k := range sortedKeys(filters) {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(filters[k]))
	}
	return "search:" + hex.EncodeToString(h.Sum(nil))[:32]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// InvalidateEntity enforces cache coherence on mutation: after any
// successful update/delete of entity e, a subsequent cached get never
// returns a stale value.
func (s *Set) InvalidateEntity(id string) {
	s.Entity.Invalidate(EntityKey(id))
	s.Search.Clear()
}

// InvalidateByType clears all entity entries whose key contains the
// type tag. Entity ids are `<type>_<hash>` (entity.DeterministicID),
// so the key `entity:<id>` always contains `entity:<type>_`.
func (s *Set) InvalidateByType(entityType string) {
	s.Entity.InvalidateByPrefix(fmt.Sprintf("entity:%s_", entityType))
	s.Search.Clear()
}
