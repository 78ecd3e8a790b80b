package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache_SetGet(t *testing.T) {
	c := NewTTLCache[string](10, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v")
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestTTLCache_ExpiryCountsAsExpirationNotMiss(t *testing.T) {
	c := NewTTLCache[string](10, time.Millisecond)
	c.Set("k", "v")

	time.Sleep(10 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Equal(t, int64(0), stats.Misses)
}

func TestTTLCache_EvictionOnCapacity(t *testing.T) {
	c := NewTTLCache[int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3) // evicts "a" (least recently used)

	_, ok := c.Get("a")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestTTLCache_Invalidate(t *testing.T) {
	c := NewTTLCache[int](10, time.Minute)
	c.Set("k", 1)
	c.Invalidate("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestTTLCache_InvalidateByPrefix(t *testing.T) {
	c := NewTTLCache[int](10, time.Minute)
	c.Set("entity:document_aaa", 1)
	c.Set("entity:document_bbb", 2)
	c.Set("entity:task_ccc", 3)

	c.InvalidateByPrefix("entity:document_")

	_, ok := c.Get("entity:document_aaa")
	assert.False(t, ok)
	_, ok = c.Get("entity:document_bbb")
	assert.False(t, ok)
	_, ok = c.Get("entity:task_ccc")
	assert.True(t, ok)
}

func TestTTLCache_Clear(t *testing.T) {
	c := NewTTLCache[int](10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestSet_InvalidateEntity_StaleReadNeverSurvivesMutation(t *testing.T) {
	s := New(10, time.Minute, 10, time.Minute, 10, time.Minute)

	id := "document_abc123"
	s.Entity.Set(EntityKey(id), "stale-value")
	s.Search.Set(SearchKey("query", map[string]string{"category": "docs"}), "stale-results")

	s.InvalidateEntity(id)

	_, ok := s.Entity.Get(EntityKey(id))
	assert.False(t, ok, "a Get after InvalidateEntity must never return the stale value")
	_, ok = s.Search.Get(SearchKey("query", map[string]string{"category": "docs"}))
	assert.False(t, ok, "search cache is wiped wholesale since any mutation can change its results")
}

func TestSet_InvalidateByType_OnlyClearsMatchingType(t *testing.T) {
	s := New(10, time.Minute, 10, time.Minute, 10, time.Minute)

	communityID := "community_xyz"
	taskID := "task_xyz"
	s.Entity.Set(EntityKey(communityID), "stale-community")
	s.Entity.Set(EntityKey(taskID), "still-valid-task")

	s.InvalidateByType("community")

	_, ok := s.Entity.Get(EntityKey(communityID))
	assert.False(t, ok)
	v, ok := s.Entity.Get(EntityKey(taskID))
	assert.True(t, ok)
	assert.Equal(t, "still-valid-task", v)
}

func TestSearchKey_StableAndOrderIndependent(t *testing.T) {
	a := SearchKey("find docs", map[string]string{"category": "docs", "assignee": "alice"})
	b := SearchKey("find docs", map[string]string{"assignee": "alice", "category": "docs"})
	assert.Equal(t, a, b)

	c := SearchKey("find docs", map[string]string{"category": "tasks", "assignee": "alice"})
	assert.NotEqual(t, a, c)
}
