package query

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// cacheClock is a manually advanced clock.
type cacheClock struct {
	t time.Time
}

func (c *cacheClock) Now() time.Time          { return c.t }
func (c *cacheClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(ttl time.Duration) (*Cache, *cacheClock) {
	clock := &cacheClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewCache(ttl, zerolog.Nop())
	c.SetClock(clock.Now)
	return c, clock
}

// TestCacheHitAndExpiry verifies an entry is served within its TTL and
// behaves as a miss after it.
func TestCacheHitAndExpiry(t *testing.T) {
	c, clock := newTestCache(30 * time.Second)

	key := CacheKey("owner", "farmer-1")
	c.Put(key, json.RawMessage(`{"records": []}`), 0)

	if _, ok := c.Get(key); !ok {
		t.Fatal("Expected a hit inside the TTL")
	}

	clock.Advance(29 * time.Second)
	if _, ok := c.Get(key); !ok {
		t.Error("Expected a hit just before expiry")
	}

	clock.Advance(2 * time.Second)
	if _, ok := c.Get(key); ok {
		t.Error("Expected a miss past the TTL")
	}

	// The expired entry was evicted, not just hidden.
	stats := c.Stats()
	if stats.Entries != 0 {
		t.Errorf("Expected expired entry evicted, got %d entries", stats.Entries)
	}
	if stats.Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", stats.Evictions)
	}
}

// TestCacheMiss verifies unknown keys are misses.
func TestCacheMiss(t *testing.T) {
	c, _ := newTestCache(time.Second)

	if _, ok := c.Get("nothing"); ok {
		t.Error("Expected a miss for an unknown key")
	}
	if got := c.Stats().Misses; got != 1 {
		t.Errorf("Expected 1 miss, got %d", got)
	}
}

// TestCacheKey verifies keys are deterministic and distinct per parameter
// set.
func TestCacheKey(t *testing.T) {
	a := CacheKey("owner", "farmer-1", "merge")
	b := CacheKey("owner", "farmer-1", "merge")
	if a != b {
		t.Errorf("Expected identical keys, got %q and %q", a, b)
	}

	distinct := []string{
		CacheKey("owner", "farmer-1"),
		CacheKey("owner", "farmer-2"),
		CacheKey("status", "farmer-1"),
		CacheKey("owner", "farmer-1", "sum"),
	}
	seen := map[string]bool{}
	for _, k := range distinct {
		if seen[k] {
			t.Errorf("Key collision: %q", k)
		}
		seen[k] = true
	}
}

// TestPlanCacheKey verifies the key covers every plan parameter that shapes
// the merged result. A top_n plan with a different bound must never share a
// key, or a truncated result would be served from cache.
func TestPlanCacheKey(t *testing.T) {
	base := Plan{Type: TypeByOwner, Param: "farmer-1", Merge: MergeTopN, N: 1}

	if base.CacheKey() != base.CacheKey() {
		t.Error("Expected identical keys for identical plans")
	}

	variants := []Plan{
		{Type: TypeByOwner, Param: "farmer-1", Merge: MergeTopN, N: 3},
		{Type: TypeByOwner, Param: "farmer-1", Merge: MergeConcat, N: 1},
		{Type: TypeByOwner, Param: "farmer-2", Merge: MergeTopN, N: 1},
		{Type: TypeByStatus, Param: "farmer-1", Merge: MergeTopN, N: 1},
		{Type: TypeByOwner, Param: "farmer-1", Merge: MergeSum, Field: "amount", N: 1},
	}
	for _, v := range variants {
		if v.CacheKey() == base.CacheKey() {
			t.Errorf("Key collision between %+v and %+v", v, base)
		}
	}
}

// TestCachePerTTL verifies a Put-level TTL overrides the default.
func TestCachePerTTL(t *testing.T) {
	c, clock := newTestCache(time.Hour)

	c.Put("short", json.RawMessage(`1`), time.Second)
	clock.Advance(2 * time.Second)
	if _, ok := c.Get("short"); ok {
		t.Error("Expected the per-entry TTL to win over the default")
	}
}

// TestSweep verifies the background eviction pass removes only expired
// entries.
func TestSweep(t *testing.T) {
	c, clock := newTestCache(10 * time.Second)

	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("old-%d", i), json.RawMessage(`1`), 0)
	}
	clock.Advance(11 * time.Second)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("fresh-%d", i), json.RawMessage(`1`), 0)
	}

	if evicted := c.Sweep(); evicted != 5 {
		t.Errorf("Expected 5 evictions, got %d", evicted)
	}
	if got := c.Stats().Entries; got != 3 {
		t.Errorf("Expected 3 surviving entries, got %d", got)
	}
	if _, ok := c.Get("fresh-0"); !ok {
		t.Error("Expected fresh entries to survive the sweep")
	}
}

// TestCacheStats verifies the hit and miss counters.
func TestCacheStats(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Put("k", json.RawMessage(`1`), 0)

	c.Get("k")
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	if stats.Hits != 2 {
		t.Errorf("Expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
	if stats.Entries != 1 {
		t.Errorf("Expected 1 entry, got %d", stats.Entries)
	}
}
