package query

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CacheEntry holds one cached aggregation result.
type CacheEntry struct {
	Key         string
	Value       json.RawMessage
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AccessCount uint64
}

// CacheStats are the cache's hit/miss counters.
type CacheStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Cache is a TTL cache for aggregated query results. An entry is never
// served past its expiry: Get evicts lazily, and a background sweep on its
// own ticker removes expired entries between reads. Thread-safe.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	ttl     time.Duration
	stats   CacheStats
	log     zerolog.Logger

	// now is the clock; replaceable in tests.
	now func() time.Time
}

// NewCache creates a cache whose Put default TTL is ttl.
func NewCache(ttl time.Duration, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		entries: make(map[string]*CacheEntry),
		ttl:     ttl,
		log:     log.With().Str("component", "cache").Logger(),
		now:     time.Now,
	}
}

// SetClock overrides the cache's clock. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// CacheKey builds the deterministic key for a query type and parameters.
func CacheKey(queryType string, params ...string) string {
	return queryType + "|" + strings.Join(params, "|")
}

// CacheKey derives the cache key from every parameter that shapes the
// plan's result. Two plans that could merge differently must never share a
// key.
func (p Plan) CacheKey() string {
	return CacheKey(string(p.Type), p.Param, string(p.Merge), p.Field, strconv.Itoa(p.N))
}

// Get returns the cached value for key. An expired entry behaves as a miss
// and is evicted on the spot.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if !c.now().Before(entry.ExpiresAt) {
		delete(c.entries, key)
		c.stats.Misses++
		c.stats.Evictions++
		return nil, false
	}
	entry.AccessCount++
	c.stats.Hits++
	return entry.Value, true
}

// Put stores a value under key. ttl <= 0 uses the cache default.
func (c *Cache) Put(key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = &CacheEntry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Sweep removes all expired entries and returns how many were evicted.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
			evicted++
		}
	}
	c.stats.Evictions += uint64(evicted)
	return evicted
}

// StartSweeper runs periodic sweeps until the context is canceled. Runs on
// its own ticker, independent of reads and of the other periodic tasks.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug().Int("evicted", n).Msg("cache sweep")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns the cache's counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.entries)
	return stats
}
