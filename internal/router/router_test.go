package router

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrifund/granary/internal/breaker"
	"github.com/agrifund/granary/internal/registry"
)

func newTestRouter(t *testing.T, strategyName string) (*Router, *registry.Registry, *breaker.Bank) {
	t.Helper()
	reg := registry.New()
	bank := breaker.NewBank(breaker.Config{FailureThreshold: 1})
	strategy, err := NewStrategy(strategyName)
	if err != nil {
		t.Fatalf("NewStrategy(%q) failed: %v", strategyName, err)
	}
	return New(reg, bank, strategy, zerolog.Nop()), reg, bank
}

func registerHealthy(t *testing.T, reg *registry.Registry, ids ...int) {
	t.Helper()
	for _, id := range ids {
		if err := reg.Register(registry.ShardRecord{
			ShardID:  id,
			Endpoint: fmt.Sprintf("http://localhost:%d", 9000+id),
		}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if err := reg.UpdateHealth(id, registry.HealthHealthy, time.Millisecond, false); err != nil {
			t.Fatalf("UpdateHealth failed: %v", err)
		}
	}
}

// TestExcludedShardsSkipped verifies an excluded shard is never picked,
// and excluding the whole set yields ErrNoHealthyShard.
func TestExcludedShardsSkipped(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyRoundRobin)
	registerHealthy(t, reg, 0, 1)

	for i := 0; i < 20; i++ {
		rec, err := r.Select(Request{Exclude: []int{0}})
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if rec.ShardID == 0 {
			t.Fatal("Excluded shard 0 was selected")
		}
	}

	_, err := r.Select(Request{Exclude: []int{0, 1}})
	if !errors.Is(err, ErrNoHealthyShard) {
		t.Fatalf("Expected ErrNoHealthyShard with all shards excluded, got %v", err)
	}
}

// TestSelectNoShards verifies an empty registry yields ErrNoHealthyShard.
func TestSelectNoShards(t *testing.T) {
	r, _, _ := newTestRouter(t, StrategyRoundRobin)

	_, err := r.Select(Request{})
	if !errors.Is(err, ErrNoHealthyShard) {
		t.Fatalf("Expected ErrNoHealthyShard, got %v", err)
	}
}

// TestWritesNeverHitReadOnly verifies the write-path prefilter excludes
// read-only shards no matter how many selections run.
func TestWritesNeverHitReadOnly(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyRoundRobin)
	registerHealthy(t, reg, 0, 1, 2)
	reg.MarkReadOnly(1, true)

	for i := 0; i < 50; i++ {
		rec, err := r.Select(Request{Write: true})
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if rec.ShardID == 1 {
			t.Fatal("Write routed to a read-only shard")
		}
	}

	// Reads still reach the read-only shard.
	seen := map[int]bool{}
	for i := 0; i < 50; i++ {
		rec, err := r.Select(Request{})
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		seen[rec.ShardID] = true
	}
	if !seen[1] {
		t.Error("Expected reads to still reach the read-only shard")
	}
}

// TestUnhealthyAndOpenBreakerExcluded verifies both eligibility signals are
// honored independently.
func TestUnhealthyAndOpenBreakerExcluded(t *testing.T) {
	r, reg, bank := newTestRouter(t, StrategyRoundRobin)
	registerHealthy(t, reg, 0, 1, 2)

	reg.UpdateHealth(1, registry.HealthUnhealthy, 0, true)
	bank.RecordResult(2, false, 0, "transport") // threshold 1: opens

	for i := 0; i < 30; i++ {
		rec, err := r.Select(Request{})
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if rec.ShardID != 0 {
			t.Fatalf("Expected only shard 0 eligible, got %d", rec.ShardID)
		}
	}
}

// TestDegradedFallback verifies Warning shards are reachable only with
// AllowDegraded.
func TestDegradedFallback(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyRoundRobin)
	registerHealthy(t, reg, 0)
	reg.UpdateHealth(0, registry.HealthWarning, time.Millisecond, false)

	if _, err := r.Select(Request{}); !errors.Is(err, ErrNoHealthyShard) {
		t.Fatalf("Expected default path to reject Warning shard, got %v", err)
	}

	rec, err := r.Select(Request{AllowDegraded: true})
	if err != nil {
		t.Fatalf("Expected degraded fallback to succeed: %v", err)
	}
	if rec.ShardID != 0 {
		t.Errorf("Expected shard 0, got %d", rec.ShardID)
	}
}

// TestUnknownHealthExcluded verifies never-probed shards stay out of
// rotation even with AllowDegraded.
func TestUnknownHealthExcluded(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyRoundRobin)
	reg.Register(registry.ShardRecord{ShardID: 0, Endpoint: "http://localhost:9000"})

	if _, err := r.Select(Request{AllowDegraded: true}); !errors.Is(err, ErrNoHealthyShard) {
		t.Errorf("Expected unprobed shard to be ineligible, got %v", err)
	}
}

// TestConnectionCeilingExcluded verifies a shard at its connection limit
// drops out of the candidate set.
func TestConnectionCeilingExcluded(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyRoundRobin)
	reg.Register(registry.ShardRecord{ShardID: 0, Endpoint: "http://localhost:9000", MaxConnections: 1})
	reg.UpdateHealth(0, registry.HealthHealthy, time.Millisecond, false)

	if !reg.AcquireConnection(0) {
		t.Fatal("Acquire failed")
	}
	if _, err := r.Select(Request{}); !errors.Is(err, ErrNoHealthyShard) {
		t.Errorf("Expected saturated shard to be ineligible, got %v", err)
	}

	reg.ReleaseConnection(0)
	if _, err := r.Select(Request{}); err != nil {
		t.Errorf("Expected shard eligible again, got %v", err)
	}
}

// TestRoundRobinCycles verifies the counter walks the candidate list evenly.
func TestRoundRobinCycles(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyRoundRobin)
	registerHealthy(t, reg, 0, 1, 2)

	counts := map[int]int{}
	for i := 0; i < 30; i++ {
		rec, err := r.Select(Request{})
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		counts[rec.ShardID]++
	}
	for id := 0; id < 3; id++ {
		if counts[id] != 10 {
			t.Errorf("Expected shard %d picked 10 times, got %d", id, counts[id])
		}
	}
}

// TestHashStability verifies the same affinity key maps to the same shard
// for a stable candidate set, and different keys spread out.
func TestHashStability(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyHash)
	registerHealthy(t, reg, 0, 1, 2, 3)

	first, err := r.Select(Request{AffinityKey: "farmer-42"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		rec, err := r.Select(Request{AffinityKey: "farmer-42"})
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if rec.ShardID != first.ShardID {
			t.Fatalf("Key farmer-42 moved from shard %d to %d", first.ShardID, rec.ShardID)
		}
	}

	// Many distinct keys should touch more than one shard.
	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		rec, _ := r.Select(Request{AffinityKey: fmt.Sprintf("farmer-%d", i)})
		seen[rec.ShardID] = true
	}
	if len(seen) < 2 {
		t.Errorf("Expected keys to spread over shards, got %d", len(seen))
	}
}

// TestLeastConnections verifies the least-loaded shard wins.
func TestLeastConnections(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyLeastConnections)
	registerHealthy(t, reg, 0, 1)

	reg.AcquireConnection(0)
	reg.AcquireConnection(0)
	reg.AcquireConnection(1)

	rec, err := r.Select(Request{})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if rec.ShardID != 1 {
		t.Errorf("Expected shard 1 (fewer connections), got %d", rec.ShardID)
	}
}

// TestResourceBased verifies load is the worse of storage and connection
// pressure.
func TestResourceBased(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyResourceBased)
	registerHealthy(t, reg, 0, 1)

	// Shard 0: high storage pressure. Shard 1: light all around.
	reg.UpdateCapacity(0, 9000, 1<<30, 90)
	reg.UpdateCapacity(1, 100, 1<<20, 5)

	rec, err := r.Select(Request{})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if rec.ShardID != 1 {
		t.Errorf("Expected shard 1 (lower load), got %d", rec.ShardID)
	}
}

// TestResponseTime verifies the fastest shard wins.
func TestResponseTime(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyResponseTime)
	registerHealthy(t, reg, 0, 1)

	reg.UpdateHealth(0, registry.HealthHealthy, 200*time.Millisecond, false)
	reg.UpdateHealth(1, registry.HealthHealthy, 5*time.Millisecond, false)

	rec, err := r.Select(Request{})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if rec.ShardID != 1 {
		t.Errorf("Expected shard 1 (faster), got %d", rec.ShardID)
	}
}

// TestGeographic verifies regional preference and the least-connections
// fallback when no region matches.
func TestGeographic(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyGeographic)
	reg.Register(registry.ShardRecord{ShardID: 0, Endpoint: "http://localhost:9000", Region: "eu-west"})
	reg.Register(registry.ShardRecord{ShardID: 1, Endpoint: "http://localhost:9001", Region: "af-south"})
	reg.UpdateHealth(0, registry.HealthHealthy, time.Millisecond, false)
	reg.UpdateHealth(1, registry.HealthHealthy, time.Millisecond, false)

	rec, err := r.Select(Request{Region: "af-south"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if rec.ShardID != 1 {
		t.Errorf("Expected regional match shard 1, got %d", rec.ShardID)
	}

	// No match: falls back to the full candidate set.
	if _, err := r.Select(Request{Region: "us-east"}); err != nil {
		t.Errorf("Expected fallback selection to succeed, got %v", err)
	}
}

// TestWeightedRoundRobin verifies heavier shards receive more traffic.
func TestWeightedRoundRobin(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyWeightedRoundRobin)
	registerHealthy(t, reg, 0, 1)
	reg.SetWeight(0, 9)
	reg.SetWeight(1, 1)

	counts := map[int]int{}
	for i := 0; i < 1000; i++ {
		rec, err := r.Select(Request{})
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		counts[rec.ShardID]++
	}
	if counts[0] <= counts[1] {
		t.Errorf("Expected the weight-9 shard to dominate: %v", counts)
	}
}

// TestSetStrategy verifies runtime strategy replacement.
func TestSetStrategy(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyRoundRobin)
	registerHealthy(t, reg, 0)

	if got := r.Strategy().Name(); got != StrategyRoundRobin {
		t.Errorf("Expected %q, got %q", StrategyRoundRobin, got)
	}

	hash, _ := NewStrategy(StrategyHash)
	r.SetStrategy(hash)
	if got := r.Strategy().Name(); got != StrategyHash {
		t.Errorf("Expected %q after swap, got %q", StrategyHash, got)
	}

	if _, err := NewStrategy("bogus"); err == nil {
		t.Error("Expected error for unknown strategy name")
	}
}

// TestSelectCountsRequests verifies the chosen shard's request counter
// advances.
func TestSelectCountsRequests(t *testing.T) {
	r, reg, _ := newTestRouter(t, StrategyRoundRobin)
	registerHealthy(t, reg, 0)

	for i := 0; i < 3; i++ {
		if _, err := r.Select(Request{}); err != nil {
			t.Fatalf("Select failed: %v", err)
		}
	}
	rec, _ := reg.Get(0)
	if rec.Metrics.TotalRequests != 3 {
		t.Errorf("Expected 3 requests recorded, got %d", rec.Metrics.TotalRequests)
	}
}
