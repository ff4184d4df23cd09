package router

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/agrifund/granary/internal/registry"
)

// ErrNoCandidates is returned by a strategy given an empty candidate list.
// The router's prefilter normally catches this first.
var ErrNoCandidates = errors.New("no candidate shards")

// Request carries the routing context for one shard selection.
type Request struct {
	// AffinityKey is the key hash-based routing pins to a shard; typically
	// the loan owner. Ignored by the other strategies.
	AffinityKey string
	// Region is the caller's declared region for geographic routing.
	Region string
	// Write marks write intent; read-only shards are excluded.
	Write bool
	// AllowDegraded admits Warning-state shards into the candidate set.
	// Explicit fallback only; the default path routes to Healthy shards.
	AllowDegraded bool
	// Exclude removes specific shards from the candidate set, used when a
	// previously selected shard refused the call and the caller retries
	// with an alternate.
	Exclude []int
}

// Strategy picks one shard from a non-empty candidate list. Implementations
// must not mutate the candidates slice.
type Strategy interface {
	// Name returns the strategy's configuration name.
	Name() string
	// Pick selects a shard from candidates for the given request.
	Pick(candidates []registry.ShardRecord, req Request) (registry.ShardRecord, error)
}

// Strategy configuration names.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyLeastConnections   = "least_connections"
	StrategyResourceBased      = "resource_based"
	StrategyResponseTime       = "response_time"
	StrategyHash               = "hash"
	StrategyGeographic         = "geographic"
)

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case StrategyRoundRobin:
		return &RoundRobin{}, nil
	case StrategyWeightedRoundRobin:
		return NewWeightedRoundRobin(), nil
	case StrategyLeastConnections:
		return &LeastConnections{}, nil
	case StrategyResourceBased:
		return &ResourceBased{}, nil
	case StrategyResponseTime:
		return &ResponseTime{}, nil
	case StrategyHash:
		return &Hash{}, nil
	case StrategyGeographic:
		return &Geographic{}, nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", name)
	}
}

// RoundRobin cycles through candidates using a shared monotonically
// advancing counter.
type RoundRobin struct {
	counter atomic.Uint64
}

func (s *RoundRobin) Name() string { return StrategyRoundRobin }

func (s *RoundRobin) Pick(candidates []registry.ShardRecord, _ Request) (registry.ShardRecord, error) {
	if len(candidates) == 0 {
		return registry.ShardRecord{}, ErrNoCandidates
	}
	n := s.counter.Add(1) - 1
	return candidates[n%uint64(len(candidates))], nil
}

// WeightedRoundRobin selects candidates with probability proportional to
// their weight, via a cumulative-weight threshold against a random draw.
type WeightedRoundRobin struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewWeightedRoundRobin creates a weighted strategy with its own RNG.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{rng: rand.New(rand.NewSource(rand.Int63()))}
}

func (s *WeightedRoundRobin) Name() string { return StrategyWeightedRoundRobin }

func (s *WeightedRoundRobin) Pick(candidates []registry.ShardRecord, _ Request) (registry.ShardRecord, error) {
	if len(candidates) == 0 {
		return registry.ShardRecord{}, ErrNoCandidates
	}

	total := 0
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}

	s.mu.Lock()
	draw := s.rng.Intn(total)
	s.mu.Unlock()

	cum := 0
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		cum += w
		if draw < cum {
			return c, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

// LeastConnections picks the candidate with the fewest open connections.
type LeastConnections struct{}

func (s *LeastConnections) Name() string { return StrategyLeastConnections }

func (s *LeastConnections) Pick(candidates []registry.ShardRecord, _ Request) (registry.ShardRecord, error) {
	if len(candidates) == 0 {
		return registry.ShardRecord{}, ErrNoCandidates
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.CurrentConnections < best.CurrentConnections {
			best = c
		}
	}
	return best, nil
}

// ResourceBased picks the candidate with the lowest load factor. Load is the
// worse of storage pressure and connection pressure; the registry carries no
// direct CPU or memory signal, so these are the proxies.
type ResourceBased struct{}

func (s *ResourceBased) Name() string { return StrategyResourceBased }

func (s *ResourceBased) Pick(candidates []registry.ShardRecord, _ Request) (registry.ShardRecord, error) {
	if len(candidates) == 0 {
		return registry.ShardRecord{}, ErrNoCandidates
	}
	best := candidates[0]
	bestLoad := loadFactor(best)
	for _, c := range candidates[1:] {
		if load := loadFactor(c); load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best, nil
}

func loadFactor(rec registry.ShardRecord) float64 {
	load := rec.StoragePercentage / 100
	if rec.MaxConnections > 0 {
		if conn := float64(rec.CurrentConnections) / float64(rec.MaxConnections); conn > load {
			load = conn
		}
	}
	return load
}

// ResponseTime picks the candidate with the lowest rolling average latency.
// Shards that have never been measured sort first, which gives new shards
// traffic until the average settles.
type ResponseTime struct{}

func (s *ResponseTime) Name() string { return StrategyResponseTime }

func (s *ResponseTime) Pick(candidates []registry.ShardRecord, _ Request) (registry.ShardRecord, error) {
	if len(candidates) == 0 {
		return registry.ShardRecord{}, ErrNoCandidates
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Metrics.AvgResponseTime < best.Metrics.AvgResponseTime {
			best = c
		}
	}
	return best, nil
}

// Hash maps the affinity key to a candidate by FNV-1a modulo candidate
// count. Deterministic for a stable candidate set; see the package doc for
// why this is hash-based sharding rather than true consistent hashing.
type Hash struct{}

func (s *Hash) Name() string { return StrategyHash }

func (s *Hash) Pick(candidates []registry.ShardRecord, req Request) (registry.ShardRecord, error) {
	if len(candidates) == 0 {
		return registry.ShardRecord{}, ErrNoCandidates
	}
	h := fnv.New32a()
	h.Write([]byte(req.AffinityKey))
	return candidates[int(h.Sum32())%len(candidates)], nil
}

// Geographic prefers a candidate whose region matches the caller's declared
// region, falling back to least-connections when no regional match exists.
type Geographic struct {
	fallback LeastConnections
}

func (s *Geographic) Name() string { return StrategyGeographic }

func (s *Geographic) Pick(candidates []registry.ShardRecord, req Request) (registry.ShardRecord, error) {
	if len(candidates) == 0 {
		return registry.ShardRecord{}, ErrNoCandidates
	}
	if req.Region != "" {
		var regional []registry.ShardRecord
		for _, c := range candidates {
			if c.Region == req.Region {
				regional = append(regional, c)
			}
		}
		if len(regional) > 0 {
			return s.fallback.Pick(regional, req)
		}
	}
	return s.fallback.Pick(candidates, req)
}
