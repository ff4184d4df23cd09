package router

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/agrifund/granary/internal/breaker"
	"github.com/agrifund/granary/internal/registry"
)

// ErrNoHealthyShard is returned when the prefilter leaves no eligible
// candidate. Callers must treat this as a hard failure for the current
// request, not a signal to retry synchronously.
var ErrNoHealthyShard = errors.New("no healthy shard available")

// Router selects target shards. The registry and breaker bank are injected
// at construction rather than reached through package globals, so routers
// are independently testable.
type Router struct {
	registry *registry.Registry
	breakers *breaker.Bank
	log      zerolog.Logger

	mu       sync.RWMutex
	strategy Strategy
}

// New creates a router over the given registry and breaker bank using the
// given initial strategy.
func New(reg *registry.Registry, bank *breaker.Bank, strategy Strategy, log zerolog.Logger) *Router {
	return &Router{
		registry: reg,
		breakers: bank,
		strategy: strategy,
		log:      log.With().Str("component", "router").Logger(),
	}
}

// SetStrategy swaps the routing strategy at runtime. Admin operation.
func (r *Router) SetStrategy(strategy Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = strategy
}

// Strategy returns the current strategy.
func (r *Router) Strategy() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// Select picks the target shard for a request. The candidate set is every
// active shard that is healthy (Warning only with AllowDegraded), whose
// breaker is not Open, and which is below its connection ceiling; writes
// additionally exclude read-only shards. Selection increments the chosen
// shard's request counter.
func (r *Router) Select(req Request) (registry.ShardRecord, error) {
	candidates := r.candidates(req)
	if len(candidates) == 0 {
		r.log.Warn().
			Bool("write", req.Write).
			Str("affinity_key", req.AffinityKey).
			Msg("no eligible shard for request")
		return registry.ShardRecord{}, ErrNoHealthyShard
	}

	rec, err := r.Strategy().Pick(candidates, req)
	if err != nil {
		return registry.ShardRecord{}, ErrNoHealthyShard
	}

	r.registry.RecordRequest(rec.ShardID)
	return rec, nil
}

// candidates applies the routing prefilter to the active shard list.
func (r *Router) candidates(req Request) []registry.ShardRecord {
	active := r.registry.ListActive()
	out := make([]registry.ShardRecord, 0, len(active))
	for _, rec := range active {
		if slices.Contains(req.Exclude, rec.ShardID) {
			continue
		}
		if req.Write && rec.IsReadOnly {
			continue
		}
		switch rec.Health {
		case registry.HealthHealthy:
		case registry.HealthWarning:
			if !req.AllowDegraded {
				continue
			}
		default:
			continue
		}
		if r.breakers.State(rec.ShardID) == breaker.StateOpen {
			continue
		}
		if rec.CurrentConnections >= rec.MaxConnections {
			continue
		}
		out = append(out, rec)
	}
	return out
}
