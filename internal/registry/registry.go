package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// HealthStatus classifies a shard's liveness as observed by the health
// checker. Routing only uses Healthy shards on the default path; Warning
// shards are reachable only through explicit degraded-mode fallback.
type HealthStatus string

const (
	// HealthUnknown is the status of a shard that has never been probed.
	HealthUnknown HealthStatus = "unknown"
	// HealthHealthy means the last probe succeeded within normal latency.
	HealthHealthy HealthStatus = "healthy"
	// HealthWarning means the shard responded but slowly or degraded.
	HealthWarning HealthStatus = "warning"
	// HealthUnhealthy means the last probe failed or timed out.
	HealthUnhealthy HealthStatus = "unhealthy"
	// HealthMaintenance means an operator took the shard out of rotation.
	HealthMaintenance HealthStatus = "maintenance"
)

// ErrShardNotFound is returned when a shard ID is not in the registry.
var ErrShardNotFound = errors.New("shard not found in registry")

// PerformanceMetrics holds the rolling performance figures for one shard.
type PerformanceMetrics struct {
	AvgResponseTime time.Duration `json:"avg_response_time"`
	TotalRequests   uint64        `json:"total_requests"`
	ErrorCount      uint64        `json:"error_count"`
}

// ShardRecord is one registry entry: everything the coordinator knows about
// a single storage shard.
//
// Lifecycle: created by Register when the factory provisions a shard (or a
// shard node announces itself); health fields mutated by the health checker;
// capacity fields mutated on capacity probes; never deleted, since
// Deregister marks the record inactive and read-only instead.
type ShardRecord struct {
	ShardID  int    `json:"shard_id"`
	Endpoint string `json:"endpoint"`
	Region   string `json:"region,omitempty"`
	Weight   int    `json:"weight"`

	// Capacity signals, updated by UpdateCapacity only.
	RecordCount       int     `json:"record_count"`
	MaxRecords        int     `json:"max_records"`
	StorageUsedBytes  int64   `json:"storage_used_bytes"`
	StoragePercentage float64 `json:"storage_percentage"`

	// Lifecycle flags. A read-only shard accepts no new writes but keeps
	// serving reads; an inactive shard is out of rotation entirely.
	IsActive   bool `json:"is_active"`
	IsReadOnly bool `json:"is_read_only"`

	// Health fields, updated by UpdateHealth only.
	Health          HealthStatus       `json:"health_status"`
	LastHealthCheck time.Time          `json:"last_health_check"`
	Metrics         PerformanceMetrics `json:"performance_metrics"`

	// Connection accounting for least-connections routing and the
	// max-connections routing prefilter.
	CurrentConnections int `json:"current_connections"`
	MaxConnections     int `json:"max_connections"`
}

// Registry manages the catalog of shards. Thread-safe; all returned records
// are copies.
type Registry struct {
	mu     sync.RWMutex
	shards map[int]*ShardRecord

	// now is the clock used for health-check timestamps; replaceable in
	// tests.
	now func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		shards: make(map[int]*ShardRecord),
		now:    time.Now,
	}
}

// SetClock overrides the registry's clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register adds a shard to the catalog or refreshes an existing entry's
// identity fields (endpoint, region, weight, limits). Registration always
// (re)activates the shard; health starts Unknown until the first probe.
func (r *Registry) Register(rec ShardRecord) error {
	if rec.ShardID < 0 {
		return fmt.Errorf("invalid shard ID %d", rec.ShardID)
	}
	if rec.Endpoint == "" {
		return errors.New("shard endpoint cannot be empty")
	}
	if rec.Weight <= 0 {
		rec.Weight = 1
	}
	if rec.MaxConnections <= 0 {
		rec.MaxConnections = 256
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.shards[rec.ShardID]; ok {
		// Re-registration refreshes identity fields but keeps the health
		// and capacity state the periodic tasks have accumulated.
		existing.Endpoint = rec.Endpoint
		existing.Region = rec.Region
		existing.Weight = rec.Weight
		existing.MaxRecords = rec.MaxRecords
		existing.MaxConnections = rec.MaxConnections
		existing.IsActive = true
		return nil
	}

	rec.IsActive = true
	rec.Health = HealthUnknown
	stored := rec
	r.shards[rec.ShardID] = &stored
	return nil
}

// Deregister retires a shard: marks it inactive and read-only. The record
// stays in the catalog so historical data remains reachable.
func (r *Registry) Deregister(shardID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.shards[shardID]
	if !ok {
		return ErrShardNotFound
	}
	rec.IsActive = false
	rec.IsReadOnly = true
	return nil
}

// Get returns a copy of the record for the given shard ID.
func (r *Registry) Get(shardID int) (ShardRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.shards[shardID]
	if !ok {
		return ShardRecord{}, ErrShardNotFound
	}
	return *rec, nil
}

// ListActive returns copies of all active shards in ascending shard-ID
// order. Callers must treat the order as stable but unspecified.
func (r *Registry) ListActive() []ShardRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ShardRecord, 0, len(r.shards))
	for _, rec := range r.shards {
		if rec.IsActive {
			out = append(out, *rec)
		}
	}
	slices.SortFunc(out, func(a, b ShardRecord) int { return a.ShardID - b.ShardID })
	return out
}

// All returns copies of every record, retired shards included. Admin view.
func (r *Registry) All() []ShardRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ShardRecord, 0, len(r.shards))
	for _, rec := range r.shards {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b ShardRecord) int { return a.ShardID - b.ShardID })
	return out
}

// UpdateHealth records the outcome of a health probe. Touches only health
// fields: status, last-check timestamp, rolling response time, and the error
// counter. Capacity fields are left alone.
func (r *Registry) UpdateHealth(shardID int, status HealthStatus, responseTime time.Duration, failed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.shards[shardID]
	if !ok {
		return ErrShardNotFound
	}
	rec.Health = status
	rec.LastHealthCheck = r.now()
	if failed {
		rec.Metrics.ErrorCount++
	} else if responseTime > 0 {
		// Exponentially weighted moving average; cheap and smooth enough
		// for routing decisions.
		if rec.Metrics.AvgResponseTime == 0 {
			rec.Metrics.AvgResponseTime = responseTime
		} else {
			rec.Metrics.AvgResponseTime = (rec.Metrics.AvgResponseTime*7 + responseTime) / 8
		}
	}
	return nil
}

// UpdateCapacity records the capacity figures reported by a shard. Touches
// only capacity fields; health fields are left alone.
func (r *Registry) UpdateCapacity(shardID, recordCount int, storageUsedBytes int64, storagePercentage float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.shards[shardID]
	if !ok {
		return ErrShardNotFound
	}
	rec.RecordCount = recordCount
	rec.StorageUsedBytes = storageUsedBytes
	rec.StoragePercentage = storagePercentage
	return nil
}

// MarkReadOnly flips a shard's read-only flag. Read-only shards keep serving
// reads but are excluded from write routing.
func (r *Registry) MarkReadOnly(shardID int, readOnly bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.shards[shardID]
	if !ok {
		return ErrShardNotFound
	}
	rec.IsReadOnly = readOnly
	return nil
}

// SetWeight adjusts a shard's weight for weighted routing strategies.
func (r *Registry) SetWeight(shardID, weight int) error {
	if weight <= 0 {
		return fmt.Errorf("weight must be positive, got %d", weight)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.shards[shardID]
	if !ok {
		return ErrShardNotFound
	}
	rec.Weight = weight
	return nil
}

// RecordRequest increments a shard's request counter. Statistics only; no
// routing decision reads this synchronously.
func (r *Registry) RecordRequest(shardID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.shards[shardID]; ok {
		rec.Metrics.TotalRequests++
	}
}

// AcquireConnection increments a shard's open-connection count. Returns
// false when the shard is already at its connection ceiling.
func (r *Registry) AcquireConnection(shardID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.shards[shardID]
	if !ok {
		return false
	}
	if rec.CurrentConnections >= rec.MaxConnections {
		return false
	}
	rec.CurrentConnections++
	return true
}

// ReleaseConnection decrements a shard's open-connection count.
func (r *Registry) ReleaseConnection(shardID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.shards[shardID]; ok && rec.CurrentConnections > 0 {
		rec.CurrentConnections--
	}
}

// NextShardID returns an ID one past the highest registered shard ID.
// Used by the auto-scaler when provisioning a new shard.
func (r *Registry) NextShardID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	next := 0
	for id := range r.shards {
		if id >= next {
			next = id + 1
		}
	}
	return next
}
