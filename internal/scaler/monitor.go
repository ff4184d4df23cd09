package scaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrifund/granary/internal/audit"
	"github.com/agrifund/granary/internal/cluster"
	"github.com/agrifund/granary/internal/registry"
)

// recordCountFraction is the fill fraction of a shard's record ceiling that
// trips the scale trigger.
const recordCountFraction = 0.8

// CapacityLimits are the limits requested for a newly provisioned shard.
type CapacityLimits struct {
	MaxRecords      int
	MaxStorageBytes int64
}

// Provisioner is the external factory that actually provisions a new storage
// shard process. Granary calls it but does not implement it.
type Provisioner interface {
	// CreateShard provisions a shard with the given limits and returns its
	// identity once it is reachable.
	CreateShard(ctx context.Context, limits CapacityLimits) (cluster.ShardNodeInfo, error)
}

// NodeControl pushes read-only mode down to a shard node so the node's local
// policy stays in step with the registry flag.
type NodeControl interface {
	SetReadOnly(ctx context.Context, endpoint string, readOnly bool) error
}

// Config carries the monitor's thresholds and timing.
type Config struct {
	// Interval between capacity evaluation rounds.
	Interval time.Duration
	// StorageThreshold is the storage percentage above which a shard trips
	// the scale trigger.
	StorageThreshold float64
	// LatencyCeiling is the average response time above which a shard trips
	// the scale trigger.
	LatencyCeiling time.Duration
	// NewShardLimits are the capacity limits requested for shards the
	// monitor provisions.
	NewShardLimits CapacityLimits
}

// Monitor evaluates shard capacity on a timer and scales out when a shard
// saturates. Scaling marks the saturated shard read-only; it never removes
// or consolidates shards.
type Monitor struct {
	registry    *registry.Registry
	provisioner Provisioner
	nodes       NodeControl
	recorder    audit.Recorder
	log         zerolog.Logger

	mu  sync.RWMutex // Protects cfg thresholds, updated by admin calls
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a capacity monitor.
func NewMonitor(reg *registry.Registry, prov Provisioner, nodes NodeControl, rec audit.Recorder, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StorageThreshold <= 0 {
		cfg.StorageThreshold = 80
	}
	if cfg.LatencyCeiling <= 0 {
		cfg.LatencyCeiling = time.Second
	}
	return &Monitor{
		registry:    reg,
		provisioner: prov,
		nodes:       nodes,
		recorder:    rec,
		cfg:         cfg,
		log:         log.With().Str("component", "scaler").Logger(),
	}
}

// Start begins the evaluation loop and blocks until the context is
// canceled. Run it with go; stop it by canceling ctx or calling Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.cfg.Interval).Msg("capacity monitor started")

	for {
		select {
		case <-ticker.C:
			m.EvaluateAll(ctx)
		case <-ctx.Done():
			m.log.Info().Msg("capacity monitor stopping")
			return
		}
	}
}

// Stop cancels the evaluation loop and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// SetThresholds updates the scale-trigger thresholds at runtime. Admin
// operation; zero values leave the corresponding threshold unchanged.
func (m *Monitor) SetThresholds(storageThreshold float64, latencyCeiling time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if storageThreshold > 0 {
		m.cfg.StorageThreshold = storageThreshold
	}
	if latencyCeiling > 0 {
		m.cfg.LatencyCeiling = latencyCeiling
	}
}

// Thresholds returns the current scale-trigger thresholds.
func (m *Monitor) Thresholds() (float64, time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.StorageThreshold, m.cfg.LatencyCeiling
}

// EvaluateAll runs one evaluation round over every active writable shard.
// Exported so tests and admin handlers can force a round.
func (m *Monitor) EvaluateAll(ctx context.Context) {
	storageThreshold, latencyCeiling := m.Thresholds()
	for _, rec := range m.registry.ListActive() {
		if rec.IsReadOnly {
			// Writes already stopped; scaling this shard again would only
			// provision idle capacity.
			continue
		}
		if !ShouldScale(rec, storageThreshold, latencyCeiling) {
			continue
		}
		m.scaleOut(ctx, rec)
		if ctx.Err() != nil {
			return
		}
	}
}

// ShouldScale is the scale-trigger predicate: storage percentage over the
// threshold, record count past 80% of the ceiling, or average response time
// past the latency ceiling. Any one branch triggers.
func ShouldScale(rec registry.ShardRecord, storageThreshold float64, latencyCeiling time.Duration) bool {
	if rec.StoragePercentage > storageThreshold {
		return true
	}
	if rec.MaxRecords > 0 && float64(rec.RecordCount) > float64(rec.MaxRecords)*recordCountFraction {
		return true
	}
	if rec.Metrics.AvgResponseTime > latencyCeiling {
		return true
	}
	return false
}

// scaleOut provisions a new shard and retires the triggering shard from
// write routing.
func (m *Monitor) scaleOut(ctx context.Context, trigger registry.ShardRecord) {
	m.log.Info().
		Int("shard_id", trigger.ShardID).
		Float64("storage_pct", trigger.StoragePercentage).
		Int("record_count", trigger.RecordCount).
		Dur("avg_response_time", trigger.Metrics.AvgResponseTime).
		Msg("scale trigger fired")

	node, err := m.provisioner.CreateShard(ctx, m.cfg.NewShardLimits)
	if err != nil {
		m.recorder.Event(audit.CategoryScaling,
			fmt.Sprintf("shard creation failed scaling out of shard %d: %v", trigger.ShardID, err), false)
		m.log.Error().Err(err).Int("trigger_shard", trigger.ShardID).Msg("shard provisioning failed")
		return
	}

	if err := m.registry.Register(registry.ShardRecord{
		ShardID:    node.ShardID,
		Endpoint:   node.Endpoint,
		Region:     node.Region,
		MaxRecords: node.MaxRecords,
	}); err != nil {
		m.recorder.Event(audit.CategoryScaling,
			fmt.Sprintf("registering new shard %d failed: %v", node.ShardID, err), false)
		return
	}
	m.recorder.Event(audit.CategoryScaling,
		fmt.Sprintf("provisioned shard %d (endpoint %s) scaling out of shard %d", node.ShardID, node.Endpoint, trigger.ShardID), true)

	// Stop routing new writes to the saturated shard. Reads continue.
	if err := m.registry.MarkReadOnly(trigger.ShardID, true); err != nil {
		m.recorder.Event(audit.CategoryScaling,
			fmt.Sprintf("marking shard %d read-only failed: %v", trigger.ShardID, err), false)
		return
	}
	if m.nodes != nil {
		if err := m.nodes.SetReadOnly(ctx, trigger.Endpoint, true); err != nil {
			// The registry flag already stops write routing; callers holding
			// a stale handle get ErrReadOnly once this push lands.
			m.log.Warn().Err(err).Int("shard_id", trigger.ShardID).Msg("node read-only push failed")
		}
	}
	m.recorder.Event(audit.CategoryScaling,
		fmt.Sprintf("shard %d marked read-only after scale-out", trigger.ShardID), true)
}
