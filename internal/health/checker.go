// Package health implements the coordinator's periodic shard health checker.
//
// The checker probes each registered shard's health endpoint on a fixed
// interval and classifies the result into the registry's health states.
// Health is a liveness/capacity signal, independent of the circuit
// breakers, which track call-outcome history: a failed probe
// never touches a breaker, and the router filters on both signals.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrifund/granary/internal/cluster"
	"github.com/agrifund/granary/internal/registry"
)

// ProbeFunc performs one health probe against a shard endpoint and returns
// the response plus observed latency. Implementations must respect ctx.
type ProbeFunc func(ctx context.Context, endpoint string) (cluster.HealthResponse, time.Duration, error)

// Config carries the checker's timing parameters.
type Config struct {
	// Interval between probe rounds; a shard is probed only when its last
	// check is older than this.
	Interval time.Duration
	// Timeout bounds each individual probe.
	Timeout time.Duration
	// Retries is how many times a transient probe error is retried before
	// the shard is classified Unhealthy.
	Retries int
	// WarnLatencyFraction classifies a successful probe as Warning when its
	// latency exceeds this fraction of the timeout.
	WarnLatencyFraction float64
}

// Checker probes shards and updates the registry. One goroutine; each probe
// is individually bounded so one slow shard never delays the rest of the
// round.
type Checker struct {
	registry *registry.Registry
	probe    ProbeFunc
	cfg      Config
	log      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is the clock for the freshness cutoff; replaceable in tests.
	now func() time.Time
}

// New creates a health checker over the registry using probe.
func New(reg *registry.Registry, probe ProbeFunc, cfg Config, log zerolog.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.WarnLatencyFraction <= 0 {
		cfg.WarnLatencyFraction = 0.75
	}
	return &Checker{
		registry: reg,
		probe:    probe,
		cfg:      cfg,
		log:      log.With().Str("component", "health").Logger(),
		now:      time.Now,
	}
}

// SetProbe overrides the probe function. Tests only.
func (c *Checker) SetProbe(probe ProbeFunc) {
	c.probe = probe
}

// SetClock overrides the checker's clock. Tests only.
func (c *Checker) SetClock(now func() time.Time) {
	c.now = now
}

// Start begins the probe loop in the current goroutine and blocks until the
// context is canceled. Run it with go; stop it by canceling ctx or calling
// Stop.
func (c *Checker) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.log.Info().Dur("interval", c.cfg.Interval).Msg("health checker started")

	// Initial round immediately so fresh shards don't wait a full interval.
	c.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			c.CheckAll(ctx)
		case <-ctx.Done():
			c.log.Info().Msg("health checker stopping")
			return
		}
	}
}

// Stop cancels the probe loop and waits for it to finish.
func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// CheckAll probes every active shard whose last check is older than the
// interval. Exported so tests and admin handlers can force a round.
func (c *Checker) CheckAll(ctx context.Context) {
	cutoff := c.now().Add(-c.cfg.Interval)
	for _, rec := range c.registry.ListActive() {
		if rec.LastHealthCheck.After(cutoff) {
			continue
		}
		c.checkShard(ctx, rec)
		if ctx.Err() != nil {
			return
		}
	}
}

// checkShard probes one shard and records the classification. The registry
// stamps LastHealthCheck regardless of outcome, so a slow shard is not
// immediately re-probed.
func (c *Checker) checkShard(ctx context.Context, rec registry.ShardRecord) {
	resp, latency, err := c.probeWithRetry(ctx, rec.Endpoint)
	if err != nil {
		c.log.Warn().
			Int("shard_id", rec.ShardID).
			Err(err).
			Msg("health probe failed")
		_ = c.registry.UpdateHealth(rec.ShardID, registry.HealthUnhealthy, 0, true)
		return
	}

	status := c.classify(resp, latency)
	_ = c.registry.UpdateHealth(rec.ShardID, status, latency, false)

	// The probe body carries the shard's authoritative capacity figures;
	// record them through the capacity-scoped update so the two field
	// groups stay independent.
	_ = c.registry.UpdateCapacity(rec.ShardID, resp.RecordCount, resp.StorageUsedBytes, resp.StoragePercentage)

	if status != registry.HealthHealthy {
		c.log.Warn().
			Int("shard_id", rec.ShardID).
			Str("status", string(status)).
			Dur("latency", latency).
			Msg("shard degraded")
	}
}

// probeWithRetry runs the probe, retrying transient errors a bounded number
// of times. Each attempt carries its own timeout.
func (c *Checker) probeWithRetry(ctx context.Context, endpoint string) (cluster.HealthResponse, time.Duration, error) {
	var resp cluster.HealthResponse
	var latency time.Duration
	var err error

	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		resp, latency, err = c.probe(probeCtx, endpoint)
		cancel()
		if err == nil {
			return resp, latency, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return resp, latency, err
}

// classify maps a successful probe to a health status: degraded body or
// high latency is Warning, everything else Healthy.
func (c *Checker) classify(resp cluster.HealthResponse, latency time.Duration) registry.HealthStatus {
	if resp.Status != "ok" {
		return registry.HealthWarning
	}
	warnAt := time.Duration(float64(c.cfg.Timeout) * c.cfg.WarnLatencyFraction)
	if latency > warnAt {
		return registry.HealthWarning
	}
	return registry.HealthHealthy
}
