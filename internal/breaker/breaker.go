package breaker

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	// StateClosed admits all calls. Initial state.
	StateClosed State = "closed"
	// StateOpen blocks all calls until the reopen deadline passes.
	StateOpen State = "open"
	// StateHalfOpen admits a bounded number of trial calls.
	StateHalfOpen State = "half_open"
)

// recentWindowSize bounds the diagnostic rolling window per breaker.
const recentWindowSize = 100

// Config carries the thresholds for every breaker in a bank.
type Config struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures while Closed.
	FailureThreshold int
	// SuccessThreshold closes the breaker after this many consecutive
	// successes while HalfOpen.
	SuccessThreshold int
	// Timeout is how long an Open breaker blocks before allowing a
	// Half-Open trial.
	Timeout time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls while HalfOpen.
	HalfOpenMaxCalls int
	// MinimumThroughput is the call volume below which the failure-rate
	// trip is disarmed (the consecutive-failure trip still applies).
	MinimumThroughput int
	// FailureRateThreshold opens the breaker when the failure rate since
	// entering Closed reaches this fraction, given minimum throughput.
	FailureRateThreshold float64
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		SuccessThreshold:     3,
		Timeout:              30 * time.Second,
		HalfOpenMaxCalls:     1,
		MinimumThroughput:    10,
		FailureRateThreshold: 0.5,
	}
}

// CallRecord is one entry in the diagnostic rolling window.
type CallRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"`
	ErrorKind string        `json:"error_kind,omitempty"`
}

// Statistics are the cumulative totals for one breaker. Diagnostics only;
// the state machine never reads them.
type Statistics struct {
	TotalCalls     uint64  `json:"total_calls"`
	TotalSuccesses uint64  `json:"total_successes"`
	TotalFailures  uint64  `json:"total_failures"`
	TimesOpened    uint64  `json:"times_opened"`
	FailureRate    float64 `json:"failure_rate"`
}

// Snapshot is a point-in-time copy of a breaker's state for diagnostics.
type Snapshot struct {
	ShardID         int          `json:"shard_id"`
	State           State        `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	NextAttemptTime time.Time    `json:"next_attempt_time"`
	Stats           Statistics   `json:"statistics"`
	RecentCalls     []CallRecord `json:"recent_calls"`
}

// circuit is the per-shard breaker. All fields are guarded by the bank's
// mutex; the struct has no methods of its own.
type circuit struct {
	state State

	// State-machine counters. Reset on every state transition.
	failureCount int // consecutive failures while Closed
	successCount int // consecutive successes while HalfOpen
	stateCalls   int // calls recorded since entering the current state
	stateFails   int // failures recorded since entering the current state
	trialCalls   int // trial calls admitted while HalfOpen

	lastFailureTime time.Time
	nextAttemptTime time.Time

	// Diagnostics. Never read by the state machine.
	stats  Statistics
	recent []CallRecord
}

// Bank holds one circuit breaker per shard, keyed by shard ID. Breakers are
// created lazily in the Closed state and live as long as the shard does.
// Thread-safe.
type Bank struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[int]*circuit

	// now is the clock; replaceable in tests.
	now func() time.Time

	// onTransition, when set, is invoked (outside the lock) after every
	// state change. Feeds the audit recorder.
	onTransition func(shardID int, from, to State)
}

// NewBank creates a breaker bank with the given thresholds. Zero-valued
// fields in cfg fall back to DefaultConfig.
func NewBank(cfg Config) *Bank {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.MinimumThroughput <= 0 {
		cfg.MinimumThroughput = def.MinimumThroughput
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = def.FailureRateThreshold
	}
	return &Bank{
		cfg:      cfg,
		circuits: make(map[int]*circuit),
		now:      time.Now,
	}
}

// SetOnTransition registers a callback invoked after every state change.
func (b *Bank) SetOnTransition(fn func(shardID int, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// SetClock overrides the bank's clock. Tests only.
func (b *Bank) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// CanCall reports whether a call to the given shard may be attempted.
// Evaluating an Open breaker whose reopen deadline has passed transitions it
// to HalfOpen; while HalfOpen, each admitted call consumes one trial slot.
func (b *Bank) CanCall(shardID int) bool {
	b.mu.Lock()
	c := b.get(shardID)

	var transition func()
	allowed := false

	switch c.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if !b.now().Before(c.nextAttemptTime) {
			transition = b.transition(shardID, c, StateHalfOpen)
			c.trialCalls++
			allowed = true
		}
	case StateHalfOpen:
		if c.trialCalls < b.cfg.HalfOpenMaxCalls {
			c.trialCalls++
			allowed = true
		}
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
	return allowed
}

// RecordResult reports the outcome of a call to the given shard and applies
// the state machine. Latency and errorKind feed the diagnostic window only.
func (b *Bank) RecordResult(shardID int, success bool, latency time.Duration, errorKind string) {
	b.mu.Lock()
	c := b.get(shardID)
	now := b.now()

	c.stats.TotalCalls++
	c.stateCalls++
	if success {
		c.stats.TotalSuccesses++
	} else {
		c.stats.TotalFailures++
		c.stateFails++
		c.lastFailureTime = now
	}
	c.pushRecent(CallRecord{Timestamp: now, Success: success, Latency: latency, ErrorKind: errorKind})

	var transition func()

	switch c.state {
	case StateClosed:
		if success {
			c.failureCount = 0
			break
		}
		c.failureCount++
		if c.failureCount >= b.cfg.FailureThreshold || b.rateTripped(c) {
			transition = b.open(shardID, c, now)
		}

	case StateOpen:
		// Statistics already updated above. An open breaker does not
		// re-evaluate until the next CanCall.

	case StateHalfOpen:
		// The trial call completed; free its slot so the next trial can be
		// admitted.
		if c.trialCalls > 0 {
			c.trialCalls--
		}
		if success {
			c.successCount++
			if c.successCount >= b.cfg.SuccessThreshold {
				transition = b.transition(shardID, c, StateClosed)
			}
		} else {
			c.successCount = 0
			transition = b.open(shardID, c, now)
		}
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// State returns the current state of the shard's breaker, applying the
// Open -> HalfOpen deadline check without consuming a trial slot.
func (b *Bank) State(shardID int) State {
	b.mu.Lock()
	c := b.get(shardID)

	var transition func()
	if c.state == StateOpen && !b.now().Before(c.nextAttemptTime) {
		transition = b.transition(shardID, c, StateHalfOpen)
	}
	state := c.state
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
	return state
}

// Reset forces the shard's breaker back to Closed with fresh counters.
// Admin operation.
func (b *Bank) Reset(shardID int) {
	b.mu.Lock()
	c := b.get(shardID)
	var transition func()
	if c.state != StateClosed {
		transition = b.transition(shardID, c, StateClosed)
	} else {
		c.failureCount = 0
		c.successCount = 0
		c.stateCalls = 0
		c.stateFails = 0
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// Snapshot returns a diagnostic copy of the shard's breaker.
func (b *Bank) Snapshot(shardID int) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(shardID)
	stats := c.stats
	if stats.TotalCalls > 0 {
		stats.FailureRate = float64(stats.TotalFailures) / float64(stats.TotalCalls)
	}
	return Snapshot{
		ShardID:         shardID,
		State:           c.state,
		FailureCount:    c.failureCount,
		SuccessCount:    c.successCount,
		LastFailureTime: c.lastFailureTime,
		NextAttemptTime: c.nextAttemptTime,
		Stats:           stats,
		RecentCalls:     append([]CallRecord(nil), c.recent...),
	}
}

// get returns the shard's circuit, creating it Closed on first use.
// Caller must hold the mutex.
func (b *Bank) get(shardID int) *circuit {
	c, ok := b.circuits[shardID]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[shardID] = c
	}
	return c
}

// rateTripped reports whether the failure rate since entering Closed has
// reached the threshold, given minimum throughput. Caller must hold the
// mutex.
func (b *Bank) rateTripped(c *circuit) bool {
	if c.stateCalls < b.cfg.MinimumThroughput {
		return false
	}
	rate := float64(c.stateFails) / float64(c.stateCalls)
	return rate >= b.cfg.FailureRateThreshold
}

// open moves a circuit to Open and arms the reopen deadline. Caller must
// hold the mutex; the returned func fires the transition callback and must
// be invoked after the lock is released.
func (b *Bank) open(shardID int, c *circuit, now time.Time) func() {
	fn := b.transition(shardID, c, StateOpen)
	c.nextAttemptTime = now.Add(b.cfg.Timeout)
	c.stats.TimesOpened++
	return fn
}

// transition switches state and resets the per-state counters. Caller must
// hold the mutex; the returned func fires the callback outside the lock.
func (b *Bank) transition(shardID int, c *circuit, to State) func() {
	from := c.state
	c.state = to
	c.failureCount = 0
	c.successCount = 0
	c.stateCalls = 0
	c.stateFails = 0
	c.trialCalls = 0

	cb := b.onTransition
	if cb == nil || from == to {
		return nil
	}
	return func() { cb(shardID, from, to) }
}

// pushRecent appends to the rolling window, evicting the oldest entry once
// the window is full.
func (c *circuit) pushRecent(rec CallRecord) {
	if len(c.recent) >= recentWindowSize {
		copy(c.recent, c.recent[1:])
		c.recent[len(c.recent)-1] = rec
		return
	}
	c.recent = append(c.recent, rec)
}
