// Package breaker implements the per-shard circuit breakers that protect
// Granary's coordinator from repeatedly calling degraded shards.
//
// # Overview
//
// The Bank holds one CircuitBreaker per shard, created lazily in the Closed
// state on first use. Callers ask CanCall before attempting a request and
// report the outcome with RecordResult afterwards. The two calls are not
// atomic from the caller's perspective: a call may be admitted just before
// the breaker opens, so failure counts can briefly overshoot the threshold.
//
// # State machine
//
//	         failures reach threshold,
//	         or failure rate trips
//	 Closed ───────────────────────────▶ Open
//	    ▲                                 │
//	    │ successes reach                 │ timeout elapses
//	    │ success threshold               ▼
//	    └──────────────────────────── HalfOpen
//	                 any failure: back to Open
//
// Closed admits everything and counts consecutive failures (a success resets
// the count). Open blocks everything until the reopen deadline passes, at
// which point the next CanCall evaluation moves to HalfOpen. HalfOpen admits
// a bounded number of in-flight trial calls, freeing each slot as its call
// completes; enough consecutive successes close the breaker and one failure
// reopens it immediately.
//
// # O(1) evaluation
//
// The state machine depends only on the small counter set (failure count,
// success count, per-state call/failure counts, deadlines). The rolling
// window of recent calls is diagnostics only: it feeds Snapshot output and
// never participates in transitions, so evaluation cost is independent of
// history size.
//
// # Failure classification
//
// The breaker is policy-agnostic about what counts as a failure. Callers
// classify: explicit errors, timeouts, and exceptions are failures;
// ambiguous or partial responses must be resolved by the caller before
// reporting.
package breaker
