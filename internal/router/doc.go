// Package router selects the target shard for each request, combining the
// shard registry, per-shard circuit breakers, and a pluggable load-balancing
// strategy.
//
// # Overview
//
// Selection is a two-phase process. First a fixed prefilter builds the
// candidate set: shards that are active, healthy, below their connection
// ceiling, and whose breaker is not Open. Write-intent requests additionally
// exclude read-only shards. Then the configured strategy picks one candidate.
// If the prefilter leaves nothing, Select returns ErrNoHealthyShard and the
// caller must surface the failure upward rather than spin-retry.
//
// # Strategies
//
// Each algorithm is its own Strategy implementation so its edge cases
// (empty candidate list, single candidate) are independently testable:
//
//	round_robin          shared monotonic counter modulo candidate count
//	weighted_round_robin cumulative-weight threshold against a random draw
//	least_connections    fewest current open connections
//	resource_based       lowest load factor (storage and connection pressure)
//	response_time        lowest rolling average latency
//	hash                 FNV-1a of the affinity key modulo candidate count
//	geographic           region match first, least-connections fallback
//
// The hash strategy is hash-based sharding, not true consistent hashing: a
// key routes to the same shard only while the candidate set is unchanged,
// and adding or removing a shard reshuffles most keys. Granary relies on
// owner-indexed fan-out queries rather than stable key placement, so the
// naive modulo is sufficient; a virtual-node hash ring would be the upgrade
// path if minimal disruption ever becomes a requirement.
//
// # Side effects
//
// Select increments the chosen shard's request counter. That is the only
// mutation; connection accounting is the caller's responsibility around the
// actual downstream call.
package router
