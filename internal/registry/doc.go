// Package registry implements the shard catalog for Granary's coordinator:
// the authoritative record of every storage shard, its endpoint, capacity,
// health, and lifecycle flags. The router, health checker, and capacity
// monitor all make their decisions against this registry.
//
// # Overview
//
// The registry holds one ShardRecord per shard, keyed by shard ID. Records
// are never deleted: a retired shard is marked inactive and read-only so
// that historical data stays reachable through it, but it drops out of
// ListActive and is therefore invisible to routing.
//
// # Field-scoped updates
//
// Three independent periodic tasks write to the registry concurrently: the
// health checker updates health fields, the capacity monitor and the shards
// themselves update capacity fields, and the router updates request
// statistics. To avoid lost-update races between them, every mutator touches
// only the field group its caller is responsible for:
//
//	UpdateHealth    -> health status, last check time, response time, errors
//	UpdateCapacity  -> record count, bytes used, storage percentage
//	MarkReadOnly    -> read-only flag
//	RecordRequest   -> request counter
//	Acquire/ReleaseConnection -> connection counter
//
// A health update can never clobber a concurrent capacity update and vice
// versa, because neither reads-modifies-writes the other's fields.
//
// # Concurrency Model
//
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned records are copies; callers can never mutate registry
//     state through a returned value
//
// # Ordering
//
// ListActive returns shards in ascending shard-ID order. The order is stable
// but unspecified as far as callers are concerned: routing strategies must
// not attach meaning to it beyond stability within an unchanged shard set.
package registry
