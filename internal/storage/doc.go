// Package storage provides the raw record storage backends used by a Granary
// shard node: an in-memory store for tests and ephemeral shards, and a
// SQLite-backed store for durable shards.
//
// # Overview
//
// A Store holds loan records keyed by ID and maintains two secondary
// indexes: owner (the sharding affinity key, used by "all loans for user X"
// queries) and status (used by dashboard-style queries). Storage is policy
// free: capacity ceilings, read-only mode, caller authorization, and batch
// limits are all enforced one layer up, in internal/shard. A Store only
// stores.
//
// # Implementations
//
// MemoryStore: map-backed, guarded by a sync.RWMutex, returns copies of
// records so callers can never mutate stored state. Index maintenance is
// done inline with each write under the same lock, so readers never observe
// a record without its index entries.
//
// SQLiteStore: a single-file SQLite database in WAL mode via modernc.org/
// sqlite (pure Go, no cgo). Records live in one table with indexed owner and
// status columns; the payload is stored verbatim as a BLOB. Suitable for
// shards that must survive a process restart.
//
// # Consistency
//
// Both implementations guarantee that Put/Delete and the corresponding
// index updates are atomic with respect to readers: MemoryStore by holding
// the write lock across both, SQLiteStore by virtue of single-statement
// writes against indexed columns.
//
// # Error Handling
//
// ErrNotFound is the only sentinel: returned by Get and Update paths when
// the record ID does not exist. All other errors are I/O or encoding
// failures wrapped with context.
package storage
