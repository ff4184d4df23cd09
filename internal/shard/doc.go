// Package shard implements the policy layer wrapped around a storage backend
// on a Granary shard node.
//
// # Overview
//
// A Shard owns one storage.Store and enforces everything the raw store does
// not: caller authorization, read-only mode, the record-count capacity
// ceiling, and the batch-size ceiling on migration operations. Every
// operation takes the caller's token as its first argument and checks it
// against the shard's allow-list before doing anything else; unauthorized
// callers get ErrUnauthorized and no side effect.
//
// # Ordering of checks
//
// Checks run in a fixed order so failures are deterministic:
//
//  1. Authorization (ErrUnauthorized)
//  2. Read-only mode, mutations only (ErrReadOnly)
//  3. Batch ceiling, batched ops only (ErrBatchTooLarge)
//  4. Capacity ceiling, Put/Import only (ErrCapacityExceeded)
//
// A rejected operation never touches the store, so record counts and
// storage statistics are guaranteed unchanged on any error return.
//
// # Migration operations
//
// Export, Import, and Delete-by-batch exist solely for rebalancing. Import
// overwrites records that already exist rather than duplicating them, which
// makes the export -> import -> delete migration sequence safe under
// at-least-once delivery: re-importing the same batch is a no-op for the
// final record count.
//
// # Concurrency
//
// Mutating operations serialize on the shard mutex so the data write and the
// capacity accounting are atomic with respect to readers. Operation counters
// use atomics and are approximate under concurrency, which is fine for
// statistics.
package shard
