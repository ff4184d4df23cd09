// Package query implements Granary's cross-shard query aggregation and the
// short-TTL result cache in front of it.
//
// # Aggregation
//
// Owner- and status-scoped queries fan out to every candidate shard
// concurrently, each leg bounded by its own timeout. Per-shard failures are
// logged and tolerated: the merged result carries whatever data was
// retrievable plus a Partial flag, and only a round in which zero shards
// responded fails outright. Merge strategies cover plain concatenation,
// numeric reduction (sum/average over a payload field), group-by counting,
// and top-N by recency.
//
// # Caching
//
// The cache absorbs repeated dashboard reads. Entries are keyed by a
// deterministic string derived from the query type and parameters, and are
// never served past expiry: Get on an expired entry behaves as a miss and
// evicts it, and a background sweep on its own ticker removes expired
// entries that were never re-read.
package query
