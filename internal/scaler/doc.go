// Package scaler implements Granary's capacity monitor, auto-scaler, and
// admin-invoked rebalancer.
//
// # Scaling model
//
// Scaling is one-directional and additive. When a shard trips the scale
// trigger (storage percentage over threshold, record count past 80% of its
// ceiling, or average response time past the latency ceiling) the monitor
// asks the provisioning collaborator for a new shard, registers it, and
// marks the triggering shard read-only. Reads keep flowing to the saturated
// shard; new writes route to the fresh one. There is no automatic
// consolidation: migrating data under write load risks consistency
// violations this design does not otherwise defend against, so rebalancing
// is a separate operation an operator invokes explicitly.
//
// # Rebalancing
//
// The rebalancer moves a fraction of a source shard's records to a target
// via export, then import, then delete, one bounded batch at a time,
// with an audit event per phase. A failure partway leaves both shards
// independently consistent: records exported but not yet deleted are
// harmless duplicates, and import overwrites rather than duplicates, so the
// whole sequence is safe under at-least-once retry.
package scaler
