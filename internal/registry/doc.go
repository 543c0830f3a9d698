// Package registry implements the federated agent registry.
//
// Each division runs one Shard, the single writer for agent records created
// in that division. Registration, heartbeats, version-checked updates, and
// tombstoning all go through the shard.
//
// The Index is the enterprise-wide read view: a replicated merge of the
// local shard and remote division snapshots, refreshed on a fixed tick.
// Discovery queries run against the index and apply permission filtering,
// capability intersection, derived liveness, and deterministic ordering.
// The index is eventually consistent with a bounded replication lag; stale
// reads inside the window are an accepted trade-off, not an error.
package registry
