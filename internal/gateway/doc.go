// ABOUTME: Package documentation for the division gateway
// ABOUTME: Describes the boundary responsibilities and the federation surface

// Package gateway fronts one division of the federation. It is the only
// process that touches the division's agent shard and message queue; every
// cross-division interaction flows through its HTTP surface.
//
// # Responsibilities
//
// The gateway enforces permissions at the boundary (an agent is reachable
// from another division only when its record shares it), applies
// per-source-division rate limits on inbound federation traffic, and keeps
// dispositions per messageId so redelivered envelopes are acknowledged
// without a second apply.
//
// # Surfaces
//
// /api/v1 carries the client API: agent lifecycle, discovery against the
// enterprise index, message send and status, sessions, tools, and the
// operator routes (dead letters, audit, division status). /internal
// carries the federation surface used by peer gateways: envelope delivery
// and shard replication. /health and /metrics are unauthenticated.
package gateway
