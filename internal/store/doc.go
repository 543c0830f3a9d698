// Package store provides persistent storage for the division gateway using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with specialized
// interfaces:
//
//   - AgentStore: Agent registration records for the division shard
//   - EnvelopeStore: Durable message queue (enqueue, claim, ack, nack, dead-letter)
//   - ToolStore: Tool definitions and execution records
//   - SessionStore: Conversation sessions
//   - DivisionStore: Known federation peers
//   - AuditStore: Append-only cross-division audit trail
//
// SQLiteStore implements all interfaces in a single struct, allowing easy
// composition while maintaining clear interface boundaries.
//
// # Concurrency Semantics
//
// Agent updates use optimistic concurrency: UpdateAgentCAS succeeds only when
// the caller's version matches the stored version, returning
// ErrVersionConflict otherwise. Heartbeats bypass the version counter.
//
// The envelope queue provides write-ahead durability: EnqueueEnvelope commits
// before any delivery attempt, so a crash never drops an accepted message.
// ClaimDue marks envelopes inflight inside one transaction so two dispatchers
// never claim the same message.
//
// Execution records are write-once at completion: CompleteExecution refuses
// to rewrite a terminal record, returning ErrExecutionTerminal.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for tests.
package store
