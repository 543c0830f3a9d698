// ABOUTME: Store interface and data types for fabric-gateway persistence
// ABOUTME: Defines agent, envelope, tool, and session entities plus the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Store errors
var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a conditional update loses the race
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicateAgent is returned when registering an agentId that already
	// exists with a newer version
	ErrDuplicateAgent = errors.New("agent already registered with newer version")

	// ErrExecutionTerminal is returned when mutating a completed or failed
	// execution record
	ErrExecutionTerminal = errors.New("execution record is terminal")
)

// AgentStatus enumerates agent health states.
type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentDegraded    AgentStatus = "degraded"
	AgentUnavailable AgentStatus = "unavailable"
)

// AgentRecord is the authoritative registration record for one agent.
// It is owned and mutated only by its home division; other divisions see
// read-only replicas through the enterprise index.
type AgentRecord struct {
	AgentID          string
	DivisionID       string // immutable after registration
	Capabilities     []string
	Endpoint         string // opaque invocation address
	IsShareable      bool
	AllowedDivisions []string // meaningful only when IsShareable
	Status           AgentStatus
	Version          int64 // monotonic counter for optimistic concurrency
	LastHeartbeat    time.Time
	Tombstoned       bool // soft-deleted, retained while executions reference it
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasCapability reports whether the record lists the given capability.
func (r *AgentRecord) HasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// VisibleTo reports whether the record may be discovered by a requester from
// the given division. Own-division records are always visible; others only
// when shared and the requester is listed.
func (r *AgentRecord) VisibleTo(requesterDivision string) bool {
	if r.DivisionID == requesterDivision {
		return true
	}
	if !r.IsShareable {
		return false
	}
	for _, d := range r.AllowedDivisions {
		if d == requesterDivision {
			return true
		}
	}
	return false
}

// DivisionRecord describes a remote division known to this gateway.
type DivisionRecord struct {
	DivisionID      string
	GatewayEndpoint string
	Trusted         bool
	UpdatedAt       time.Time
}

// MessageType enumerates envelope types.
type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
	MessageEvent    MessageType = "event"
)

// EnvelopeStatus enumerates delivery dispositions.
type EnvelopeStatus string

const (
	EnvelopePending    EnvelopeStatus = "pending"
	EnvelopeInflight   EnvelopeStatus = "inflight"
	EnvelopeDelivered  EnvelopeStatus = "delivered"
	EnvelopeExpired    EnvelopeStatus = "expired"
	EnvelopeDeadLetter EnvelopeStatus = "dead_letter"
)

// Envelope is the unit of routed communication between divisions.
// MessageID is stable across retries and serves as the idempotency key:
// redelivery with the same ID must not cause duplicate agent-visible effects.
type Envelope struct {
	MessageID        string          `json:"messageId"`
	SourceAgentID    string          `json:"sourceAgentId"`
	SourceDivisionID string          `json:"sourceDivisionId"`
	TargetAgentID    string          `json:"targetAgentId"`
	TargetDivisionID string          `json:"targetDivisionId"`
	Type             MessageType     `json:"messageType"`
	Payload          json.RawMessage `json:"payload"`
	CorrelationID    string          `json:"correlationId,omitempty"`
	CreatedAt        time.Time       `json:"timestamp"`
	TTLSeconds       int             `json:"ttl"`
	Attempt          int             `json:"retryCount"`
	Priority         int             `json:"priority,omitempty"`

	// Delivery bookkeeping, not part of the wire shape.
	Status        EnvelopeStatus `json:"-"`
	NextAttemptAt time.Time      `json:"-"`
	LastError     string         `json:"-"`
	DeliveredAt   *time.Time     `json:"-"`
}

// ExpiresAt returns the instant the envelope's TTL elapses.
func (e *Envelope) ExpiresAt() time.Time {
	return e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Expired reports whether the envelope's TTL has elapsed at the given time.
func (e *Envelope) Expired(now time.Time) bool {
	return e.TTLSeconds > 0 && now.After(e.ExpiresAt())
}

// DeadLetter is a terminally failed envelope, retained for operator replay.
type DeadLetter struct {
	Envelope    *Envelope
	LastError   string
	Attempts    int
	DeadAt      time.Time
	ReplayedAt  *time.Time
	ReplayCount int
}

// ToolDefinition describes one version of an invocable tool.
type ToolDefinition struct {
	ToolID           string
	Version          string // semantic, major version signals breaking change
	Name             string
	Description      string
	Endpoint         string
	InputSchema      json.RawMessage
	OutputSchema     json.RawMessage
	TimeoutSeconds   int
	AllowedDivisions []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VisibleTo reports whether the definition is visible to a division.
func (d *ToolDefinition) VisibleTo(division string) bool {
	for _, a := range d.AllowedDivisions {
		if a == division {
			return true
		}
	}
	return false
}

// ExecutionStatus enumerates tool execution states.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// ToolExecutionRecord tracks one tool invocation from request to terminal
// outcome. Terminal records are write-once: completion is never rewritten.
type ToolExecutionRecord struct {
	ExecutionID        string
	ToolID             string
	ToolVersion        string
	RequestingAgentID  string
	RequestingDivision string
	Status             ExecutionStatus
	Params             json.RawMessage
	Result             json.RawMessage
	ErrorCode          string
	ErrorDetail        string
	StartedAt          time.Time
	CompletedAt        *time.Time
}

// Session pins a conversation to an agent for correlation purposes.
// Sessions carry no shared mutable state; callers pass a correlationId.
type Session struct {
	SessionID string
	AgentID   string
	CallerID  string
	Division  string
	Context   json.RawMessage
	CreatedAt time.Time
	EndedAt   *time.Time
}

// AgentStore persists agent records for the division shard.
type AgentStore interface {
	// PutAgent inserts a new agent record at version 1.
	PutAgent(ctx context.Context, rec *AgentRecord) error
	// GetAgent fetches a record by ID, tombstoned or not.
	GetAgent(ctx context.Context, agentID string) (*AgentRecord, error)
	// UpdateAgentCAS applies rec only if the stored version equals
	// rec.Version; on success the stored version becomes rec.Version+1.
	// Returns ErrVersionConflict when the stored version differs.
	UpdateAgentCAS(ctx context.Context, rec *AgentRecord) error
	// TouchHeartbeat updates only LastHeartbeat without bumping the version.
	TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error
	// ListAgentsByDivision lists live (non-tombstoned) records.
	ListAgentsByDivision(ctx context.Context, divisionID string) ([]*AgentRecord, error)
	// ListAllAgents lists every live record regardless of division.
	ListAllAgents(ctx context.Context) ([]*AgentRecord, error)
	// TombstoneAgent soft-deletes a record.
	TombstoneAgent(ctx context.Context, agentID string, at time.Time) error
	// HasActiveExecutions reports whether any non-terminal execution
	// references the agent.
	HasActiveExecutions(ctx context.Context, agentID string) (bool, error)
}

// EnvelopeStore is the durable queue backing the message router:
// enqueue (write-ahead), claim, ack, nack, and dead-letter.
type EnvelopeStore interface {
	EnqueueEnvelope(ctx context.Context, env *Envelope) error
	GetEnvelope(ctx context.Context, messageID string) (*Envelope, error)
	// ClaimDue atomically marks up to limit due pending envelopes inflight
	// and returns them ordered by priority (descending) then creation time.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Envelope, error)
	AckEnvelope(ctx context.Context, messageID string, deliveredAt time.Time) error
	// NackEnvelope returns an envelope to pending with the next attempt time.
	NackEnvelope(ctx context.Context, messageID string, attempt int, nextAttempt time.Time, lastError string) error
	MarkExpired(ctx context.Context, messageID string) error
	DeadLetterEnvelope(ctx context.Context, messageID string, lastError string, at time.Time) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	GetDeadLetter(ctx context.Context, messageID string) (*DeadLetter, error)
	// ReplayDeadLetter requeues a dead-lettered envelope with a reset
	// attempt counter. Only operators call this; it is never automatic.
	ReplayDeadLetter(ctx context.Context, messageID string, at time.Time) error
	QueueDepth(ctx context.Context) (int, error)
}

// ToolStore persists tool definitions and execution records.
type ToolStore interface {
	PutToolDefinition(ctx context.Context, def *ToolDefinition) error
	GetToolVersion(ctx context.Context, toolID, version string) (*ToolDefinition, error)
	ListToolVersions(ctx context.Context, toolID string) ([]*ToolDefinition, error)
	ListTools(ctx context.Context) ([]*ToolDefinition, error)
	DeleteToolVersion(ctx context.Context, toolID, version string) error
	// VersionInUse reports whether any non-terminal execution references
	// the tool version.
	VersionInUse(ctx context.Context, toolID, version string) (bool, error)

	CreateExecution(ctx context.Context, rec *ToolExecutionRecord) error
	// MarkExecutionRunning transitions pending -> running.
	MarkExecutionRunning(ctx context.Context, executionID string) error
	// CompleteExecution writes the terminal disposition exactly once;
	// a second completion returns ErrExecutionTerminal.
	CompleteExecution(ctx context.Context, executionID string, status ExecutionStatus, result json.RawMessage, errorCode, errorDetail string, at time.Time) error
	GetExecution(ctx context.Context, executionID string) (*ToolExecutionRecord, error)
}

// SessionStore persists conversation sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	EndSession(ctx context.Context, sessionID string, at time.Time) error
}

// DivisionStore persists the known-division table.
type DivisionStore interface {
	UpsertDivision(ctx context.Context, rec *DivisionRecord) error
	GetDivision(ctx context.Context, divisionID string) (*DivisionRecord, error)
	ListDivisions(ctx context.Context) ([]*DivisionRecord, error)
}

// Store is the full persistence interface for a division gateway.
type Store interface {
	AgentStore
	EnvelopeStore
	ToolStore
	SessionStore
	DivisionStore
	AuditStore

	// Close releases any resources held by the store
	Close() error
}
