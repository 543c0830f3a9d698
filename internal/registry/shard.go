// ABOUTME: Division registry shard, the single writer for locally-owned agent records
// ABOUTME: Handles registration, heartbeats, CAS updates, and soft tombstoning

package registry

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/2389/fabric-gateway/internal/fault"
	"github.com/2389/fabric-gateway/internal/store"
)

// Shard owns the authoritative agent records for one division. All writes
// for locally-owned agents go through it; remote divisions only ever see
// read-only replicas via the index.
type Shard struct {
	division string
	store    store.AgentStore
	logger   *slog.Logger
}

// NewShard creates the registry shard for a division.
func NewShard(division string, st store.AgentStore, logger *slog.Logger) *Shard {
	return &Shard{
		division: division,
		store:    st,
		logger:   logger.With("component", "registry", "division", division),
	}
}

// Division returns the division this shard is authoritative for.
func (s *Shard) Division() string {
	return s.division
}

// Register accepts a new agent record. The caller's division must match both
// the record's division and this shard's. Re-registration with identical
// content is a no-op; conflicting re-registration is a validation failure.
func (s *Shard) Register(ctx context.Context, callerDivision string, rec *store.AgentRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.DivisionID != s.division {
		return fault.New(fault.CodeValidation,
			"record division %s does not match shard division %s", rec.DivisionID, s.division)
	}
	if callerDivision != rec.DivisionID {
		return fault.New(fault.CodePermissionDenied,
			"caller division %s may not register agents in %s", callerDivision, rec.DivisionID)
	}

	existing, err := s.store.GetAgent(ctx, rec.AgentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fault.From(err)
	}
	if existing != nil {
		if existing.Tombstoned {
			return fault.New(fault.CodeValidation,
				"agentId %s was deregistered and cannot be reused", rec.AgentID)
		}
		if sameContent(existing, rec) {
			// Idempotent re-registration
			*rec = *existing
			return nil
		}
		return fault.New(fault.CodeValidation,
			"agentId %s already registered at version %d", rec.AgentID, existing.Version)
	}

	if err := s.store.PutAgent(ctx, rec); err != nil {
		return fault.From(err)
	}
	s.logger.Info("agent registered",
		"agent_id", rec.AgentID,
		"capabilities", rec.Capabilities,
		"shareable", rec.IsShareable)
	return nil
}

// Heartbeat refreshes an agent's liveness timestamp. The reporting division
// must own the agent.
func (s *Shard) Heartbeat(ctx context.Context, agentID, divisionID string) error {
	rec, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return fault.New(fault.CodeNotFound, "agent %s is not registered", agentID)
	}
	if err != nil {
		return fault.From(err)
	}
	if rec.Tombstoned {
		return fault.New(fault.CodeNotFound, "agent %s is deregistered", agentID)
	}
	if rec.DivisionID != divisionID {
		return fault.New(fault.CodePermissionDenied,
			"division %s may not heartbeat agent %s owned by %s", divisionID, agentID, rec.DivisionID)
	}

	if err := s.store.TouchHeartbeat(ctx, agentID, time.Now().UTC()); err != nil {
		return fault.From(err)
	}
	return nil
}

// Update applies a version-checked update. The caller supplies the record at
// the version it read; a concurrent writer that got there first causes a
// version-conflict failure and the caller must re-read.
func (s *Shard) Update(ctx context.Context, callerDivision string, rec *store.AgentRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if callerDivision != s.division {
		return fault.New(fault.CodePermissionDenied,
			"caller division %s may not update agents in %s", callerDivision, s.division)
	}

	err := s.store.UpdateAgentCAS(ctx, rec)
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return fault.New(fault.CodeVersionConflict,
			"agent %s was updated concurrently, re-read and retry", rec.AgentID)
	case errors.Is(err, store.ErrNotFound):
		return fault.New(fault.CodeNotFound, "agent %s is not registered", rec.AgentID)
	case err != nil:
		return fault.From(err)
	}
	return nil
}

// Deregister tombstones an agent. The record is retained so execution
// records keep a valid reference; it drops out of discovery immediately.
func (s *Shard) Deregister(ctx context.Context, callerDivision, agentID string) error {
	rec, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return fault.New(fault.CodeNotFound, "agent %s is not registered", agentID)
	}
	if err != nil {
		return fault.From(err)
	}
	if rec.DivisionID != callerDivision {
		return fault.New(fault.CodePermissionDenied,
			"division %s may not deregister agent %s owned by %s", callerDivision, agentID, rec.DivisionID)
	}

	if err := s.store.TombstoneAgent(ctx, agentID, time.Now().UTC()); err != nil {
		return fault.From(err)
	}
	s.logger.Info("agent deregistered", "agent_id", agentID)
	return nil
}

// Snapshot returns the shard's live records for index replication.
func (s *Shard) Snapshot(ctx context.Context) ([]*store.AgentRecord, error) {
	return s.store.ListAgentsByDivision(ctx, s.division)
}

func validateRecord(rec *store.AgentRecord) error {
	switch {
	case rec.AgentID == "":
		return fault.New(fault.CodeValidation, "agentId is required")
	case rec.DivisionID == "":
		return fault.New(fault.CodeValidation, "divisionId is required")
	case rec.Endpoint == "":
		return fault.New(fault.CodeValidation, "endpoint is required")
	case len(rec.Capabilities) == 0:
		return fault.New(fault.CodeValidation, "at least one capability is required")
	}
	return nil
}

func sameContent(a, b *store.AgentRecord) bool {
	return a.DivisionID == b.DivisionID &&
		a.Endpoint == b.Endpoint &&
		a.IsShareable == b.IsShareable &&
		slices.Equal(a.Capabilities, b.Capabilities) &&
		slices.Equal(a.AllowedDivisions, b.AllowedDivisions)
}
