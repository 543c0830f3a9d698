// ABOUTME: Enterprise registry index, the eventually-consistent merged read view
// ABOUTME: Replicates the local shard and remote division snapshots on a fixed tick

package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/fabric-gateway/internal/store"
)

// PeerSource fetches agent snapshots from remote division gateways.
type PeerSource interface {
	// PeerDivisions lists the remote divisions to replicate from.
	PeerDivisions() []string
	// FetchAgents returns a remote division's current agent records.
	FetchAgents(ctx context.Context, divisionID string) ([]*store.AgentRecord, error)
}

// Query selects agents from the index.
type Query struct {
	// DivisionID restricts results to one owning division when set.
	DivisionID string
	// Capabilities requires every listed capability on each result.
	Capabilities []string
	// RequesterDivision drives the permission filter. Required.
	RequesterDivision string
}

// Index is the enterprise-wide read view. The local shard is authoritative
// and replicated every tick; remote divisions are polled through the peer
// source. Reads inside the replication window may be stale, which is the
// documented consistency model, so the index never blocks a write path.
type Index struct {
	shard            *Shard
	peers            PeerSource
	interval         time.Duration
	heartbeatTimeout time.Duration
	logger           *slog.Logger

	mu      sync.RWMutex
	records map[string]*store.AgentRecord
}

// NewIndex creates an index over the local shard and remote peers.
func NewIndex(shard *Shard, peers PeerSource, interval, heartbeatTimeout time.Duration, logger *slog.Logger) *Index {
	return &Index{
		shard:            shard,
		peers:            peers,
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger.With("component", "index"),
		records:          make(map[string]*store.AgentRecord),
	}
}

// Run replicates until the context is cancelled. An immediate first refresh
// runs before the ticker so startup discovery sees local agents.
func (ix *Index) Run(ctx context.Context) {
	ix.Refresh(ctx)

	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ix.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Refresh performs one replication pass. A failed remote fetch keeps that
// division's previous records: stale data beats an empty view.
func (ix *Index) Refresh(ctx context.Context) {
	merged := make(map[string]*store.AgentRecord)

	local, err := ix.shard.Snapshot(ctx)
	if err != nil {
		ix.logger.Error("local shard snapshot failed", "error", err)
	} else {
		for _, rec := range local {
			merged[rec.AgentID] = rec
		}
	}

	for _, division := range ix.peers.PeerDivisions() {
		remote, err := ix.peers.FetchAgents(ctx, division)
		if err != nil {
			ix.logger.Warn("peer replication failed, keeping previous records",
				"peer_division", division, "error", err)
			ix.mu.RLock()
			for id, rec := range ix.records {
				if rec.DivisionID == division {
					merged[id] = rec
				}
			}
			ix.mu.RUnlock()
			continue
		}
		for _, rec := range remote {
			// The local shard wins over anything a peer claims about it
			if rec.DivisionID == ix.shard.Division() {
				continue
			}
			merged[rec.AgentID] = rec
		}
	}

	ix.mu.Lock()
	ix.records = merged
	ix.mu.Unlock()
}

// Resolve returns the indexed record for an agent, if any.
func (ix *Index) Resolve(agentID string) (*store.AgentRecord, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rec, ok := ix.records[agentID]
	if !ok {
		return nil, false
	}
	c := *rec
	return &c, true
}

// Discover returns the agents visible to the requester, filtered by the
// query, with liveness derived at read time and deterministic ordering:
// most recent heartbeat first, agentId as the tiebreak.
func (ix *Index) Discover(q Query) []*store.AgentRecord {
	now := time.Now().UTC()

	ix.mu.RLock()
	var results []*store.AgentRecord
	for _, rec := range ix.records {
		if !rec.VisibleTo(q.RequesterDivision) {
			continue
		}
		if q.DivisionID != "" && rec.DivisionID != q.DivisionID {
			continue
		}
		if !hasAllCapabilities(rec, q.Capabilities) {
			continue
		}

		c := *rec
		// Liveness is derived, never eagerly written back
		if ix.heartbeatTimeout > 0 && now.Sub(c.LastHeartbeat) > ix.heartbeatTimeout {
			c.Status = store.AgentUnavailable
		}
		results = append(results, &c)
	}
	ix.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if !results[i].LastHeartbeat.Equal(results[j].LastHeartbeat) {
			return results[i].LastHeartbeat.After(results[j].LastHeartbeat)
		}
		return strings.Compare(results[i].AgentID, results[j].AgentID) < 0
	})
	return results
}

func hasAllCapabilities(rec *store.AgentRecord, wanted []string) bool {
	for _, cap := range wanted {
		if !rec.HasCapability(cap) {
			return false
		}
	}
	return true
}
