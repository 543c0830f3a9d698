// ABOUTME: Tests for the enterprise index and discovery
// ABOUTME: Covers permission filtering, capability queries, derived liveness, ordering, and replication

package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fabric-gateway/internal/store"
)

// staticPeers serves canned remote snapshots for replication tests.
type staticPeers struct {
	divisions map[string][]*store.AgentRecord
	err       error
}

func (p *staticPeers) PeerDivisions() []string {
	var ids []string
	for id := range p.divisions {
		ids = append(ids, id)
	}
	return ids
}

func (p *staticPeers) FetchAgents(_ context.Context, divisionID string) ([]*store.AgentRecord, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.divisions[divisionID], nil
}

func newTestIndex(t *testing.T, peers PeerSource) (*Index, *Shard) {
	t.Helper()
	shard, _ := newTestShard(t)
	if peers == nil {
		peers = &staticPeers{}
	}
	ix := NewIndex(shard, peers, time.Second, 90*time.Second, slog.Default())
	return ix, shard
}

func registerAgent(t *testing.T, shard *Shard, agentID string, shareable bool, allowed ...string) {
	t.Helper()
	rec := validRecord(agentID)
	rec.IsShareable = shareable
	rec.AllowedDivisions = allowed
	require.NoError(t, shard.Register(context.Background(), "engineering", rec))
}

func agentIDs(records []*store.AgentRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.AgentID
	}
	return ids
}

func TestDiscover_OwnDivisionAlwaysSees(t *testing.T) {
	ix, shard := newTestIndex(t, nil)
	registerAgent(t, shard, "a1", false)
	ix.Refresh(context.Background())

	got := ix.Discover(Query{RequesterDivision: "engineering"})
	assert.Equal(t, []string{"a1"}, agentIDs(got),
		"own division must see its agents regardless of isShareable")
}

func TestDiscover_NonShareableHiddenAcrossDivisions(t *testing.T) {
	ix, shard := newTestIndex(t, nil)
	registerAgent(t, shard, "a1", false)
	ix.Refresh(context.Background())

	got := ix.Discover(Query{RequesterDivision: "sales"})
	assert.Empty(t, got, "non-shareable agents must never cross division boundaries")
}

func TestDiscover_AllowedDivisionsGate(t *testing.T) {
	ix, shard := newTestIndex(t, nil)
	registerAgent(t, shard, "a1", true, "sales")
	ix.Refresh(context.Background())

	assert.Equal(t, []string{"a1"}, agentIDs(ix.Discover(Query{RequesterDivision: "sales"})))
	assert.Empty(t, ix.Discover(Query{RequesterDivision: "support"}),
		"divisions outside allowedDivisions must not see the agent")
}

func TestDiscover_CapabilityIntersection(t *testing.T) {
	ix, shard := newTestIndex(t, nil)

	rec := validRecord("a1")
	rec.Capabilities = []string{"summarize", "translate"}
	require.NoError(t, shard.Register(context.Background(), "engineering", rec))
	registerAgent(t, shard, "a2", false) // summarize only
	ix.Refresh(context.Background())

	got := ix.Discover(Query{
		RequesterDivision: "engineering",
		Capabilities:      []string{"summarize", "translate"},
	})
	assert.Equal(t, []string{"a1"}, agentIDs(got),
		"every requested capability must be present")
}

func TestDiscover_Ordering(t *testing.T) {
	shard, st := newTestShard(t)
	ix := NewIndex(shard, &staticPeers{}, time.Second, 90*time.Second, slog.Default())
	ctx := context.Background()

	for _, id := range []string{"a-newer", "b-older", "a-tied", "b-tied"} {
		require.NoError(t, shard.Register(ctx, "engineering", validRecord(id)))
	}
	now := time.Now().UTC()
	require.NoError(t, st.TouchHeartbeat(ctx, "a-newer", now))
	require.NoError(t, st.TouchHeartbeat(ctx, "b-older", now.Add(-10*time.Second)))
	require.NoError(t, st.TouchHeartbeat(ctx, "a-tied", now.Add(-5*time.Second)))
	require.NoError(t, st.TouchHeartbeat(ctx, "b-tied", now.Add(-5*time.Second)))
	ix.Refresh(ctx)

	got := ix.Discover(Query{RequesterDivision: "engineering"})
	assert.Equal(t, []string{"a-newer", "a-tied", "b-tied", "b-older"}, agentIDs(got),
		"order is heartbeat recency descending, agentId ascending on ties")
}

func TestDiscover_DerivedLiveness(t *testing.T) {
	shard, st := newTestShard(t)
	ix := NewIndex(shard, &staticPeers{}, time.Second, 90*time.Second, slog.Default())
	ctx := context.Background()

	require.NoError(t, shard.Register(ctx, "engineering", validRecord("a1")))
	require.NoError(t, st.TouchHeartbeat(ctx, "a1", time.Now().UTC().Add(-5*time.Minute)))
	ix.Refresh(ctx)

	got := ix.Discover(Query{RequesterDivision: "engineering"})
	require.Len(t, got, 1)
	assert.Equal(t, store.AgentUnavailable, got[0].Status,
		"a silent agent surfaces as unavailable at read time")

	// The stored record is untouched: liveness is derived, not written back
	stored, err := st.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, stored.Status)
}

func TestRefresh_MergesRemoteDivisions(t *testing.T) {
	remote := &store.AgentRecord{
		AgentID:          "s1",
		DivisionID:       "sales",
		Capabilities:     []string{"quote"},
		Endpoint:         "https://agents.internal/s1",
		IsShareable:      true,
		AllowedDivisions: []string{"engineering"},
		Status:           store.AgentActive,
		LastHeartbeat:    time.Now().UTC(),
	}
	peers := &staticPeers{divisions: map[string][]*store.AgentRecord{"sales": {remote}}}
	ix, shard := newTestIndex(t, peers)
	registerAgent(t, shard, "a1", false)
	ix.Refresh(context.Background())

	got := ix.Discover(Query{RequesterDivision: "engineering"})
	assert.ElementsMatch(t, []string{"a1", "s1"}, agentIDs(got))

	// Division filter narrows to one owner
	got = ix.Discover(Query{RequesterDivision: "engineering", DivisionID: "sales"})
	assert.Equal(t, []string{"s1"}, agentIDs(got))
}

func TestRefresh_KeepsRecordsWhenPeerUnreachable(t *testing.T) {
	remote := &store.AgentRecord{
		AgentID:          "s1",
		DivisionID:       "sales",
		Capabilities:     []string{"quote"},
		Endpoint:         "https://agents.internal/s1",
		IsShareable:      true,
		AllowedDivisions: []string{"engineering"},
		LastHeartbeat:    time.Now().UTC(),
	}
	peers := &staticPeers{divisions: map[string][]*store.AgentRecord{"sales": {remote}}}
	ix, _ := newTestIndex(t, peers)
	ix.Refresh(context.Background())
	require.Len(t, ix.Discover(Query{RequesterDivision: "engineering"}), 1)

	// The peer goes dark; its last known records stay in the view
	peers.err = errors.New("connection refused")
	ix.Refresh(context.Background())
	assert.Len(t, ix.Discover(Query{RequesterDivision: "engineering"}), 1,
		"stale records beat an empty view while a peer is unreachable")
}

func TestResolve(t *testing.T) {
	ix, shard := newTestIndex(t, nil)
	registerAgent(t, shard, "a1", false)
	ix.Refresh(context.Background())

	rec, ok := ix.Resolve("a1")
	require.True(t, ok)
	assert.Equal(t, "engineering", rec.DivisionID)

	_, ok = ix.Resolve("ghost")
	assert.False(t, ok)
}
