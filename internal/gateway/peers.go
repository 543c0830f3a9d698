// ABOUTME: Peer gateway client feeding the enterprise index
// ABOUTME: Pulls agent snapshots from trusted remote divisions over HTTP

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/fabric-gateway/internal/config"
	"github.com/2389/fabric-gateway/internal/router"
	"github.com/2389/fabric-gateway/internal/store"
)

// AgentsPath is the inter-gateway replication route every gateway exposes.
const AgentsPath = "/internal/agents"

// peerClient implements registry.PeerSource against remote division
// gateways. Fetch failures are returned to the index, which keeps its
// previous snapshot for that division.
type peerClient struct {
	peers  *config.Peers
	client *http.Client
	token  router.TokenSource
}

func newPeerClient(peers *config.Peers, client *http.Client, token router.TokenSource) *peerClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &peerClient{peers: peers, client: client, token: token}
}

func (p *peerClient) PeerDivisions() []string {
	return p.peers.TrustedIDs()
}

func (p *peerClient) FetchAgents(ctx context.Context, divisionID string) ([]*store.AgentRecord, error) {
	endpoint, ok := p.peers.Endpoint(divisionID)
	if !ok {
		return nil, fmt.Errorf("no endpoint for division %s", divisionID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+AgentsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("building replication request: %w", err)
	}
	if p.token != nil {
		tok, err := p.token()
		if err != nil {
			return nil, fmt.Errorf("minting gateway token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching agents from %s: %w", divisionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("division %s returned status %d", divisionID, resp.StatusCode)
	}

	var payloads []agentPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&payloads); err != nil {
		return nil, fmt.Errorf("decoding agent snapshot from %s: %w", divisionID, err)
	}

	records := make([]*store.AgentRecord, 0, len(payloads))
	for _, pl := range payloads {
		records = append(records, fromPayload(pl))
	}
	return records, nil
}
