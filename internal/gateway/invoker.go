// ABOUTME: Local agent invocation over HTTP/JSON
// ABOUTME: Carries request payloads to agent endpoints within the division

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/fabric-gateway/internal/fault"
	"github.com/2389/fabric-gateway/internal/store"
)

// AgentInvoker carries a payload to an agent endpoint and returns the
// agent's response. Implementations report transport failures as errors;
// structured agent errors come back as faults.
type AgentInvoker interface {
	Invoke(ctx context.Context, rec *store.AgentRecord, payload json.RawMessage) (json.RawMessage, error)
}

// HTTPInvoker POSTs payloads to agent endpoints within the division.
type HTTPInvoker struct {
	client *http.Client
}

// NewHTTPInvoker creates the invoker. A nil client gets a 30s-timeout default.
func NewHTTPInvoker(client *http.Client) *HTTPInvoker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPInvoker{client: client}
}

func (i *HTTPInvoker) Invoke(ctx context.Context, rec *store.AgentRecord, payload json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fault.New(fault.CodeAgentUnavailable, "agent %s unreachable: %v", rec.AgentID, err).
			WithDetail("agentId", rec.AgentID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading agent response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envlp fault.Envelope
		if jsonErr := json.Unmarshal(body, &envlp); jsonErr == nil && envlp.Error.Code != "" {
			return nil, fault.New(envlp.Error.Code, "%s", envlp.Error.Message)
		}
		return nil, fault.New(fault.CodeAgentUnavailable, "agent %s returned status %d", rec.AgentID, resp.StatusCode)
	}
	return body, nil
}
