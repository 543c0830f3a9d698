// ABOUTME: HTTP transport carrying envelopes to remote division gateways
// ABOUTME: POSTs the wire-shape envelope and maps error envelopes back to stable fault codes

package router

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

// DeliverPath is the inter-gateway delivery route every gateway exposes.
const DeliverPath = "/internal/deliver"

// TokenSource mints a bearer token for inter-gateway calls.
type TokenSource func() (string, error)

// HTTPTransport delivers envelopes over HTTP/JSON to peer gateways.
type HTTPTransport struct {
	client *http.Client
	token  TokenSource
}

// NewHTTPTransport creates the transport. A nil client gets a 10s-timeout
// default; a nil token source sends unauthenticated requests.
func NewHTTPTransport(client *http.Client, token TokenSource) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{client: client, token: token}
}

// Deliver POSTs the envelope to the peer gateway. A 2xx response is an
// acknowledged delivery. Structured error envelopes come back as fault
// errors so the retry policy can tell permanent failures from transient
// ones.
func (t *HTTPTransport) Deliver(ctx context.Context, gatewayEndpoint string, env *store.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayEndpoint+DeliverPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != nil {
		tok, err := t.token()
		if err != nil {
			return fmt.Errorf("minting gateway token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering to %s: %w", gatewayEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envlp fault.Envelope
	if err := json.Unmarshal(raw, &envlp); err == nil && envlp.Error.Code != "" {
		return fault.New(envlp.Error.Code, "%s", envlp.Error.Message)
	}
	return fmt.Errorf("gateway %s returned status %d", gatewayEndpoint, resp.StatusCode)
}
