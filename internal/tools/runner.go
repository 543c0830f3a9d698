// ABOUTME: HTTP runner invoking tool endpoints with JSON request/response bodies
// ABOUTME: Non-2xx responses map back to fault codes via the standard error envelope

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/fabric-gateway/internal/fault"
	"github.com/2389/fabric-gateway/internal/store"
)

// HTTPRunner executes tools by POSTing params to the definition's endpoint.
// The execution deadline arrives through the context; the client itself
// carries no timeout so the framework's deadline is the only one.
type HTTPRunner struct {
	client *http.Client
}

// NewHTTPRunner creates the runner. A nil client uses a fresh default.
func NewHTTPRunner(client *http.Client) *HTTPRunner {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRunner{client: client}
}

func (r *HTTPRunner) Run(ctx context.Context, def *store.ToolDefinition, params json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.Endpoint, bytes.NewReader(params))
	if err != nil {
		return nil, fmt.Errorf("building tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoking tool %s@%s: %w", def.ToolID, def.Version, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading tool response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envlp fault.Envelope
		if err := json.Unmarshal(body, &envlp); err == nil && envlp.Error.Code != "" {
			return nil, fault.New(envlp.Error.Code, "%s", envlp.Error.Message)
		}
		return nil, fmt.Errorf("tool %s@%s returned status %d", def.ToolID, def.Version, resp.StatusCode)
	}
	return body, nil
}
