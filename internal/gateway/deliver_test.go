// ABOUTME: Tests for the inbound federation surface
// ABOUTME: Covers idempotent apply, TTL rejection, trust checks, and response routing

package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fabric-gateway/internal/auth"
	"github.com/2389/fabric-gateway/internal/config"
	"github.com/2389/fabric-gateway/internal/store"
)

// newFederatedGateway builds a gateway whose peer map trusts the divisions
// behind the given endpoints.
func newFederatedGateway(t *testing.T, division string, peerEndpoints map[string]string) *testGateway {
	t.Helper()
	dir := t.TempDir()

	peersPath := filepath.Join(dir, "peers.toml")
	var peersTOML string
	for id, endpoint := range peerEndpoints {
		peersTOML += fmt.Sprintf("[[division]]\nid = %q\ngateway_endpoint = %q\ntrusted = true\n\n", id, endpoint)
	}
	require.NoError(t, os.WriteFile(peersPath, []byte(peersTOML), 0o600))

	yaml := fmt.Sprintf(`
division:
  id: %s
server:
  http_addr: "127.0.0.1:0"
database:
  path: ":memory:"
auth:
  jwt_secret: %s
federation:
  peers_path: %s
`, division, testSecret, peersPath)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	gw, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { gw.dedupe.Close(); gw.store.Close() })

	inv := &fakeInvoker{result: json.RawMessage(`{"ok":true}`)}
	gw.invoker = inv

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	return &testGateway{gw: gw, server: srv, verifier: verifier, invoker: inv}
}

func inboundEnvelope(messageID string) map[string]any {
	return map[string]any{
		"messageId":        messageID,
		"sourceAgentId":    "remote-agent",
		"sourceDivisionId": "sales",
		"targetAgentId":    "a1",
		"targetDivisionId": "engineering",
		"messageType":      "event",
		"payload":          map[string]string{"kind": "ping"},
		"timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
		"ttl":              60,
	}
}

func TestDeliver_AppliesOnce(t *testing.T) {
	tg := newTestGateway(t, "engineering")
	registerAgent(t, tg, "a1", false)

	env := inboundEnvelope("m-1")
	resp := tg.do(t, http.MethodPost, "/internal/deliver", "gw", "sales", env)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 1, tg.invoker.count())

	// Redelivery acks without a second apply
	resp = tg.do(t, http.MethodPost, "/internal/deliver", "gw", "sales", env)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 1, tg.invoker.count())
}

func TestDeliver_ExpiredEnvelopeRejected(t *testing.T) {
	tg := newTestGateway(t, "engineering")
	registerAgent(t, tg, "a1", false)

	env := inboundEnvelope("m-2")
	env["timestamp"] = time.Now().Add(-2 * time.Minute).UTC().Format(time.RFC3339Nano)
	env["ttl"] = 30

	resp := tg.do(t, http.MethodPost, "/internal/deliver", "gw", "sales", env)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 0, tg.invoker.count())
}

func TestDeliver_SourceMustMatchToken(t *testing.T) {
	tg := newTestGateway(t, "engineering")
	registerAgent(t, tg, "a1", false)

	// Token vouches for finance, envelope claims sales
	resp := tg.do(t, http.MethodPost, "/internal/deliver", "gw", "finance", inboundEnvelope("m-3"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 0, tg.invoker.count())
}

func TestDeliver_WrongTargetDivision(t *testing.T) {
	tg := newTestGateway(t, "engineering")

	env := inboundEnvelope("m-4")
	env["targetDivisionId"] = "finance"
	resp := tg.do(t, http.MethodPost, "/internal/deliver", "gw", "sales", env)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestDeliver_UnknownAgent(t *testing.T) {
	tg := newTestGateway(t, "engineering")

	resp := tg.do(t, http.MethodPost, "/internal/deliver", "gw", "sales", inboundEnvelope("m-5"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDeliver_RateLimited(t *testing.T) {
	tg := newTestGateway(t, "engineering")
	registerAgent(t, tg, "a1", false)
	tg.gw.limits = newDivisionLimits(60, 2)

	for i := 0; i < 2; i++ {
		resp := tg.do(t, http.MethodPost, "/internal/deliver", "gw", "sales",
			inboundEnvelope(fmt.Sprintf("rl-%d", i)))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := tg.do(t, http.MethodPost, "/internal/deliver", "gw", "sales", inboundEnvelope("rl-over"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	resp.Body.Close()
}

func TestDeliver_RequestRoutesResponseBack(t *testing.T) {
	received := make(chan store.Envelope, 1)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env store.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err == nil {
			received <- env
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer peer.Close()

	tg := newFederatedGateway(t, "engineering", map[string]string{"sales": peer.URL})
	registerAgent(t, tg, "a1", false)

	env := inboundEnvelope("req-1")
	env["messageType"] = "request"
	resp := tg.do(t, http.MethodPost, "/internal/deliver", "gw", "sales", env)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	select {
	case got := <-received:
		assert.Equal(t, store.MessageResponse, got.Type)
		assert.Equal(t, "req-1", got.CorrelationID)
		assert.Equal(t, "remote-agent", got.TargetAgentID)
		assert.Equal(t, "sales", got.TargetDivisionID)
		assert.JSONEq(t, `{"ok":true}`, string(got.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("response envelope never reached the source division")
	}
}

func TestAgentSnapshot_TrustedPeersOnly(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
	defer peer.Close()

	tg := newFederatedGateway(t, "engineering", map[string]string{"sales": peer.URL})
	registerAgent(t, tg, "a1", false)

	// Trusted division gets the shard
	resp := tg.do(t, http.MethodGet, "/internal/agents", "gw", "sales", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[[]agentPayload](t, resp)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].AgentID)

	// Unlisted division is refused
	resp = tg.do(t, http.MethodGet, "/internal/agents", "gw", "finance", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}
