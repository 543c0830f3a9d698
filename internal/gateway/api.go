// ABOUTME: HTTP API handlers for agent registry, discovery, messaging, and tools
// ABOUTME: Every error leaves as a structured fault envelope with a stable code

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/fabric-gateway/internal/auth"
	"github.com/2389/fabric-gateway/internal/fault"
	"github.com/2389/fabric-gateway/internal/registry"
	"github.com/2389/fabric-gateway/internal/router"
	"github.com/2389/fabric-gateway/internal/store"
	"github.com/2389/fabric-gateway/internal/tools"
)

// routes builds the gateway's HTTP surface. Health and metrics are open;
// everything else sits behind the auth middleware (or the anonymous
// development identity when no jwt_secret is configured).
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Method(http.MethodGet, g.config.Metrics.Path,
			promhttp.HandlerFor(g.prom, promhttp.HandlerOpts{}))
	}

	var authmw func(http.Handler) http.Handler
	if g.verifier != nil {
		authmw = auth.Middleware(g.verifier)
	} else {
		authmw = auth.NoAuthMiddleware(g.config.Division.ID)
		g.logger.Warn("auth disabled - no jwt_secret configured")
	}

	r.Group(func(r chi.Router) {
		r.Use(authmw)

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/agents", g.handleRegisterAgent)
			r.Get("/agents", g.handleDiscoverAgents)
			r.Get("/agents/{agentID}", g.handleGetAgent)
			r.Put("/agents/{agentID}", g.handleUpdateAgent)
			r.Delete("/agents/{agentID}", g.handleDeregisterAgent)
			r.Post("/agents/{agentID}/heartbeat", g.handleHeartbeat)

			r.Post("/invoke", g.handleInvokeAgent)
			r.Post("/messages", g.handleSendMessage)
			r.Get("/messages/{messageID}", g.handleMessageStatus)

			r.Post("/sessions", g.handleStartSession)
			r.Get("/sessions/{sessionID}", g.handleGetSession)
			r.Delete("/sessions/{sessionID}", g.handleEndSession)

			r.Post("/tools", g.handleRegisterTool)
			r.Get("/tools", g.handleLookupTools)
			r.Post("/tools/{toolID}/{version}/invoke", g.handleInvokeTool)
			r.Delete("/tools/{toolID}/{version}", g.handleRemoveTool)
			r.Get("/executions/{executionID}", g.handleGetExecution)

			r.Get("/status", g.handleDivisionStatus)
			r.Get("/deadletters", g.handleListDeadLetters)
			r.Post("/deadletters/{messageID}/replay", g.handleReplayDeadLetter)
			r.Get("/audit", g.handleQueryAudit)
		})

		// Federation surface used by peer gateways
		r.Post(router.DeliverPath, g.handleDeliver)
		r.Get(AgentsPath, g.handleAgentSnapshot)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.New(fault.CodeValidation, "malformed request body: %v", err)
	}
	return nil
}

// identity returns the verified caller; the auth middleware guarantees one.
func identity(r *http.Request) *auth.Identity {
	if id := auth.FromContext(r.Context()); id != nil {
		return id
	}
	return &auth.Identity{CallerID: "unknown", CallerDivision: ""}
}

func (g *Gateway) audit(ctx context.Context, id *auth.Identity, action, targetType, targetID string, detail any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	entry := &store.AuditEntry{
		ActorID:    id.CallerID,
		DivisionID: id.CallerDivision,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     raw,
	}
	if err := g.store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		g.logger.Error("appending audit entry failed", "action", action, "error", err)
	}
}

// --- Agents ---

func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var p agentPayload
	if err := decodeJSON(r, &p); err != nil {
		fault.WriteHTTP(w, err)
		return
	}

	id := identity(r)
	rec := fromPayload(p)
	if err := g.shard.Register(r.Context(), id.CallerDivision, rec); err != nil {
		if fault.CodeOf(err) == fault.CodePermissionDenied {
			g.audit(r.Context(), id, "agent.register.denied", "agent", rec.AgentID, nil)
		}
		fault.WriteHTTP(w, err)
		return
	}

	g.index.Refresh(r.Context())
	writeJSON(w, http.StatusCreated, toPayload(rec))
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	id := identity(r)

	if err := g.shard.Heartbeat(r.Context(), agentID, id.CallerDivision); err != nil {
		fault.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var p agentPayload
	if err := decodeJSON(r, &p); err != nil {
		fault.WriteHTTP(w, err)
		return
	}
	p.AgentID = chi.URLParam(r, "agentID")

	id := identity(r)
	rec := fromPayload(p)
	if err := g.shard.Update(r.Context(), id.CallerDivision, rec); err != nil {
		fault.WriteHTTP(w, err)
		return
	}

	g.index.Refresh(r.Context())
	writeJSON(w, http.StatusOK, toPayload(rec))
}

func (g *Gateway) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	id := identity(r)

	if err := g.shard.Deregister(r.Context(), id.CallerDivision, agentID); err != nil {
		fault.WriteHTTP(w, err)
		return
	}

	g.audit(r.Context(), id, "agent.deregister", "agent", agentID, nil)
	g.index.Refresh(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleDiscoverAgents(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	q := registry.Query{
		DivisionID:        r.URL.Query().Get("division"),
		Capabilities:      r.URL.Query()["capability"],
		RequesterDivision: id.CallerDivision,
	}

	results := g.index.Discover(q)
	payloads := make([]agentPayload, 0, len(results))
	for _, rec := range results {
		payloads = append(payloads, toPayload(rec))
	}
	writeJSON(w, http.StatusOK, payloads)
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	id := identity(r)

	rec, ok := g.index.Resolve(agentID)
	if !ok {
		fault.WriteHTTP(w, fault.New(fault.CodeNotFound, "agent %s is not known", agentID))
		return
	}
	if !rec.VisibleTo(id.CallerDivision) {
		g.audit(r.Context(), id, "agent.resolve.denied", "agent", agentID, nil)
		fault.WriteHTTP(w, fault.New(fault.CodePermissionDenied,
			"agent %s is not shared with division %s", agentID, id.CallerDivision))
		return
	}

	// Health view derived from heartbeat age, never written back
	p := toPayload(rec)
	if age := time.Since(rec.LastHeartbeat); age > g.config.Registry.HeartbeatTimeout {
		p.Status = string(store.AgentUnavailable)
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Messaging ---

type invokeRequest struct {
	TargetAgentID  string          `json:"targetAgentId"`
	Payload        json.RawMessage `json:"payload"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
}

// handleInvokeAgent resolves the target through the enterprise index and
// either calls a local agent directly or hands the request to the router
// for cross-division delivery.
func (g *Gateway) handleInvokeAgent(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := decodeJSON(r, &req); err != nil {
		fault.WriteHTTP(w, err)
		return
	}
	if req.TargetAgentID == "" {
		fault.WriteHTTP(w, fault.New(fault.CodeValidation, "targetAgentId is required"))
		return
	}

	id := identity(r)
	rec, ok := g.index.Resolve(req.TargetAgentID)
	if !ok {
		fault.WriteHTTP(w, fault.New(fault.CodeNotFound, "agent %s is not known", req.TargetAgentID))
		return
	}
	if !rec.VisibleTo(id.CallerDivision) {
		g.audit(r.Context(), id, "agent.invoke.denied", "agent", rec.AgentID, nil)
		fault.WriteHTTP(w, fault.New(fault.CodePermissionDenied,
			"agent %s is not shared with division %s", rec.AgentID, id.CallerDivision))
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = g.config.Router.DeliverySLA
	}

	if rec.DivisionID == g.config.Division.ID {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		result, err := g.invoker.Invoke(ctx, rec, req.Payload)
		if err != nil {
			fault.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": json.RawMessage(result)})
		return
	}

	env := &store.Envelope{
		SourceAgentID:    id.CallerID,
		SourceDivisionID: g.config.Division.ID,
		TargetAgentID:    rec.AgentID,
		TargetDivisionID: rec.DivisionID,
		Type:             store.MessageRequest,
		Payload:          req.Payload,
		CorrelationID:    req.CorrelationID,
		TTLSeconds:       int(timeout / time.Second),
	}
	g.audit(r.Context(), id, "agent.invoke.crossdivision", "agent", rec.AgentID,
		map[string]string{"targetDivision": rec.DivisionID})

	receipt, err := g.router.Send(r.Context(), env)
	if err != nil {
		// A pending receipt rides along with the transient fault
		if receipt != nil && fault.From(err).Retryable() {
			writeJSON(w, http.StatusAccepted, receipt)
			return
		}
		fault.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var env store.Envelope
	if err := decodeJSON(r, &env); err != nil {
		fault.WriteHTTP(w, err)
		return
	}

	id := identity(r)
	env.SourceDivisionID = g.config.Division.ID
	if env.SourceAgentID == "" {
		env.SourceAgentID = id.CallerID
	}

	if env.TargetDivisionID == "" {
		rec, ok := g.index.Resolve(env.TargetAgentID)
		if !ok {
			fault.WriteHTTP(w, fault.New(fault.CodeNotFound, "agent %s is not known", env.TargetAgentID))
			return
		}
		env.TargetDivisionID = rec.DivisionID
	}

	if env.TargetDivisionID == g.config.Division.ID {
		if env.MessageID == "" {
			env.MessageID = uuid.NewString()
		}
		receipt, err := g.applyLocal(r.Context(), &env)
		if err != nil {
			fault.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, receipt)
		return
	}

	receipt, err := g.router.Send(r.Context(), &env)
	if err != nil {
		if receipt != nil && fault.From(err).Retryable() {
			writeJSON(w, http.StatusAccepted, receipt)
			return
		}
		fault.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (g *Gateway) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	receipt, err := g.router.GetStatus(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		fault.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// --- Sessions ---

type sessionRequest struct {
	AgentID string          `json:"agentId"`
	Context json.RawMessage `json:"context,omitempty"`
}

type sessionResponse struct {
	SessionID string          `json:"sessionId"`
	AgentID   string          `json:"agentId"`
	CallerID  string          `json:"callerId"`
	Context   json.RawMessage `json:"context,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
}

func sessionToResponse(s *store.Session) sessionResponse {
	return sessionResponse{
		SessionID: s.SessionID,
		AgentID:   s.AgentID,
		CallerID:  s.CallerID,
		Context:   s.Context,
		CreatedAt: s.CreatedAt,
		EndedAt:   s.EndedAt,
	}
}

func (g *Gateway) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		fault.WriteHTTP(w, err)
		return
	}

	id := identity(r)
	rec, ok := g.index.Resolve(req.AgentID)
	if !ok {
		fault.WriteHTTP(w, fault.New(fault.CodeNotFound, "agent %s is not known", req.AgentID))
		return
	}
	if !rec.VisibleTo(id.CallerDivision) {
		fault.WriteHTTP(w, fault.New(fault.CodePermissionDenied,
			"agent %s is not shared with division %s", req.AgentID, id.CallerDivision))
		return
	}

	s := &store.Session{
		AgentID:  req.AgentID,
		CallerID: id.CallerID,
		Division: id.CallerDivision,
		Context:  req.Context,
	}
	if err := g.store.CreateSession(r.Context(), s); err != nil {
		fault.WriteHTTP(w, fault.From(err))
		return
	}
	writeJSON(w, http.StatusCreated, sessionToResponse(s))
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := g.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, store.ErrNotFound) {
		fault.WriteHTTP(w, fault.New(fault.CodeNotFound, "session is not known"))
		return
	}
	if err != nil {
		fault.WriteHTTP(w, fault.From(err))
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(s))
}

func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	err := g.store.EndSession(r.Context(), chi.URLParam(r, "sessionID"), time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		fault.WriteHTTP(w, fault.New(fault.CodeNotFound, "session is not known"))
		return
	}
	if err != nil {
		fault.WriteHTTP(w, fault.From(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tools ---

func (g *Gateway) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	var def store.ToolDefinition
	if err := decodeJSON(r, &def); err != nil {
		fault.WriteHTTP(w, err)
		return
	}

	if err := g.tools.Register(r.Context(), &def); err != nil {
		fault.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (g *Gateway) handleLookupTools(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	defs, err := g.tools.Lookup(r.Context(), tools.LookupQuery{
		Name:              r.URL.Query().Get("q"),
		RequesterDivision: id.CallerDivision,
	})
	if err != nil {
		fault.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

type toolInvokeRequest struct {
	Params  json.RawMessage `json:"params"`
	AgentID string          `json:"agentId,omitempty"`
}

func (g *Gateway) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	var req toolInvokeRequest
	if err := decodeJSON(r, &req); err != nil {
		fault.WriteHTTP(w, err)
		return
	}

	id := identity(r)
	toolID := chi.URLParam(r, "toolID")
	version := chi.URLParam(r, "version")
	agentID := req.AgentID
	if agentID == "" {
		agentID = id.CallerID
	}

	result, err := g.executor.Invoke(r.Context(), toolID, version, req.Params, agentID, id.CallerDivision)
	if err != nil {
		if fault.CodeOf(err) == fault.CodePermissionDenied {
			g.audit(r.Context(), id, "tool.invoke.denied", "tool", toolID+"@"+version, nil)
		}
		fault.WriteHTTP(w, err)
		return
	}

	g.audit(r.Context(), id, "tool.invoke", "tool", toolID+"@"+version, nil)
	writeJSON(w, http.StatusOK, map[string]any{"result": json.RawMessage(result)})
}

func (g *Gateway) handleRemoveTool(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	toolID := chi.URLParam(r, "toolID")
	version := chi.URLParam(r, "version")

	if err := g.tools.Remove(r.Context(), toolID, version, force); err != nil {
		fault.WriteHTTP(w, err)
		return
	}
	g.audit(r.Context(), identity(r), "tool.remove", "tool", toolID+"@"+version,
		map[string]bool{"force": force})
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := g.executor.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		fault.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Operations ---

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"division": g.config.Division.ID,
		"serverId": g.serverID,
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.QueueDepth(r.Context()); err != nil {
		fault.WriteHTTP(w, fault.New(fault.CodeInternal, "store not ready: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type divisionStatus struct {
	DivisionID   string            `json:"divisionId"`
	ActiveAgents int               `json:"activeAgents"`
	QueueDepth   int               `json:"queueDepth"`
	Breakers     map[string]string `json:"breakers"`
	UptimeSecs   int64             `json:"uptimeSeconds"`
}

func (g *Gateway) handleDivisionStatus(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgentsByDivision(r.Context(), g.config.Division.ID)
	if err != nil {
		fault.WriteHTTP(w, fault.From(err))
		return
	}
	depth, err := g.store.QueueDepth(r.Context())
	if err != nil {
		fault.WriteHTTP(w, fault.From(err))
		return
	}

	writeJSON(w, http.StatusOK, divisionStatus{
		DivisionID:   g.config.Division.ID,
		ActiveAgents: len(agents),
		QueueDepth:   depth,
		Breakers:     g.breakers.States(),
		UptimeSecs:   int64(time.Since(g.startedAt).Seconds()),
	})
}

type deadLetterView struct {
	MessageID   string     `json:"messageId"`
	Target      string     `json:"target"`
	LastError   string     `json:"lastError"`
	Attempts    int        `json:"attempts"`
	DeadAt      time.Time  `json:"deadAt"`
	ReplayedAt  *time.Time `json:"replayedAt,omitempty"`
	ReplayCount int        `json:"replayCount"`
}

func (g *Gateway) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			fault.WriteHTTP(w, fault.New(fault.CodeValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	letters, err := g.router.DeadLetters(r.Context(), limit)
	if err != nil {
		fault.WriteHTTP(w, err)
		return
	}

	views := make([]deadLetterView, 0, len(letters))
	for _, dl := range letters {
		views = append(views, deadLetterView{
			MessageID:   dl.Envelope.MessageID,
			Target:      fmt.Sprintf("%s/%s", dl.Envelope.TargetDivisionID, dl.Envelope.TargetAgentID),
			LastError:   dl.LastError,
			Attempts:    dl.Attempts,
			DeadAt:      dl.DeadAt,
			ReplayedAt:  dl.ReplayedAt,
			ReplayCount: dl.ReplayCount,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (g *Gateway) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if err := g.router.Replay(r.Context(), messageID); err != nil {
		fault.WriteHTTP(w, err)
		return
	}
	g.audit(r.Context(), identity(r), "deadletter.replay", "message", messageID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (g *Gateway) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := store.AuditQuery{
		ActorID:    r.URL.Query().Get("actor"),
		DivisionID: r.URL.Query().Get("division"),
		Action:     r.URL.Query().Get("action"),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fault.WriteHTTP(w, fault.New(fault.CodeValidation, "since must be RFC3339"))
			return
		}
		q.Since = t
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			fault.WriteHTTP(w, fault.New(fault.CodeValidation, "limit must be a positive integer"))
			return
		}
		q.Limit = n
	}

	entries, err := g.store.QueryAudit(r.Context(), q)
	if err != nil {
		fault.WriteHTTP(w, fault.From(err))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
