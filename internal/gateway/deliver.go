// ABOUTME: Inbound federation handlers for message delivery and shard replication
// ABOUTME: Applies idempotency, TTL, trust, and rate limit checks at the division boundary

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/2389/fabric-gateway/internal/auth"
	"github.com/2389/fabric-gateway/internal/dedupe"
	"github.com/2389/fabric-gateway/internal/fault"
	"github.com/2389/fabric-gateway/internal/router"
	"github.com/2389/fabric-gateway/internal/store"
)

// handleDeliver accepts an envelope from a peer gateway. Acknowledgement
// means the envelope was applied (or already had been: redelivery of a
// known messageId acks without a second apply).
func (g *Gateway) handleDeliver(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	var env store.Envelope
	if err := decodeJSON(r, &env); err != nil {
		fault.WriteHTTP(w, err)
		return
	}
	if env.MessageID == "" || env.TargetAgentID == "" {
		fault.WriteHTTP(w, fault.New(fault.CodeValidation, "messageId and targetAgentId are required"))
		return
	}

	// With auth enabled, the envelope's claimed source must match the
	// division the token vouches for
	if g.verifier != nil && id.CallerDivision != env.SourceDivisionID {
		g.audit(r.Context(), id, "deliver.denied", "message", env.MessageID,
			map[string]string{"claimedSource": env.SourceDivisionID})
		fault.WriteHTTP(w, fault.New(fault.CodePermissionDenied,
			"token division %s does not match envelope source %s", id.CallerDivision, env.SourceDivisionID))
		return
	}

	if !g.limits.Allow(env.SourceDivisionID) {
		fault.WriteHTTP(w, fault.New(fault.CodeAgentUnavailable,
			"division %s exceeded its inbound rate limit", env.SourceDivisionID).
			WithRetryAfter(time.Second))
		return
	}

	if env.Expired(time.Now()) {
		fault.WriteHTTP(w, fault.New(fault.CodeMessageExpired,
			"message %s expired before delivery", env.MessageID))
		return
	}

	if env.TargetDivisionID != g.config.Division.ID {
		fault.WriteHTTP(w, fault.New(fault.CodeValidation,
			"envelope targets division %s, this gateway fronts %s",
			env.TargetDivisionID, g.config.Division.ID))
		return
	}

	receipt, err := g.applyLocal(r.Context(), &env)
	if err != nil {
		fault.WriteHTTP(w, err)
		return
	}

	g.audit(r.Context(), id, "deliver.crossdivision", "message", env.MessageID,
		map[string]string{"sourceDivision": env.SourceDivisionID})
	writeJSON(w, http.StatusOK, receipt)
}

// applyLocal delivers an envelope to an agent in this division exactly once
// per messageId within the dedupe window.
func (g *Gateway) applyLocal(ctx context.Context, env *store.Envelope) (*router.Receipt, error) {
	if disposition, seen := g.dedupe.Begin(env.MessageID); seen {
		switch disposition {
		case dedupe.DispositionDelivered, dedupe.DispositionInflight:
			// Redelivery of an applied (or currently applying) message
			// acks idempotently
			return &router.Receipt{MessageID: env.MessageID, Status: "delivered"}, nil
		default:
			// The previous apply failed terminally; allow a fresh attempt
			g.dedupe.Forget(env.MessageID)
			g.dedupe.Begin(env.MessageID)
		}
	}

	rec, err := g.store.GetAgent(ctx, env.TargetAgentID)
	if err != nil || rec.Tombstoned || rec.DivisionID != g.config.Division.ID {
		g.dedupe.Forget(env.MessageID)
		return nil, fault.New(fault.CodeNotFound,
			"agent %s is not registered in division %s", env.TargetAgentID, g.config.Division.ID)
	}

	result, err := g.invoker.Invoke(ctx, rec, env.Payload)
	if err != nil {
		fe := fault.From(err)
		if fe.Retryable() {
			// Abandon the claim so the peer's redelivery gets a fresh apply
			g.dedupe.Forget(env.MessageID)
		} else {
			g.dedupe.Record(env.MessageID, dedupe.DispositionFailed)
		}
		return nil, fe
	}

	g.dedupe.Record(env.MessageID, dedupe.DispositionDelivered)

	// Requests produce a response envelope routed back asynchronously;
	// the ack must not wait on the return path
	if env.Type == store.MessageRequest && env.SourceDivisionID != g.config.Division.ID {
		go g.sendResponse(context.WithoutCancel(ctx), env, result)
	}

	now := time.Now().UTC()
	return &router.Receipt{
		MessageID:   env.MessageID,
		Status:      "delivered",
		DeliveredAt: &now,
	}, nil
}

// sendResponse routes the agent's reply back to the requesting division.
// The response correlates to the request's messageId.
func (g *Gateway) sendResponse(ctx context.Context, req *store.Envelope, result json.RawMessage) {
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = req.MessageID
	}
	resp := &store.Envelope{
		SourceAgentID:    req.TargetAgentID,
		SourceDivisionID: g.config.Division.ID,
		TargetAgentID:    req.SourceAgentID,
		TargetDivisionID: req.SourceDivisionID,
		Type:             store.MessageResponse,
		Payload:          result,
		CorrelationID:    correlation,
		TTLSeconds:       req.TTLSeconds,
	}
	if _, err := g.router.Send(ctx, resp); err != nil {
		g.logger.Warn("routing response envelope failed",
			"request_id", req.MessageID,
			"target_division", req.SourceDivisionID,
			"error", err)
	}
}

// handleAgentSnapshot serves this division's shard to peer gateways for
// their enterprise index replication.
func (g *Gateway) handleAgentSnapshot(w http.ResponseWriter, r *http.Request) {
	if g.verifier != nil {
		id := auth.FromContext(r.Context())
		if id == nil || !g.peers.IsTrusted(id.CallerDivision) {
			fault.WriteHTTP(w, fault.New(fault.CodePermissionDenied,
				"shard replication is limited to trusted divisions"))
			return
		}
	}

	records, err := g.shard.Snapshot(r.Context())
	if err != nil {
		fault.WriteHTTP(w, fault.From(err))
		return
	}

	payloads := make([]agentPayload, 0, len(records))
	for _, rec := range records {
		payloads = append(payloads, toPayload(rec))
	}
	writeJSON(w, http.StatusOK, payloads)
}
