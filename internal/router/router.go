// ABOUTME: Message router providing durable at-least-once delivery between division gateways
// ABOUTME: Write-ahead persist, SLA-bounded synchronous send, backoff retries, dead-lettering

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"

	"github.com/2389/fabric-gateway/internal/breaker"
	"github.com/2389/fabric-gateway/internal/fault"
	"github.com/2389/fabric-gateway/internal/store"
)

// Transport delivers an envelope to a division gateway endpoint.
type Transport interface {
	Deliver(ctx context.Context, gatewayEndpoint string, env *store.Envelope) error
}

// Resolver maps a division to its gateway endpoint.
type Resolver interface {
	Endpoint(divisionID string) (string, bool)
}

// Settings carries the retry and SLA policy.
type Settings struct {
	BaseDelay        time.Duration // first backoff step
	MaxDelay         time.Duration // backoff cap
	MaxAttempts      int           // delivery attempts before dead-lettering
	SLA              time.Duration // caller-facing send bound
	DispatchInterval time.Duration // background queue poll
	DispatchBatch    int           // envelopes claimed per poll
	MaxInflight      int           // concurrent background deliveries
}

func (s Settings) withDefaults() Settings {
	if s.BaseDelay <= 0 {
		s.BaseDelay = 200 * time.Millisecond
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 5 * time.Second
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 5
	}
	if s.SLA <= 0 {
		s.SLA = 10 * time.Second
	}
	if s.DispatchInterval <= 0 {
		s.DispatchInterval = 100 * time.Millisecond
	}
	if s.DispatchBatch <= 0 {
		s.DispatchBatch = 32
	}
	if s.MaxInflight <= 0 {
		s.MaxInflight = 64
	}
	return s
}

// Receipt is the caller-visible disposition of a send.
type Receipt struct {
	MessageID    string     `json:"messageId"`
	Status       string     `json:"status"` // pending|delivered|failed|expired
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	RetryCount   int        `json:"retryCount"`
}

// Router moves envelopes between division gateways with at-least-once
// semantics. Every accepted envelope is persisted before the first delivery
// attempt; retries never surface to the caller, only the final disposition.
type Router struct {
	division  string
	store     store.EnvelopeStore
	transport Transport
	resolver  Resolver
	breakers  *breaker.Registry
	settings  Settings
	metrics   *Metrics
	logger    *slog.Logger
}

// New creates a router for a division gateway.
func New(division string, st store.EnvelopeStore, transport Transport, resolver Resolver, breakers *breaker.Registry, settings Settings, metrics *Metrics, logger *slog.Logger) *Router {
	return &Router{
		division:  division,
		store:     st,
		transport: transport,
		resolver:  resolver,
		breakers:  breakers,
		settings:  settings.withDefaults(),
		metrics:   metrics,
		logger:    logger.With("component", "router"),
	}
}

// Send persists the envelope and attempts delivery within the SLA window.
// On success the receipt reports delivered. If the window elapses first the
// caller gets AGENT_UNAVAILABLE with a pending receipt while background
// retries continue up to MaxAttempts. Re-sending a known messageId returns
// the recorded disposition without a second delivery.
func (r *Router) Send(ctx context.Context, env *store.Envelope) (*Receipt, error) {
	if err := r.prepare(env); err != nil {
		return nil, err
	}

	// Write-ahead: the envelope is durable before any delivery attempt.
	// It enters the queue inflight so the dispatcher leaves it to us for
	// the synchronous window.
	env.Status = store.EnvelopeInflight
	if err := r.store.EnqueueEnvelope(ctx, env); err != nil {
		if existing, getErr := r.store.GetEnvelope(ctx, env.MessageID); getErr == nil {
			return r.receiptFor(existing), nil
		}
		return nil, fault.From(fmt.Errorf("persisting envelope: %w", err))
	}

	start := time.Now()
	slaCtx, cancel := context.WithTimeout(ctx, r.settings.SLA)
	defer cancel()

	err := r.deliverWithRetries(slaCtx, env)
	switch {
	case err == nil:
		now := time.Now().UTC()
		if ackErr := r.store.AckEnvelope(ctx, env.MessageID, now); ackErr != nil {
			r.logger.Error("ack after delivery failed", "message_id", env.MessageID, "error", ackErr)
		}
		if r.metrics != nil {
			r.metrics.Delivered.WithLabelValues(env.TargetDivisionID).Inc()
			r.metrics.Latency.WithLabelValues(env.TargetDivisionID).Observe(time.Since(start).Seconds())
		}
		return &Receipt{
			MessageID:   env.MessageID,
			Status:      "delivered",
			DeliveredAt: &now,
			RetryCount:  env.Attempt,
		}, nil

	case errors.Is(err, errExpired):
		return r.receiptVal(env.MessageID, "expired", env.Attempt, "ttl elapsed before delivery"),
			fault.New(fault.CodeMessageExpired, "message %s expired before delivery", env.MessageID)

	case isPermanent(err):
		r.deadLetter(context.WithoutCancel(ctx), env, err)
		return r.receiptVal(env.MessageID, "failed", env.Attempt, err.Error()), fault.From(err)

	default:
		// SLA elapsed or attempts not yet exhausted: hand off to the
		// background dispatcher and fail fast toward the caller.
		delay := r.backoff(env.Attempt)
		if env.Attempt >= r.settings.MaxAttempts {
			r.deadLetter(context.WithoutCancel(ctx), env, err)
			return r.receiptVal(env.MessageID, "failed", env.Attempt, err.Error()), fault.From(err)
		}
		next := time.Now().UTC().Add(delay)
		if nackErr := r.store.NackEnvelope(context.WithoutCancel(ctx), env.MessageID, env.Attempt, next, err.Error()); nackErr != nil {
			r.logger.Error("requeue after sla miss failed", "message_id", env.MessageID, "error", nackErr)
		}
		if r.metrics != nil {
			r.metrics.SLAMisses.Inc()
		}
		return r.receiptVal(env.MessageID, "pending", env.Attempt, err.Error()),
			fault.New(fault.CodeAgentUnavailable,
				"delivery to %s did not complete within %s, retrying in background",
				env.TargetDivisionID, r.settings.SLA).
				WithDetail("messageId", env.MessageID).
				WithRetryAfter(delay)
	}
}

// GetStatus reports the current disposition of a message.
func (r *Router) GetStatus(ctx context.Context, messageID string) (*Receipt, error) {
	env, err := r.store.GetEnvelope(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.New(fault.CodeNotFound, "message %s is not known", messageID)
	}
	if err != nil {
		return nil, fault.From(err)
	}
	return r.receiptFor(env), nil
}

// DeadLetters lists dead-lettered envelopes for operator inspection.
func (r *Router) DeadLetters(ctx context.Context, limit int) ([]*store.DeadLetter, error) {
	return r.store.ListDeadLetters(ctx, limit)
}

// Replay requeues a dead-lettered envelope with a fresh attempt budget.
// Replay is operator-initiated only, never automatic.
func (r *Router) Replay(ctx context.Context, messageID string) error {
	err := r.store.ReplayDeadLetter(ctx, messageID, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return fault.New(fault.CodeNotFound, "no dead letter for message %s", messageID)
	}
	if err != nil {
		return fault.From(err)
	}
	r.logger.Info("dead letter replayed", "message_id", messageID)
	return nil
}

// QueueDepth reports envelopes awaiting delivery.
func (r *Router) QueueDepth(ctx context.Context) (int, error) {
	return r.store.QueueDepth(ctx)
}

// errExpired marks a TTL expiry inside the retry loop.
var errExpired = errors.New("envelope expired")

func (r *Router) prepare(env *store.Envelope) error {
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.TargetAgentID == "" || env.TargetDivisionID == "" {
		return fault.New(fault.CodeValidation, "target agent and division are required")
	}
	switch env.Type {
	case store.MessageRequest, store.MessageResponse, store.MessageEvent:
	default:
		return fault.New(fault.CodeValidation, "unknown messageType %q", env.Type)
	}
	if env.Priority < 0 || env.Priority > 10 {
		return fault.New(fault.CodeValidation, "priority must be between 1 and 10")
	}
	if env.SourceDivisionID == "" {
		env.SourceDivisionID = r.division
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	return nil
}

// deliverWithRetries drives delivery attempts under ctx, persisting each
// failed attempt so a crash resumes where it left off.
func (r *Router) deliverWithRetries(ctx context.Context, env *store.Envelope) error {
	remaining := r.settings.MaxAttempts - env.Attempt
	if remaining <= 0 {
		return fmt.Errorf("attempts exhausted after %d tries: %s", env.Attempt, env.LastError)
	}

	rt := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(remaining)),
		retry.Delay(r.settings.BaseDelay),
		retry.MaxDelay(r.settings.MaxDelay),
		retry.MaxJitter(r.settings.BaseDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !isPermanent(err) && !errors.Is(err, errExpired)
		}),
		retry.OnRetry(func(n uint, err error) {
			env.Attempt++
			env.LastError = err.Error()
			if r.metrics != nil {
				r.metrics.Retries.WithLabelValues(env.TargetDivisionID).Inc()
			}
			r.logger.Debug("delivery attempt failed",
				"message_id", env.MessageID,
				"attempt", env.Attempt,
				"error", err)
		}),
	)

	return rt.Do(func() error {
		return r.attemptDelivery(ctx, env)
	})
}

// attemptDelivery performs exactly one delivery attempt through the target
// division's circuit breaker.
func (r *Router) attemptDelivery(ctx context.Context, env *store.Envelope) error {
	if env.Expired(time.Now().UTC()) {
		if err := r.store.MarkExpired(context.WithoutCancel(ctx), env.MessageID); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.logger.Error("marking envelope expired failed", "message_id", env.MessageID, "error", err)
		}
		if r.metrics != nil {
			r.metrics.Expired.WithLabelValues(env.TargetDivisionID).Inc()
		}
		return errExpired
	}

	endpoint, ok := r.resolver.Endpoint(env.TargetDivisionID)
	if !ok {
		return fault.New(fault.CodeNotFound, "division %s is not a known peer", env.TargetDivisionID)
	}

	return r.breakers.For(env.TargetDivisionID).Execute(func() error {
		return r.transport.Deliver(ctx, endpoint, env)
	})
}

func (r *Router) deadLetter(ctx context.Context, env *store.Envelope, cause error) {
	if err := r.store.DeadLetterEnvelope(ctx, env.MessageID, cause.Error(), time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return // already terminal
		}
		r.logger.Error("dead-lettering failed", "message_id", env.MessageID, "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.DeadLetters.WithLabelValues(env.TargetDivisionID).Inc()
	}
	r.logger.Warn("envelope dead-lettered",
		"message_id", env.MessageID,
		"target_division", env.TargetDivisionID,
		"attempts", env.Attempt,
		"error", cause)
}

// backoff computes the delay before retry attempt n (1-based), exponential
// with a half-width jitter, capped at MaxDelay.
func (r *Router) backoff(attempt int) time.Duration {
	d := r.settings.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.settings.MaxDelay {
			d = r.settings.MaxDelay
			break
		}
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (r *Router) receiptFor(env *store.Envelope) *Receipt {
	rec := &Receipt{
		MessageID:  env.MessageID,
		RetryCount: env.Attempt,
	}
	switch env.Status {
	case store.EnvelopeDelivered:
		rec.Status = "delivered"
		rec.DeliveredAt = env.DeliveredAt
	case store.EnvelopeExpired:
		rec.Status = "expired"
		rec.ErrorMessage = "ttl elapsed before delivery"
	case store.EnvelopeDeadLetter:
		rec.Status = "failed"
		rec.ErrorMessage = env.LastError
	default:
		rec.Status = "pending"
		rec.ErrorMessage = env.LastError
	}
	return rec
}

func (r *Router) receiptVal(messageID, status string, attempts int, errMsg string) *Receipt {
	return &Receipt{
		MessageID:    messageID,
		Status:       status,
		RetryCount:   attempts,
		ErrorMessage: errMsg,
	}
}

// isPermanent reports whether a delivery error can never succeed on retry.
func isPermanent(err error) bool {
	var ferr *fault.Error
	if !errors.As(err, &ferr) {
		return false
	}
	switch ferr.Code {
	case fault.CodePermissionDenied, fault.CodeValidation, fault.CodeNotFound, fault.CodeMessageExpired:
		return true
	}
	return false
}
