// ABOUTME: Background dispatcher draining the durable envelope queue
// ABOUTME: Claims due envelopes by priority and retries them until delivered, expired, or dead-lettered

package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fabric-gateway/internal/store"
)

// Dispatcher drains envelopes that missed their synchronous window: SLA
// handoffs, crash-recovered envelopes, and operator replays. Each claimed
// envelope gets one attempt per pass; failures reschedule with backoff.
type Dispatcher struct {
	router *Router
	logger *slog.Logger

	inflight chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher creates the background dispatcher for a router.
func NewDispatcher(r *Router) *Dispatcher {
	return &Dispatcher{
		router:   r,
		logger:   r.logger.With("component", "dispatcher"),
		inflight: make(chan struct{}, r.settings.MaxInflight),
	}
}

// Run polls the queue until the context is cancelled, then waits for
// in-flight deliveries to settle.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.router.settings.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.pass(ctx)
		case <-ctx.Done():
			d.wg.Wait()
			return
		}
	}
}

// pass claims one batch of due envelopes and dispatches them concurrently.
func (d *Dispatcher) pass(ctx context.Context) {
	claimed, err := d.router.store.ClaimDue(ctx, time.Now().UTC(), d.router.settings.DispatchBatch)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("claiming due envelopes failed", "error", err)
		}
		return
	}

	for _, env := range claimed {
		select {
		case d.inflight <- struct{}{}:
		case <-ctx.Done():
			// Return unclaimed work to the queue for the next start
			d.requeue(env)
			continue
		}

		d.wg.Add(1)
		go func(env *store.Envelope) {
			defer d.wg.Done()
			defer func() { <-d.inflight }()
			d.dispatchOne(ctx, env)
		}(env)
	}
}

// dispatchOne performs one delivery attempt for a claimed envelope.
func (d *Dispatcher) dispatchOne(ctx context.Context, env *store.Envelope) {
	r := d.router

	attemptCtx, cancel := context.WithTimeout(ctx, r.settings.SLA)
	err := r.attemptDelivery(attemptCtx, env)
	cancel()

	switch {
	case err == nil:
		now := time.Now().UTC()
		if ackErr := r.store.AckEnvelope(context.WithoutCancel(ctx), env.MessageID, now); ackErr != nil {
			r.logger.Error("ack failed", "message_id", env.MessageID, "error", ackErr)
			return
		}
		if r.metrics != nil {
			r.metrics.Delivered.WithLabelValues(env.TargetDivisionID).Inc()
			r.metrics.Latency.WithLabelValues(env.TargetDivisionID).Observe(now.Sub(env.CreatedAt).Seconds())
		}
		d.logger.Info("envelope delivered",
			"message_id", env.MessageID,
			"target_division", env.TargetDivisionID,
			"attempt", env.Attempt+1)

	case errors.Is(err, errExpired):
		// attemptDelivery already marked the row

	default:
		env.Attempt++
		if r.metrics != nil {
			r.metrics.Retries.WithLabelValues(env.TargetDivisionID).Inc()
		}
		if isPermanent(err) || env.Attempt >= r.settings.MaxAttempts {
			r.deadLetter(context.WithoutCancel(ctx), env, err)
			return
		}
		next := time.Now().UTC().Add(r.backoff(env.Attempt))
		if nackErr := r.store.NackEnvelope(context.WithoutCancel(ctx), env.MessageID, env.Attempt, next, err.Error()); nackErr != nil {
			r.logger.Error("requeue failed", "message_id", env.MessageID, "error", nackErr)
		}
	}
}

// requeue returns a claimed but undispatched envelope to pending.
func (d *Dispatcher) requeue(env *store.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.router.store.NackEnvelope(ctx, env.MessageID, env.Attempt, time.Now().UTC(), env.LastError); err != nil {
		d.logger.Error("requeue on shutdown failed", "message_id", env.MessageID, "error", err)
	}
}
