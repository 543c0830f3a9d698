// ABOUTME: Tests for the durable envelope queue
// ABOUTME: Covers claim ordering, ack/nack cycles, dead-lettering, and operator replay

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testEnvelope(id string) *Envelope {
	return &Envelope{
		MessageID:        id,
		SourceAgentID:    "agent-src",
		SourceDivisionID: "engineering",
		TargetAgentID:    "agent-dst",
		TargetDivisionID: "sales",
		Type:             MessageRequest,
		Payload:          json.RawMessage(`{"task":"summarize"}`),
		TTLSeconds:       300,
	}
}

func TestEnqueueAndGetEnvelope(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	env := testEnvelope("msg-001")
	env.CorrelationID = "corr-42"
	if err := s.EnqueueEnvelope(ctx, env); err != nil {
		t.Fatalf("EnqueueEnvelope failed: %v", err)
	}

	got, err := s.GetEnvelope(ctx, "msg-001")
	if err != nil {
		t.Fatalf("GetEnvelope failed: %v", err)
	}
	if got.Status != EnvelopePending {
		t.Errorf("Status: got %q, want pending", got.Status)
	}
	if got.CorrelationID != "corr-42" {
		t.Errorf("CorrelationID: got %q", got.CorrelationID)
	}
	if string(got.Payload) != `{"task":"summarize"}` {
		t.Errorf("Payload: got %s", got.Payload)
	}
	if got.Priority != 5 {
		t.Errorf("default Priority: got %d, want 5", got.Priority)
	}
}

func TestEnqueueEnvelope_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.EnqueueEnvelope(ctx, testEnvelope("msg-001")); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := s.EnqueueEnvelope(ctx, testEnvelope("msg-001")); err == nil {
		t.Error("expected error enqueueing duplicate messageId")
	}
}

func TestClaimDue_OrdersByPriorityThenAge(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, tc := range []struct {
		id       string
		priority int
	}{
		{"msg-low", 3},
		{"msg-high", 9},
		{"msg-mid-old", 5},
		{"msg-mid-new", 5},
	} {
		env := testEnvelope(tc.id)
		env.Priority = tc.priority
		env.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.EnqueueEnvelope(ctx, env); err != nil {
			t.Fatalf("enqueue %s failed: %v", tc.id, err)
		}
	}

	claimed, err := s.ClaimDue(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	wantOrder := []string{"msg-high", "msg-mid-old", "msg-mid-new", "msg-low"}
	if len(claimed) != len(wantOrder) {
		t.Fatalf("claimed %d envelopes, want %d", len(claimed), len(wantOrder))
	}
	for i, want := range wantOrder {
		if claimed[i].MessageID != want {
			t.Errorf("position %d: got %s, want %s", i, claimed[i].MessageID, want)
		}
		if claimed[i].Status != EnvelopeInflight {
			t.Errorf("%s not marked inflight", claimed[i].MessageID)
		}
	}

	// A second claim finds nothing: the first claim owns them
	again, err := s.ClaimDue(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("second ClaimDue failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d envelopes, want 0", len(again))
	}
}

func TestClaimDue_SkipsNotYetDue(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	env := testEnvelope("msg-later")
	env.NextAttemptAt = time.Now().UTC().Add(time.Hour)
	if err := s.EnqueueEnvelope(ctx, env); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	claimed, err := s.ClaimDue(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %d envelopes before due time", len(claimed))
	}
}

func TestAckEnvelope(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.EnqueueEnvelope(ctx, testEnvelope("msg-001")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := s.ClaimDue(ctx, time.Now().UTC(), 1); err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}

	deliveredAt := time.Now().UTC()
	if err := s.AckEnvelope(ctx, "msg-001", deliveredAt); err != nil {
		t.Fatalf("AckEnvelope failed: %v", err)
	}

	got, err := s.GetEnvelope(ctx, "msg-001")
	if err != nil {
		t.Fatalf("GetEnvelope failed: %v", err)
	}
	if got.Status != EnvelopeDelivered {
		t.Errorf("Status: got %q, want delivered", got.Status)
	}
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(deliveredAt) {
		t.Errorf("DeliveredAt not recorded: %v", got.DeliveredAt)
	}

	// Delivered is terminal: a second ack misses
	if err := s.AckEnvelope(ctx, "msg-001", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second ack: expected ErrNotFound, got %v", err)
	}
}

func TestNackEnvelope_RequeuesWithBackoff(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.EnqueueEnvelope(ctx, testEnvelope("msg-001")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := s.ClaimDue(ctx, time.Now().UTC(), 1); err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}

	next := time.Now().UTC().Add(400 * time.Millisecond)
	if err := s.NackEnvelope(ctx, "msg-001", 1, next, "connection refused"); err != nil {
		t.Fatalf("NackEnvelope failed: %v", err)
	}

	got, err := s.GetEnvelope(ctx, "msg-001")
	if err != nil {
		t.Fatalf("GetEnvelope failed: %v", err)
	}
	if got.Status != EnvelopePending {
		t.Errorf("Status: got %q, want pending", got.Status)
	}
	if got.Attempt != 1 {
		t.Errorf("Attempt: got %d, want 1", got.Attempt)
	}
	if got.LastError != "connection refused" {
		t.Errorf("LastError: got %q", got.LastError)
	}
	if !got.NextAttemptAt.Equal(next) {
		t.Errorf("NextAttemptAt: got %v, want %v", got.NextAttemptAt, next)
	}
}

func TestListDeadLetters_AttachesEveryEnvelope(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for i, id := range []string{"msg-d1", "msg-d2", "msg-d3"} {
		env := testEnvelope(id)
		if err := s.EnqueueEnvelope(ctx, env); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
		deadAt := time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.DeadLetterEnvelope(ctx, id, "retries exhausted", deadAt); err != nil {
			t.Fatalf("dead-letter %s failed: %v", id, err)
		}
	}

	letters, err := s.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(letters) != 3 {
		t.Fatalf("dead letters: got %d, want 3", len(letters))
	}
	for _, dl := range letters {
		if dl.Envelope == nil || dl.Envelope.MessageID == "" {
			t.Errorf("letter missing its envelope: %+v", dl)
		}
	}
	// Newest first
	if letters[0].Envelope.MessageID != "msg-d3" {
		t.Errorf("ordering: got %s first, want msg-d3", letters[0].Envelope.MessageID)
	}
}

func TestDeadLetterAndReplay(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	env := testEnvelope("msg-dead")
	if err := s.EnqueueEnvelope(ctx, env); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := s.ClaimDue(ctx, time.Now().UTC(), 1); err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}

	deadAt := time.Now().UTC()
	if err := s.DeadLetterEnvelope(ctx, "msg-dead", "retries exhausted", deadAt); err != nil {
		t.Fatalf("DeadLetterEnvelope failed: %v", err)
	}

	// Dead-lettering is exactly-once
	if err := s.DeadLetterEnvelope(ctx, "msg-dead", "again", deadAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("second dead-letter: expected ErrNotFound, got %v", err)
	}

	letters, err := s.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters: got %d, want 1", len(letters))
	}
	dl := letters[0]
	if dl.Envelope.MessageID != "msg-dead" {
		t.Errorf("envelope not attached: %v", dl.Envelope)
	}
	if dl.LastError != "retries exhausted" {
		t.Errorf("LastError: got %q", dl.LastError)
	}

	// Operator replay resets the attempt counter and requeues
	if err := s.ReplayDeadLetter(ctx, "msg-dead", time.Now().UTC()); err != nil {
		t.Fatalf("ReplayDeadLetter failed: %v", err)
	}
	got, err := s.GetEnvelope(ctx, "msg-dead")
	if err != nil {
		t.Fatalf("GetEnvelope failed: %v", err)
	}
	if got.Status != EnvelopePending {
		t.Errorf("replayed status: got %q, want pending", got.Status)
	}
	if got.Attempt != 0 {
		t.Errorf("replayed attempt: got %d, want 0", got.Attempt)
	}

	replayed, err := s.GetDeadLetter(ctx, "msg-dead")
	if err != nil {
		t.Fatalf("GetDeadLetter failed: %v", err)
	}
	if replayed.ReplayCount != 1 || replayed.ReplayedAt == nil {
		t.Errorf("replay not recorded: count=%d at=%v", replayed.ReplayCount, replayed.ReplayedAt)
	}
}

func TestMarkExpired(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.EnqueueEnvelope(ctx, testEnvelope("msg-001")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := s.MarkExpired(ctx, "msg-001"); err != nil {
		t.Fatalf("MarkExpired failed: %v", err)
	}

	got, err := s.GetEnvelope(ctx, "msg-001")
	if err != nil {
		t.Fatalf("GetEnvelope failed: %v", err)
	}
	if got.Status != EnvelopeExpired {
		t.Errorf("Status: got %q, want expired", got.Status)
	}
}

func TestQueueDepth(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.EnqueueEnvelope(ctx, testEnvelope(fmt.Sprintf("msg-%03d", i))); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if err := s.MarkExpired(ctx, "msg-000"); err != nil {
		t.Fatalf("MarkExpired failed: %v", err)
	}

	depth, err := s.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 2 {
		t.Errorf("QueueDepth: got %d, want 2", depth)
	}
}

func TestEnvelope_Expired(t *testing.T) {
	env := testEnvelope("msg-001")
	env.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	env.TTLSeconds = 300

	if !env.Expired(time.Now().UTC()) {
		t.Error("envelope past its TTL must report expired")
	}

	env.TTLSeconds = 0
	if env.Expired(time.Now().UTC()) {
		t.Error("zero TTL means no expiry")
	}
}
