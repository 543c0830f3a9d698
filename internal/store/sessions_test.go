// ABOUTME: Tests for session persistence
// ABOUTME: Covers ID assignment, lifecycle timestamps, and missing-session errors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testSession(agentID string) *Session {
	return &Session{
		AgentID:  agentID,
		CallerID: "caller-001",
		Division: "engineering",
		Context:  json.RawMessage(`{"topic":"quarterly report"}`),
	}
}

func TestCreateSession_AssignsID(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	first := testSession("agent-001")
	if err := s.CreateSession(ctx, first); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if first.SessionID == "" {
		t.Fatal("SessionID was not assigned")
	}

	// A second ID-less session must not collide with the first
	second := testSession("agent-001")
	if err := s.CreateSession(ctx, second); err != nil {
		t.Fatalf("second CreateSession failed: %v", err)
	}
	if second.SessionID == "" || second.SessionID == first.SessionID {
		t.Errorf("second SessionID: got %q, want a fresh ID", second.SessionID)
	}

	got, err := s.GetSession(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.AgentID != "agent-001" || got.EndedAt != nil {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestEndSession(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	sess := testSession("agent-001")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	endedAt := time.Now().UTC()
	if err := s.EndSession(ctx, sess.SessionID, endedAt); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.EndedAt == nil {
		t.Fatal("EndedAt not recorded")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.GetSession(context.Background(), "no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
