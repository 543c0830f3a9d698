// ABOUTME: Tests for tool definition versions and execution records
// ABOUTME: Covers version coexistence, write-once completion, and active-execution checks

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testToolDefinition(toolID, version string) *ToolDefinition {
	return &ToolDefinition{
		ToolID:           toolID,
		Version:          version,
		Name:             "Document Summarizer",
		Endpoint:         "https://tools.internal/" + toolID,
		InputSchema:      json.RawMessage(`{"type":"object","required":["text"]}`),
		OutputSchema:     json.RawMessage(`{"type":"object"}`),
		TimeoutSeconds:   60,
		AllowedDivisions: []string{"engineering"},
	}
}

func TestPutAndGetToolVersion(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.PutToolDefinition(ctx, testToolDefinition("summarizer", "1.0.0")); err != nil {
		t.Fatalf("PutToolDefinition failed: %v", err)
	}

	got, err := s.GetToolVersion(ctx, "summarizer", "1.0.0")
	if err != nil {
		t.Fatalf("GetToolVersion failed: %v", err)
	}
	if got.Name != "Document Summarizer" {
		t.Errorf("Name: got %q", got.Name)
	}
	if got.TimeoutSeconds != 60 {
		t.Errorf("TimeoutSeconds: got %d", got.TimeoutSeconds)
	}
	if string(got.InputSchema) != `{"type":"object","required":["text"]}` {
		t.Errorf("InputSchema: got %s", got.InputSchema)
	}
}

func TestToolVersions_Coexist(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		if err := s.PutToolDefinition(ctx, testToolDefinition("summarizer", v)); err != nil {
			t.Fatalf("PutToolDefinition(%s) failed: %v", v, err)
		}
	}

	versions, err := s.ListToolVersions(ctx, "summarizer")
	if err != nil {
		t.Fatalf("ListToolVersions failed: %v", err)
	}
	if len(versions) != 3 {
		t.Errorf("versions: got %d, want 3", len(versions))
	}

	// Deleting one version leaves the others in place
	if err := s.DeleteToolVersion(ctx, "summarizer", "1.0.0"); err != nil {
		t.Fatalf("DeleteToolVersion failed: %v", err)
	}
	if _, err := s.GetToolVersion(ctx, "summarizer", "1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted version still readable: %v", err)
	}
	if _, err := s.GetToolVersion(ctx, "summarizer", "2.0.0"); err != nil {
		t.Errorf("surviving version unreadable: %v", err)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rec := &ToolExecutionRecord{
		ExecutionID:        "exec-001",
		ToolID:             "summarizer",
		ToolVersion:        "1.0.0",
		RequestingAgentID:  "agent-001",
		RequestingDivision: "engineering",
		Params:             json.RawMessage(`{"text":"hello"}`),
	}
	if err := s.CreateExecution(ctx, rec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	if err := s.MarkExecutionRunning(ctx, "exec-001"); err != nil {
		t.Fatalf("MarkExecutionRunning failed: %v", err)
	}

	result := json.RawMessage(`{"summary":"hi"}`)
	if err := s.CompleteExecution(ctx, "exec-001", ExecutionCompleted, result, "", "", time.Now().UTC()); err != nil {
		t.Fatalf("CompleteExecution failed: %v", err)
	}

	got, err := s.GetExecution(ctx, "exec-001")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Status != ExecutionCompleted {
		t.Errorf("Status: got %q", got.Status)
	}
	if string(got.Result) != `{"summary":"hi"}` {
		t.Errorf("Result: got %s", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not recorded")
	}
}

func TestCompleteExecution_WriteOnce(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rec := &ToolExecutionRecord{
		ExecutionID:        "exec-001",
		ToolID:             "summarizer",
		ToolVersion:        "1.0.0",
		RequestingAgentID:  "agent-001",
		RequestingDivision: "engineering",
	}
	if err := s.CreateExecution(ctx, rec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	// Timeout recorded first; a late success must not overwrite it
	if err := s.CompleteExecution(ctx, "exec-001", ExecutionFailed, nil, "TOOL_TIMEOUT", "deadline exceeded", time.Now().UTC()); err != nil {
		t.Fatalf("first completion failed: %v", err)
	}

	err := s.CompleteExecution(ctx, "exec-001", ExecutionCompleted, json.RawMessage(`{}`), "", "", time.Now().UTC())
	if !errors.Is(err, ErrExecutionTerminal) {
		t.Errorf("expected ErrExecutionTerminal, got %v", err)
	}

	got, err := s.GetExecution(ctx, "exec-001")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Status != ExecutionFailed || got.ErrorCode != "TOOL_TIMEOUT" {
		t.Errorf("terminal record rewritten: status=%q code=%q", got.Status, got.ErrorCode)
	}
}

func TestCompleteExecution_RejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	err := s.CompleteExecution(context.Background(), "exec-001", ExecutionRunning, nil, "", "", time.Now().UTC())
	if err == nil {
		t.Error("expected error completing with non-terminal status")
	}
}

func TestHasActiveExecutions(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rec := &ToolExecutionRecord{
		ExecutionID:        "exec-001",
		ToolID:             "summarizer",
		ToolVersion:        "1.0.0",
		RequestingAgentID:  "agent-001",
		RequestingDivision: "engineering",
	}
	if err := s.CreateExecution(ctx, rec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	active, err := s.HasActiveExecutions(ctx, "agent-001")
	if err != nil {
		t.Fatalf("HasActiveExecutions failed: %v", err)
	}
	if !active {
		t.Error("pending execution not counted as active")
	}

	if err := s.CompleteExecution(ctx, "exec-001", ExecutionCompleted, nil, "", "", time.Now().UTC()); err != nil {
		t.Fatalf("CompleteExecution failed: %v", err)
	}
	active, err = s.HasActiveExecutions(ctx, "agent-001")
	if err != nil {
		t.Fatalf("HasActiveExecutions failed: %v", err)
	}
	if active {
		t.Error("terminal execution still counted as active")
	}
}

func TestToolDefinition_VisibleTo(t *testing.T) {
	def := testToolDefinition("summarizer", "1.0.0")

	if !def.VisibleTo("engineering") {
		t.Error("listed division must see the tool")
	}
	if def.VisibleTo("sales") {
		t.Error("unlisted division must not see the tool")
	}
}
