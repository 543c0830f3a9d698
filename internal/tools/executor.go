// ABOUTME: Tool execution framework enforcing schemas, permissions, and hard deadlines
// ABOUTME: Tracks every invocation through a write-once execution record

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fabric-gateway/internal/fault"
	"github.com/2389/fabric-gateway/internal/store"
)

// Runner performs the actual tool invocation once the framework has
// validated and recorded it.
type Runner interface {
	Run(ctx context.Context, def *store.ToolDefinition, params json.RawMessage) (json.RawMessage, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, def *store.ToolDefinition, params json.RawMessage) (json.RawMessage, error)

func (f RunnerFunc) Run(ctx context.Context, def *store.ToolDefinition, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, def, params)
}

// Executor mediates tool invocations. Order of enforcement: input schema,
// division permission, then the recorded pending -> running -> terminal
// lifecycle under a hard deadline. Invalid input never creates a record.
type Executor struct {
	registry *Registry
	store    store.ToolStore
	runner   Runner
	logger   *slog.Logger

	slots chan struct{}
}

// NewExecutor creates the execution framework. maxConcurrent bounds
// simultaneous executions; zero or negative means 100.
func NewExecutor(registry *Registry, st store.ToolStore, runner Runner, maxConcurrent int, logger *slog.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	return &Executor{
		registry: registry,
		store:    st,
		runner:   runner,
		logger:   logger.With("component", "executor"),
		slots:    make(chan struct{}, maxConcurrent),
	}
}

// Invoke runs one tool call end to end and returns the validated result.
// Timeouts and failures come back as structured faults, never partial
// results; the execution record holds the terminal disposition either way.
func (e *Executor) Invoke(ctx context.Context, toolID, version string, params json.RawMessage, requestingAgentID, requesterDivision string) (json.RawMessage, error) {
	def, err := e.registry.Get(ctx, toolID, version, requesterDivision)
	if err != nil {
		return nil, err
	}

	inputSchema, err := compileSchema(def.InputSchema)
	if err != nil {
		return nil, fault.From(fmt.Errorf("compiling input schema for %s@%s: %w", toolID, version, err))
	}
	// Invalid params are rejected before any record exists
	if err := validate(inputSchema, params, "params"); err != nil {
		return nil, err
	}

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return nil, fault.New(fault.CodeAgentUnavailable, "execution capacity exhausted").
			WithRetryAfter(time.Second)
	}

	rec := &store.ToolExecutionRecord{
		ExecutionID:        uuid.NewString(),
		ToolID:             toolID,
		ToolVersion:        version,
		RequestingAgentID:  requestingAgentID,
		RequestingDivision: requesterDivision,
		Params:             params,
		Status:             store.ExecutionPending,
	}
	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return nil, fault.From(err)
	}
	if err := e.store.MarkExecutionRunning(ctx, rec.ExecutionID); err != nil {
		return nil, fault.From(err)
	}

	deadline := time.Duration(def.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	result, runErr := e.runner.Run(runCtx, def, params)
	cancel()

	now := time.Now().UTC()
	switch {
	case ctx.Err() != nil:
		// The caller's context ended before the tool's own budget did;
		// attributing that to the tool would mislabel the failure
		e.complete(context.WithoutCancel(ctx), rec.ExecutionID, store.ExecutionFailed, nil,
			string(fault.CodeAgentUnavailable), "caller context ended before the tool finished", now)
		return nil, fault.New(fault.CodeAgentUnavailable,
			"caller abandoned execution of %s@%s", toolID, version).
			WithDetail("executionId", rec.ExecutionID)

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		// The record fails exactly once; a late result cannot rewrite it
		e.complete(ctx, rec.ExecutionID, store.ExecutionFailed, nil,
			string(fault.CodeToolTimeout), fmt.Sprintf("exceeded %s deadline", deadline), now)
		e.logger.Warn("tool execution timed out",
			"execution_id", rec.ExecutionID,
			"tool_id", toolID,
			"version", version,
			"deadline", deadline.String())
		return nil, fault.New(fault.CodeToolTimeout,
			"tool %s@%s exceeded its %ds deadline", toolID, version, def.TimeoutSeconds).
			WithDetail("executionId", rec.ExecutionID)

	case runErr != nil:
		ferr := fault.From(runErr)
		e.complete(ctx, rec.ExecutionID, store.ExecutionFailed, nil,
			string(ferr.Code), ferr.Message, now)
		return nil, ferr

	default:
		outputSchema, err := compileSchema(def.OutputSchema)
		if err != nil {
			e.complete(ctx, rec.ExecutionID, store.ExecutionFailed, nil,
				string(fault.CodeInternal), "output schema failed to compile", now)
			return nil, fault.From(err)
		}
		if err := validate(outputSchema, result, "result"); err != nil {
			e.complete(ctx, rec.ExecutionID, store.ExecutionFailed, nil,
				string(fault.CodeValidation), "tool returned a result violating its output schema", now)
			return nil, err
		}

		e.complete(ctx, rec.ExecutionID, store.ExecutionCompleted, result, "", "", now)
		return result, nil
	}
}

// GetExecution fetches an execution record for status queries and audit.
func (e *Executor) GetExecution(ctx context.Context, executionID string) (*store.ToolExecutionRecord, error) {
	rec, err := e.store.GetExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.New(fault.CodeNotFound, "execution %s is not known", executionID)
	}
	if err != nil {
		return nil, fault.From(err)
	}
	return rec, nil
}

func (e *Executor) complete(ctx context.Context, executionID string, status store.ExecutionStatus, result json.RawMessage, code, detail string, at time.Time) {
	err := e.store.CompleteExecution(context.WithoutCancel(ctx), executionID, status, result, code, detail, at)
	if err != nil && !errors.Is(err, store.ErrExecutionTerminal) {
		e.logger.Error("completing execution record failed",
			"execution_id", executionID, "error", err)
	}
}
