// ABOUTME: Tool registry with division-scoped visibility and version lifecycle
// ABOUTME: Registration compiles schemas up front; removal is guarded by VersionInUse

package tools

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/2389/fabric-gateway/internal/fault"
	"github.com/2389/fabric-gateway/internal/store"
)

// Registry owns tool definitions. Versions are independently addressable;
// registering a new version never touches existing ones.
type Registry struct {
	store  store.ToolStore
	logger *slog.Logger
}

// NewRegistry creates the tool registry.
func NewRegistry(st store.ToolStore, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		logger: logger.With("component", "tools"),
	}
}

// Register validates and stores one tool version. Both schemas must compile;
// a definition with a broken schema never enters the registry.
func (r *Registry) Register(ctx context.Context, def *store.ToolDefinition) error {
	switch {
	case def.ToolID == "":
		return fault.New(fault.CodeValidation, "toolId is required")
	case def.Version == "":
		return fault.New(fault.CodeValidation, "version is required")
	case def.Endpoint == "":
		return fault.New(fault.CodeValidation, "endpoint is required")
	case def.TimeoutSeconds <= 0:
		return fault.New(fault.CodeValidation, "timeoutSeconds must be positive")
	}
	if _, err := compileSchema(def.InputSchema); err != nil {
		return fault.New(fault.CodeValidation, "inputSchema is invalid: %v", err)
	}
	if _, err := compileSchema(def.OutputSchema); err != nil {
		return fault.New(fault.CodeValidation, "outputSchema is invalid: %v", err)
	}

	if err := r.store.PutToolDefinition(ctx, def); err != nil {
		return fault.From(err)
	}
	r.logger.Info("tool version registered", "tool_id", def.ToolID, "version", def.Version)
	return nil
}

// LookupQuery filters tool lookups.
type LookupQuery struct {
	// Name matches against tool ID and display name, case-insensitive
	// substring.
	Name string
	// RequesterDivision drives the visibility filter. Required.
	RequesterDivision string
}

// Lookup returns the tool versions visible to the requesting division.
func (r *Registry) Lookup(ctx context.Context, q LookupQuery) ([]*store.ToolDefinition, error) {
	defs, err := r.store.ListTools(ctx)
	if err != nil {
		return nil, fault.From(err)
	}

	var visible []*store.ToolDefinition
	for _, def := range defs {
		if !def.VisibleTo(q.RequesterDivision) {
			continue
		}
		if q.Name != "" && !matchesName(def, q.Name) {
			continue
		}
		visible = append(visible, def)
	}
	return visible, nil
}

// Get fetches one tool version, enforcing division visibility.
func (r *Registry) Get(ctx context.Context, toolID, version, requesterDivision string) (*store.ToolDefinition, error) {
	def, err := r.store.GetToolVersion(ctx, toolID, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.New(fault.CodeNotFound, "tool %s@%s is not registered", toolID, version)
	}
	if err != nil {
		return nil, fault.From(err)
	}
	if !def.VisibleTo(requesterDivision) {
		return nil, fault.New(fault.CodePermissionDenied,
			"division %s may not use tool %s@%s", requesterDivision, toolID, version)
	}
	return def, nil
}

// Remove deletes a tool version. A version with in-flight executions or
// divisions still granted access is rejected with VERSION_IN_USE unless
// force is set.
func (r *Registry) Remove(ctx context.Context, toolID, version string, force bool) error {
	def, err := r.store.GetToolVersion(ctx, toolID, version)
	if errors.Is(err, store.ErrNotFound) {
		return fault.New(fault.CodeNotFound, "tool %s@%s is not registered", toolID, version)
	}
	if err != nil {
		return fault.From(err)
	}

	if !force {
		inUse, err := r.store.VersionInUse(ctx, toolID, version)
		if err != nil {
			return fault.From(err)
		}
		if inUse {
			return fault.New(fault.CodeVersionInUse,
				"tool %s@%s has in-flight executions", toolID, version)
		}
		if len(def.AllowedDivisions) > 0 {
			return fault.New(fault.CodeVersionInUse,
				"tool %s@%s is still granted to %d divisions", toolID, version, len(def.AllowedDivisions)).
				WithDetail("allowedDivisions", def.AllowedDivisions)
		}
	}

	if err := r.store.DeleteToolVersion(ctx, toolID, version); err != nil {
		return fault.From(err)
	}
	r.logger.Info("tool version removed", "tool_id", toolID, "version", version, "forced", force)
	return nil
}

func matchesName(def *store.ToolDefinition, name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(strings.ToLower(def.ToolID), name) ||
		strings.Contains(strings.ToLower(def.Name), name)
}
