// ABOUTME: JSON wire shapes shared by the public API and the federation endpoints
// ABOUTME: Converts between agent records and their camelCase representation

package gateway

import (
	"time"

	"github.com/2389/fabric-gateway/internal/store"
)

// agentPayload is the wire shape of an agent record. The same shape serves
// registration requests, discovery responses, and shard replication.
type agentPayload struct {
	AgentID          string   `json:"agentId"`
	DivisionID       string   `json:"divisionId"`
	Capabilities     []string `json:"capabilities"`
	Endpoint         string   `json:"endpoint"`
	IsShareable      bool     `json:"isShareable"`
	AllowedDivisions []string `json:"allowedDivisions,omitempty"`
	Status           string   `json:"status"`
	Version          int64    `json:"version"`
	LastHeartbeat    string   `json:"lastHeartbeat,omitempty"`
}

func toPayload(rec *store.AgentRecord) agentPayload {
	p := agentPayload{
		AgentID:          rec.AgentID,
		DivisionID:       rec.DivisionID,
		Capabilities:     rec.Capabilities,
		Endpoint:         rec.Endpoint,
		IsShareable:      rec.IsShareable,
		AllowedDivisions: rec.AllowedDivisions,
		Status:           string(rec.Status),
		Version:          rec.Version,
	}
	if !rec.LastHeartbeat.IsZero() {
		p.LastHeartbeat = rec.LastHeartbeat.UTC().Format(time.RFC3339Nano)
	}
	return p
}

func fromPayload(p agentPayload) *store.AgentRecord {
	rec := &store.AgentRecord{
		AgentID:          p.AgentID,
		DivisionID:       p.DivisionID,
		Capabilities:     p.Capabilities,
		Endpoint:         p.Endpoint,
		IsShareable:      p.IsShareable,
		AllowedDivisions: p.AllowedDivisions,
		Status:           store.AgentStatus(p.Status),
		Version:          p.Version,
	}
	if p.LastHeartbeat != "" {
		if t, err := time.Parse(time.RFC3339Nano, p.LastHeartbeat); err == nil {
			rec.LastHeartbeat = t
		}
	}
	return rec
}
