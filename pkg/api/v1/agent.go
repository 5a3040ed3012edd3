// Package v1 holds the wire types of internal/api's REST surface: JSON
// request/response shapes decoupled from the internal domain types, so
// their storage representation can evolve without breaking the REST
// contract. internal/transport/ws defines its own frame types.
package v1

import "time"

// AgentView is the REST projection of a pool.AgentInfo.
type AgentView struct {
	ID          string    `json:"id"`
	RuntimeType string    `json:"runtime_type"`
	Status      string    `json:"status"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// AcquireAgentRequest requests a new agent from the pool.
type AcquireAgentRequest struct {
	RuntimeType  string            `json:"runtime_type"`
	AgentType    string            `json:"agent_type,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	ReuseAgentID string            `json:"reuse_agent_id,omitempty"`
	Persistent   bool              `json:"persistent,omitempty"`
	Cols         int               `json:"cols,omitempty"`
	Rows         int               `json:"rows,omitempty"`
}

// ReleaseAgentRequest controls whether a released agent is kept alive for reuse.
type ReleaseAgentRequest struct {
	Keep bool `json:"keep"`
}
