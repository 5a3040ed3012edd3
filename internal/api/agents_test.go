package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisnet/cis/internal/pool"
	v1 "github.com/cisnet/cis/pkg/api/v1"
)

type fakeAgentHandle struct {
	id     string
	status pool.AgentStatus
}

func (h *fakeAgentHandle) ID() string              { return h.id }
func (h *fakeAgentHandle) Status() pool.AgentStatus { return h.status }
func (h *fakeAgentHandle) Shutdown(reason string) error {
	h.status = pool.StatusShutdown
	return nil
}

type fakeAgentRuntime struct{}

func (fakeAgentRuntime) Type() pool.RuntimeType { return "fake" }
func (fakeAgentRuntime) CreateAgent(ctx context.Context, cfg pool.AgentConfig) (pool.AgentHandle, error) {
	return &fakeAgentHandle{id: "agent-1", status: pool.StatusRunning}, nil
}

func TestAcquireListGetReleaseAgentFlow(t *testing.T) {
	r, h := setupTestRouter(t)
	require.NoError(t, h.pool.RegisterRuntime(fakeAgentRuntime{}))

	w := doJSON(t, r, http.MethodPost, "/api/v1/agents", v1.AcquireAgentRequest{RuntimeType: "fake"})
	require.Equal(t, http.StatusCreated, w.Code)
	var agent v1.AgentView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
	require.Equal(t, "agent-1", agent.ID)

	w = doJSON(t, r, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var agents []v1.AgentView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agents))
	assert.Len(t, agents, 1)

	w = doJSON(t, r, http.MethodGet, "/api/v1/agents/agent-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/agents/agent-1/release", v1.ReleaseAgentRequest{Keep: false})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestGetAgentNotFound(t *testing.T) {
	r, _ := setupTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
