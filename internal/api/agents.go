package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	cerrors "github.com/cisnet/cis/internal/common/errors"
	"github.com/cisnet/cis/internal/pool"
	v1 "github.com/cisnet/cis/pkg/api/v1"
)

// AcquireAgent acquires a new agent from the pool, or adopts an existing
// one when ReuseAgentID is set (spec §4.2).
// POST /api/v1/agents
func (h *Handler) AcquireAgent(c *gin.Context) {
	var req v1.AcquireAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(cerrors.InvalidInput("body", err.Error()))
		return
	}
	if req.RuntimeType == "" {
		req.RuntimeType = "native"
	}

	cfg := pool.AgentConfig{
		RuntimeType:  pool.RuntimeType(req.RuntimeType),
		ReuseAgentID: req.ReuseAgentID,
		AgentType:    req.AgentType,
		Env:          req.Env,
		Cols:         req.Cols,
		Rows:         req.Rows,
		Persistent:   req.Persistent,
	}

	handle, err := h.pool.Acquire(c.Request.Context(), cfg)
	if err != nil {
		c.Error(cerrors.Wrap(cerrors.KindExecution, "failed to acquire agent", err))
		return
	}

	c.JSON(http.StatusCreated, v1.AgentView{ID: handle.ID(), RuntimeType: req.RuntimeType, Status: string(handle.Status())})
}

// ListAgents returns a snapshot of every agent the pool is tracking.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	infos := h.pool.List()
	views := make([]v1.AgentView, 0, len(infos))
	for _, info := range infos {
		views = append(views, v1.AgentView{
			ID:          info.ID,
			RuntimeType: string(info.RuntimeType),
			Status:      string(info.Status),
			AcquiredAt:  info.LastActiveAt,
		})
	}
	c.JSON(http.StatusOK, views)
}

// GetAgent reports one agent's current status.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	handle, ok := h.pool.Get(agentID)
	if !ok {
		c.Error(cerrors.NotFound("agent", agentID))
		return
	}
	c.JSON(http.StatusOK, v1.AgentView{ID: handle.ID(), Status: string(handle.Status())})
}

// ReleaseAgent releases an agent back to the pool, optionally keeping it
// alive for a future reuse by agent ID (spec §4.3 step 2).
// POST /api/v1/agents/:agentId/release
func (h *Handler) ReleaseAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	var req v1.ReleaseAgentRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.pool.Release(agentID, req.Keep); err != nil {
		c.Error(cerrors.Wrap(cerrors.KindExecution, "failed to release agent", err))
		return
	}
	c.Status(http.StatusNoContent)
}

// KillAgent forcibly terminates an agent regardless of its Persistent flag.
// POST /api/v1/agents/:agentId/kill
func (h *Handler) KillAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.pool.Kill(agentID); err != nil {
		c.Error(cerrors.Wrap(cerrors.KindExecution, "failed to kill agent", err))
		return
	}
	c.Status(http.StatusNoContent)
}
