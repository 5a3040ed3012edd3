package api

import (
	"github.com/gin-gonic/gin"

	"github.com/cisnet/cis/internal/common/logger"
)

// SetupRoutes mounts the CIS HTTP API under router, per SPEC_FULL.md §5.
func SetupRoutes(router *gin.Engine, h *Handler, log *logger.Logger) {
	router.Use(Recovery(log), RequestLogger(log), CORS(), ErrorHandler(log))

	v1 := router.Group("/api/v1")

	runs := v1.Group("/runs")
	{
		runs.POST("", h.CreateRun)
		runs.GET("/:runId", h.GetRun)
		runs.GET("/:runId/report", h.GetRunReport)
		runs.POST("/:runId/pause", h.PauseRun)
		runs.POST("/:runId/resume", h.ResumeRun)
		runs.POST("/:runId/tasks/:taskId/retry", h.RetryTask)
	}

	agents := v1.Group("/agents")
	{
		agents.POST("", h.AcquireAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/:agentId", h.GetAgent)
		agents.POST("/:agentId/release", h.ReleaseAgent)
		agents.POST("/:agentId/kill", h.KillAgent)
	}

	rooms := v1.Group("/rooms")
	{
		rooms.POST("", h.CreateRoom)
		rooms.GET("/:roomId", h.GetRoom)
		rooms.POST("/:roomId/join", h.JoinRoom)
		rooms.POST("/:roomId/events", h.SendEvent)
		rooms.GET("/:roomId/sync", h.SyncRoom)
	}

	aclGroup := v1.Group("/acl")
	{
		aclGroup.GET("", h.GetACLDocument)
		aclGroup.PUT("/mode", h.SetACLMode)
		aclGroup.POST("/allow", h.AllowDID)
		aclGroup.POST("/deny", h.DenyDID)
		aclGroup.POST("/quarantine", h.QuarantineDID)
		aclGroup.GET("/audit", h.ListAuditLog)
	}
}
