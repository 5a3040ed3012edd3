package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cerrors "github.com/cisnet/cis/internal/common/errors"
	"github.com/cisnet/cis/internal/dag"
	v1 "github.com/cisnet/cis/pkg/api/v1"
)

// CreateRun builds a DagRun from the submitted node specs and starts the
// executor against it in the background (spec §4.3).
// POST /api/v1/runs
func (h *Handler) CreateRun(c *gin.Context) {
	var req v1.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(cerrors.InvalidInput("body", err.Error()))
		return
	}
	if req.RunID == "" {
		c.Error(cerrors.InvalidInput("run_id", "is required"))
		return
	}

	h.runsMu.RLock()
	_, exists := h.runs[req.RunID]
	h.runsMu.RUnlock()
	if exists {
		c.Error(cerrors.AlreadyExists("run", req.RunID))
		return
	}

	nodes := make([]*dag.DagNode, 0, len(req.Nodes))
	commands := make(map[dag.TaskID]string, len(req.Nodes))
	for _, spec := range req.Nodes {
		deps := make([]dag.TaskID, 0, len(spec.Dependencies))
		for _, d := range spec.Dependencies {
			deps = append(deps, dag.TaskID(d))
		}
		node := dag.NewDagNode(dag.TaskID(spec.TaskID), deps...)
		node.AgentRuntime = spec.AgentRuntime
		node.ReuseAgentID = spec.ReuseAgentID
		node.KeepAgent = spec.KeepAgent
		if spec.AgentType != "" || len(spec.Env) > 0 || spec.Protocol != "" || len(spec.RequiredCredentials) > 0 {
			node.AgentConfig = &dag.AgentConfig{
				AgentType:           spec.AgentType,
				Env:                 spec.Env,
				Protocol:            dag.Protocol(spec.Protocol),
				RequiredCredentials: spec.RequiredCredentials,
			}
		}
		nodes = append(nodes, node)
		commands[dag.TaskID(spec.TaskID)] = spec.Command
	}

	run := dag.NewDagRun(req.RunID, nodes, commands)

	h.runsMu.Lock()
	h.runs[req.RunID] = &runEntry{run: run}
	h.runsMu.Unlock()

	go h.driveRun(run)

	c.JSON(http.StatusAccepted, runStatusView(run))
}

// driveRun runs the executor to completion and records the final report.
// It is detached from the request context: a run must outlive the HTTP
// request that started it.
func (h *Handler) driveRun(run *dag.DagRun) {
	report, err := h.exec.Run(context.Background(), run)
	if err != nil {
		h.log.Error("run execution failed", zap.String("run_id", run.RunID), zap.Error(err))
	}

	h.runsMu.Lock()
	h.runs[run.RunID] = &runEntry{run: run, report: report}
	h.runsMu.Unlock()
}

// GetRun reports a run's current node-by-node status.
// GET /api/v1/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	run, ok := h.lookupRun(c.Param("runId"))
	if !ok {
		c.Error(cerrors.NotFound("run", c.Param("runId")))
		return
	}
	c.JSON(http.StatusOK, runStatusView(run))
}

// GetRunReport returns the run's ExecutionReport once it has completed.
// GET /api/v1/runs/:runId/report
func (h *Handler) GetRunReport(c *gin.Context) {
	runID := c.Param("runId")
	h.runsMu.RLock()
	entry, ok := h.runs[runID]
	h.runsMu.RUnlock()
	if !ok {
		c.Error(cerrors.NotFound("run", runID))
		return
	}
	if entry.report == nil {
		c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "in_progress"})
		return
	}

	outputs := make([]v1.TaskOutputView, 0, len(entry.report.TaskOutputs))
	for _, o := range entry.report.TaskOutputs {
		outputs = append(outputs, v1.TaskOutputView{
			TaskID: string(o.TaskID), Output: o.Output, ExitCode: o.ExitCode, Err: o.Err,
		})
	}
	c.JSON(http.StatusOK, v1.RunReportView{
		RunID:       entry.report.RunID,
		DurationSec: entry.report.DurationSec,
		Completed:   entry.report.Completed,
		Failed:      entry.report.Failed,
		Skipped:     entry.report.Skipped,
		FinalStatus: string(entry.report.FinalStatus),
		TaskOutputs: outputs,
	})
}

// PauseRun suspends scheduling new tasks on a run (spec §5 Suspension).
// POST /api/v1/runs/:runId/pause
func (h *Handler) PauseRun(c *gin.Context) {
	run, ok := h.lookupRun(c.Param("runId"))
	if !ok {
		c.Error(cerrors.NotFound("run", c.Param("runId")))
		return
	}
	run.Pause()
	c.JSON(http.StatusOK, runStatusView(run))
}

// ResumeRun resumes scheduling on a paused run.
// POST /api/v1/runs/:runId/resume
func (h *Handler) ResumeRun(c *gin.Context) {
	run, ok := h.lookupRun(c.Param("runId"))
	if !ok {
		c.Error(cerrors.NotFound("run", c.Param("runId")))
		return
	}
	run.Resume()
	c.JSON(http.StatusOK, runStatusView(run))
}

// RetryTask resets a Failed node back to Pending so the next scheduling
// pass can pick it up again.
// POST /api/v1/runs/:runId/tasks/:taskId/retry
func (h *Handler) RetryTask(c *gin.Context) {
	run, ok := h.lookupRun(c.Param("runId"))
	if !ok {
		c.Error(cerrors.NotFound("run", c.Param("runId")))
		return
	}
	taskID := dag.TaskID(c.Param("taskId"))
	if err := run.Retry(taskID); err != nil {
		c.Error(cerrors.Wrap(cerrors.KindScheduler, "retry rejected", err))
		return
	}
	c.JSON(http.StatusOK, runStatusView(run))
}

func (h *Handler) lookupRun(runID string) (*dag.DagRun, bool) {
	h.runsMu.RLock()
	defer h.runsMu.RUnlock()
	entry, ok := h.runs[runID]
	if !ok {
		return nil, false
	}
	return entry.run, true
}

func runStatusView(run *dag.DagRun) v1.RunStatusView {
	counts, allTerminal := run.Summarize()
	statuses := run.NodeStatuses()
	nodeStatus := make(map[string]string, len(statuses))
	for id, status := range statuses {
		nodeStatus[string(id)] = string(status)
	}
	return v1.RunStatusView{
		RunID:       run.RunID,
		Status:      string(run.Status()),
		NodeStatus:  nodeStatus,
		Completed:   counts.Completed,
		Failed:      counts.Failed,
		Skipped:     counts.Skipped,
		AllTerminal: allTerminal,
	}
}
