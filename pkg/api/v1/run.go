package v1

// NodeSpec is the wire shape of one dag.DagNode submitted when creating a run.
type NodeSpec struct {
	TaskID              string            `json:"task_id"`
	Dependencies        []string          `json:"dependencies,omitempty"`
	Command             string            `json:"command"`
	AgentRuntime        string            `json:"agent_runtime,omitempty"`
	AgentType           string            `json:"agent_type,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
	ReuseAgentID        string            `json:"reuse_agent_id,omitempty"`
	KeepAgent           bool              `json:"keep_agent,omitempty"`
	Protocol            string            `json:"protocol,omitempty"` // "" (raw, default) or "acp"
	RequiredCredentials []string          `json:"required_credentials,omitempty"`
}

// CreateRunRequest submits a DAG to be executed as a new run.
type CreateRunRequest struct {
	RunID string     `json:"run_id"`
	Nodes []NodeSpec `json:"nodes"`
}

// TaskOutputView is the REST projection of an executor.TaskOutput.
type TaskOutputView struct {
	TaskID   string `json:"task_id"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Err      string `json:"error,omitempty"`
}

// RunStatusView is the REST projection of a dag.DagRun's current state.
type RunStatusView struct {
	RunID       string            `json:"run_id"`
	Status      string            `json:"status"`
	NodeStatus  map[string]string `json:"node_status"`
	Completed   int               `json:"completed"`
	Failed      int               `json:"failed"`
	Skipped     int               `json:"skipped"`
	AllTerminal bool              `json:"all_terminal"`
}

// RunReportView is the REST projection of an executor.ExecutionReport.
type RunReportView struct {
	RunID       string           `json:"run_id"`
	DurationSec float64          `json:"duration_sec"`
	Completed   int              `json:"completed"`
	Failed      int              `json:"failed"`
	Skipped     int              `json:"skipped"`
	FinalStatus string           `json:"final_status"`
	TaskOutputs []TaskOutputView `json:"task_outputs"`
}
