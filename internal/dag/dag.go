// Package dag implements the DAG & Scheduler model (spec §3, §4.3): task
// nodes, readiness computation, run status, and TODO proposal merge.
package dag

import (
	"fmt"
	"sync"
)

// TaskID identifies one node in a DAG.
type TaskID string

// NodeStatus is a DagNode's place in its monotone lifecycle.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusReady     NodeStatus = "ready"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// RunStatus is a DagRun's aggregate status.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Protocol names how the executor talks to a node's agent once a PTY
// session is up.
type Protocol string

const (
	// ProtocolRaw drives the session as a plain terminal: the executor
	// appends a completion sentinel to the task command and scans output
	// for it, the default for every node that doesn't name a protocol.
	ProtocolRaw Protocol = ""
	// ProtocolACP drives the session through pkg/acp/jsonrpc's structured
	// protocol instead: an agent/acp.SessionManager handshake, a
	// session/new + session/prompt call, and completion signaled by a
	// session/update notification rather than a sentinel scan.
	ProtocolACP Protocol = "acp"
)

// AgentConfig is the per-node agent configuration translated into pool
// acquisition parameters by the executor.
type AgentConfig struct {
	AgentType           string
	Env                 map[string]string
	Protocol            Protocol
	RequiredCredentials []string
}

// DagNode is one task in a DAG.
type DagNode struct {
	TaskID       TaskID
	Dependencies map[TaskID]struct{}
	Status       NodeStatus
	AgentRuntime string
	AgentConfig  *AgentConfig
	ReuseAgentID string
	KeepAgent    bool
}

// NewDagNode constructs a Pending node with the given dependency set.
func NewDagNode(id TaskID, deps ...TaskID) *DagNode {
	depSet := make(map[TaskID]struct{}, len(deps))
	for _, d := range deps {
		depSet[d] = struct{}{}
	}
	return &DagNode{TaskID: id, Dependencies: depSet, Status: NodeStatusPending}
}

// DagRun is one execution instance of a task DAG.
type DagRun struct {
	RunID        string
	Nodes        map[TaskID]*DagNode
	TaskCommands map[TaskID]string
	TodoList     *TodoList

	mu     sync.RWMutex
	status RunStatus
}

// NewDagRun constructs a Running DagRun over nodes.
func NewDagRun(runID string, nodes []*DagNode, taskCommands map[TaskID]string) *DagRun {
	nodeMap := make(map[TaskID]*DagNode, len(nodes))
	for _, n := range nodes {
		nodeMap[n.TaskID] = n
	}
	if taskCommands == nil {
		taskCommands = make(map[TaskID]string)
	}
	return &DagRun{
		RunID:        runID,
		Nodes:        nodeMap,
		TaskCommands: taskCommands,
		TodoList:     NewTodoList(),
		status:       RunStatusRunning,
	}
}

// Status returns the run's current aggregate status.
func (r *DagRun) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *DagRun) setStatus(s RunStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Pause transitions a Running run to Paused.
func (r *DagRun) Pause() { r.setStatus(RunStatusPaused) }

// Resume transitions a Paused run back to Running.
func (r *DagRun) Resume() { r.setStatus(RunStatusRunning) }

// dependencySatisfied reports whether dep is Completed — the only status
// that satisfies a dependency per spec §4.3's skip/failure policy.
func (r *DagRun) dependencySatisfied(dep TaskID) bool {
	node, ok := r.Nodes[dep]
	return ok && node.Status == NodeStatusCompleted
}

// ReadyTasks returns every node whose dependencies are all Completed and
// which is still Pending, promoting each to Ready as a side effect.
// Nodes whose dependency closure includes a Failed task are marked
// Skipped instead of Ready.
func (r *DagRun) ReadyTasks() []*DagNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []*DagNode
	for _, node := range r.Nodes {
		if node.Status != NodeStatusPending {
			continue
		}

		if r.hasFailedDependency(node) {
			node.Status = NodeStatusSkipped
			continue
		}

		allSatisfied := true
		for dep := range node.Dependencies {
			if !r.dependencySatisfied(dep) {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			node.Status = NodeStatusReady
			ready = append(ready, node)
		}
	}
	return ready
}

// hasFailedDependency reports whether any transitive dependency of node
// is Failed or Skipped, which makes node unreachable.
func (r *DagRun) hasFailedDependency(node *DagNode) bool {
	seen := make(map[TaskID]bool)
	var walk func(TaskID) bool
	walk = func(id TaskID) bool {
		if seen[id] {
			return false
		}
		seen[id] = true
		dep, ok := r.Nodes[id]
		if !ok {
			return false
		}
		if dep.Status == NodeStatusFailed || dep.Status == NodeStatusSkipped {
			return true
		}
		for d := range dep.Dependencies {
			if walk(d) {
				return true
			}
		}
		return false
	}
	for d := range node.Dependencies {
		if walk(d) {
			return true
		}
	}
	return false
}

// MarkRunning transitions a Ready node to Running.
func (r *DagRun) MarkRunning(id TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.Nodes[id]
	if !ok {
		return fmt.Errorf("task %q not found in run %s", id, r.RunID)
	}
	node.Status = NodeStatusRunning
	return nil
}

// MarkCompleted transitions a Running node to Completed.
func (r *DagRun) MarkCompleted(id TaskID) error {
	return r.setNodeStatus(id, NodeStatusCompleted)
}

// MarkFailed transitions a Running node to Failed.
func (r *DagRun) MarkFailed(id TaskID) error {
	return r.setNodeStatus(id, NodeStatusFailed)
}

func (r *DagRun) setNodeStatus(id TaskID, status NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.Nodes[id]
	if !ok {
		return fmt.Errorf("task %q not found in run %s", id, r.RunID)
	}
	node.Status = status
	return nil
}

// Retry resets a Failed node back to Pending — the one allowed
// non-monotone transition (spec §3 DagNode invariants).
func (r *DagRun) Retry(id TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.Nodes[id]
	if !ok {
		return fmt.Errorf("task %q not found in run %s", id, r.RunID)
	}
	if node.Status != NodeStatusFailed {
		return fmt.Errorf("task %q is %s, not failed", id, node.Status)
	}
	node.Status = NodeStatusPending
	return nil
}

// Counts tallies node statuses across the run.
type Counts struct {
	Completed int
	Failed    int
	Skipped   int
}

// NodeStatuses returns a snapshot of every node's current status, for
// reporting surfaces that must not race the scheduler's status writes.
func (r *DagRun) NodeStatuses() map[TaskID]NodeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[TaskID]NodeStatus, len(r.Nodes))
	for id, node := range r.Nodes {
		out[id] = node.Status
	}
	return out
}

// Summarize computes the terminal-state counts and whether every node has
// reached a terminal status, per spec §4.3's Report shape.
func (r *DagRun) Summarize() (Counts, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c Counts
	allTerminal := true
	for _, node := range r.Nodes {
		switch node.Status {
		case NodeStatusCompleted:
			c.Completed++
		case NodeStatusFailed:
			c.Failed++
		case NodeStatusSkipped:
			c.Skipped++
		default:
			allTerminal = false
		}
	}
	return c, allTerminal
}

// FinalStatus returns the run's terminal aggregate status: Completed
// unless any node Failed, per spec §4.3.
func (r *DagRun) FinalStatus() RunStatus {
	counts, _ := r.Summarize()
	if counts.Failed > 0 {
		return RunStatusFailed
	}
	return RunStatusCompleted
}
