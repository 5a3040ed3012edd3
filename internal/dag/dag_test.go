package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoTaskChainBecomesReadyInOrder(t *testing.T) {
	a := NewDagNode("a")
	b := NewDagNode("b", "a")
	run := NewDagRun("run-1", []*DagNode{a, b}, nil)

	ready := run.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, TaskID("a"), ready[0].TaskID)

	require.NoError(t, run.MarkRunning("a"))
	assert.Empty(t, run.ReadyTasks())

	require.NoError(t, run.MarkCompleted("a"))
	ready = run.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, TaskID("b"), ready[0].TaskID)

	require.NoError(t, run.MarkRunning("b"))
	require.NoError(t, run.MarkCompleted("b"))

	counts, allTerminal := run.Summarize()
	assert.True(t, allTerminal)
	assert.Equal(t, 2, counts.Completed)
	assert.Equal(t, RunStatusCompleted, run.FinalStatus())
}

func TestDiamondWithFailureSkipsDownstream(t *testing.T) {
	top := NewDagNode("top")
	left := NewDagNode("left", "top")
	right := NewDagNode("right", "top")
	bottom := NewDagNode("bottom", "left", "right")
	run := NewDagRun("run-2", []*DagNode{top, left, right, bottom}, nil)

	require.NoError(t, run.MarkRunning("top"))
	require.NoError(t, run.MarkCompleted("top"))

	ready := run.ReadyTasks()
	require.Len(t, ready, 2)

	require.NoError(t, run.MarkRunning("left"))
	require.NoError(t, run.MarkFailed("left"))

	require.NoError(t, run.MarkRunning("right"))
	require.NoError(t, run.MarkCompleted("right"))

	// bottom depends on failed "left", so it is unreachable.
	assert.Empty(t, run.ReadyTasks())

	bottomNode := run.Nodes["bottom"]
	assert.Equal(t, NodeStatusSkipped, bottomNode.Status)

	counts, allTerminal := run.Summarize()
	assert.True(t, allTerminal)
	assert.Equal(t, 2, counts.Completed)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.Skipped)
	assert.Equal(t, RunStatusFailed, run.FinalStatus())
}

func TestRetryResetsFailedToPending(t *testing.T) {
	a := NewDagNode("a")
	run := NewDagRun("run-3", []*DagNode{a}, nil)

	require.NoError(t, run.MarkRunning("a"))
	require.NoError(t, run.MarkFailed("a"))

	err := run.Retry("a")
	require.NoError(t, err)
	assert.Equal(t, NodeStatusPending, run.Nodes["a"].Status)

	err = run.Retry("a")
	assert.Error(t, err, "retry only allowed from Failed")
}

func TestPauseResume(t *testing.T) {
	run := NewDagRun("run-4", []*DagNode{NewDagNode("a")}, nil)
	assert.Equal(t, RunStatusRunning, run.Status())

	run.Pause()
	assert.Equal(t, RunStatusPaused, run.Status())

	run.Resume()
	assert.Equal(t, RunStatusRunning, run.Status())
}

func TestTodoListProposalMergeFlow(t *testing.T) {
	list := NewTodoList()

	item := NewTodoItem("t1", "write tests").WithPriority(5)
	proposalID := list.SubmitProposal(ProposalSourceAgent, "agent-1", "initial plan", TodoListDiff{
		Added: []*TodoItem{item},
	})

	require.Len(t, list.PendingProposals(), 1)
	_, ok := list.Get("t1")
	assert.False(t, ok, "diff should not apply until approved")

	require.NoError(t, list.ApproveProposal(proposalID))
	require.Empty(t, list.PendingProposals())

	got, ok := list.Get("t1")
	require.True(t, ok)
	assert.Equal(t, TodoItemPending, got.Status)
	assert.Equal(t, 5, got.Priority)

	modifyID := list.SubmitProposal(ProposalSourceWorker, "worker", "mark in progress", TodoListDiff{
		Modified: []TodoItemChange{{ID: "t1", NewStatus: TodoItemInProgress, NewPriority: 5}},
	})
	require.NoError(t, list.ApproveProposal(modifyID))

	got, _ = list.Get("t1")
	assert.Equal(t, TodoItemInProgress, got.Status)
}

func TestTodoListRejectProposalLeavesListUnchanged(t *testing.T) {
	list := NewTodoList()
	proposalID := list.SubmitProposal(ProposalSourceAgent, "agent-1", "bad idea", TodoListDiff{
		Added: []*TodoItem{NewTodoItem("t1", "do a thing")},
	})

	require.NoError(t, list.RejectProposal(proposalID, "not needed"))
	_, ok := list.Get("t1")
	assert.False(t, ok)
	assert.Empty(t, list.PendingProposals())
}

func TestTodoListDiffAgainstComputesDelta(t *testing.T) {
	list := NewTodoList()
	id := list.SubmitProposal(ProposalSourceAgent, "agent-1", "seed", TodoListDiff{
		Added: []*TodoItem{NewTodoItem("t1", "original").WithPriority(1)},
	})
	require.NoError(t, list.ApproveProposal(id))

	desired := []*TodoItem{
		{ID: "t1", Description: "updated", Priority: 2, Status: TodoItemInProgress},
		{ID: "t2", Description: "new item", Priority: 3, Status: TodoItemPending},
	}
	diff := list.DiffAgainst(desired)

	require.Len(t, diff.Added, 1)
	assert.Equal(t, TaskID("t2"), TaskID(diff.Added[0].ID))
	require.Len(t, diff.Modified, 1)
	assert.Equal(t, "t1", diff.Modified[0].ID)
	assert.Equal(t, "updated", diff.Modified[0].NewDescription)
}
