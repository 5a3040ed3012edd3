package dag

import (
	"fmt"
	"sync"
	"time"
)

// TodoItemStatus is a TodoItem's place in its lifecycle, supplemented from
// original_source's cis-mcp-adapter TodoItemStatus enum (spec.md only
// names the todo_list field and leaves item status undefined).
type TodoItemStatus string

const (
	TodoItemPending    TodoItemStatus = "pending"
	TodoItemInProgress TodoItemStatus = "in_progress"
	TodoItemBlocked    TodoItemStatus = "blocked"
	TodoItemCompleted  TodoItemStatus = "completed"
)

// TodoItem is one entry on a run's shared todo list.
type TodoItem struct {
	ID          string
	Description string
	Priority    int
	Status      TodoItemStatus
}

// NewTodoItem constructs a Pending item with the given description.
func NewTodoItem(id, description string) *TodoItem {
	return &TodoItem{ID: id, Description: description, Status: TodoItemPending}
}

// WithPriority sets priority and returns the item, for builder-style
// construction matching DagTodoItem::new(...).with_priority(...).
func (t *TodoItem) WithPriority(priority int) *TodoItem {
	t.Priority = priority
	return t
}

// ProposalSource identifies who submitted a TodoListProposal.
type ProposalSource string

const (
	ProposalSourceAgent    ProposalSource = "agent"
	ProposalSourceWorker   ProposalSource = "worker"
	ProposalSourceExecutor ProposalSource = "executor"
)

// ProposalStatus tracks a proposal through review.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// TodoItemChange records a before/after delta for one modified item.
type TodoItemChange struct {
	ID             string
	OldStatus      TodoItemStatus
	NewStatus      TodoItemStatus
	OldPriority    int
	NewPriority    int
	OldDescription string
	NewDescription string
}

// TodoListDiff is the set of additions, modifications, and removals a
// proposal wants to apply to a TodoList.
type TodoListDiff struct {
	Added    []*TodoItem
	Modified []TodoItemChange
	Removed  []string
}

// TodoListProposal is a pending change to the shared todo list, submitted
// by an agent or the worker orchestrating it, awaiting approval before it
// is merged. Grounded on cis-mcp-adapter's submit_proposal flow, which
// spec.md's todo_list field references only by name.
type TodoListProposal struct {
	ID        string
	Source    ProposalSource
	Submitter string
	Diff      TodoListDiff
	Reason    string
	Status    ProposalStatus
	CreatedAt time.Time
}

// TodoList is the shared, agent-notes-annotated todo list attached to a
// DagRun (spec §3 DagRun.todo_list).
type TodoList struct {
	mu               sync.Mutex
	items            map[string]*TodoItem
	agentNotes       []string
	lastCheckpoint   time.Time
	pendingProposals map[string]*TodoListProposal
	nextProposalID   int
}

// NewTodoList constructs an empty TodoList.
func NewTodoList() *TodoList {
	return &TodoList{
		items:            make(map[string]*TodoItem),
		pendingProposals: make(map[string]*TodoListProposal),
	}
}

// Get returns the item with the given ID, if present.
func (l *TodoList) Get(id string) (*TodoItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.items[id]
	return item, ok
}

// Items returns a snapshot of every item on the list.
func (l *TodoList) Items() []*TodoItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := make([]*TodoItem, 0, len(l.items))
	for _, item := range l.items {
		items = append(items, item)
	}
	return items
}

// AgentNotes returns the accumulated free-form notes agents have left.
func (l *TodoList) AgentNotes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.agentNotes...)
}

// AddNote appends a free-form note from an agent.
func (l *TodoList) AddNote(note string) {
	l.mu.Lock()
	l.agentNotes = append(l.agentNotes, note)
	l.mu.Unlock()
}

// LastCheckpoint returns the time of the most recently merged proposal.
func (l *TodoList) LastCheckpoint() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastCheckpoint
}

// PendingProposals returns a snapshot of every proposal awaiting review.
func (l *TodoList) PendingProposals() []*TodoListProposal {
	l.mu.Lock()
	defer l.mu.Unlock()
	proposals := make([]*TodoListProposal, 0, len(l.pendingProposals))
	for _, p := range l.pendingProposals {
		proposals = append(proposals, p)
	}
	return proposals
}

// SubmitProposal queues diff for review and returns the assigned proposal
// ID. The diff is not applied until ApproveProposal is called.
func (l *TodoList) SubmitProposal(source ProposalSource, submitter, reason string, diff TodoListDiff) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextProposalID++
	id := fmt.Sprintf("proposal-%d", l.nextProposalID)
	l.pendingProposals[id] = &TodoListProposal{
		ID:        id,
		Source:    source,
		Submitter: submitter,
		Diff:      diff,
		Reason:    reason,
		Status:    ProposalPending,
		CreatedAt: time.Now(),
	}
	return id
}

// ApproveProposal merges a pending proposal's diff into the list: adds
// new items, applies modifications, and drops removed items.
func (l *TodoList) ApproveProposal(proposalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	proposal, ok := l.pendingProposals[proposalID]
	if !ok {
		return fmt.Errorf("proposal %q not found", proposalID)
	}
	if proposal.Status != ProposalPending {
		return fmt.Errorf("proposal %q already %s", proposalID, proposal.Status)
	}

	for _, item := range proposal.Diff.Added {
		l.items[item.ID] = item
	}
	for _, change := range proposal.Diff.Modified {
		item, ok := l.items[change.ID]
		if !ok {
			continue
		}
		item.Status = change.NewStatus
		item.Priority = change.NewPriority
		if change.NewDescription != "" {
			item.Description = change.NewDescription
		}
	}
	for _, id := range proposal.Diff.Removed {
		delete(l.items, id)
	}

	proposal.Status = ProposalApproved
	l.lastCheckpoint = time.Now()
	delete(l.pendingProposals, proposalID)
	return nil
}

// RejectProposal discards a pending proposal without applying its diff.
func (l *TodoList) RejectProposal(proposalID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	proposal, ok := l.pendingProposals[proposalID]
	if !ok {
		return fmt.Errorf("proposal %q not found", proposalID)
	}
	proposal.Status = ProposalRejected
	delete(l.pendingProposals, proposalID)
	return nil
}

// DiffAgainst computes the TodoListDiff that would turn the current items
// into desired, keyed by item ID. Useful for agents that rewrite the
// whole list locally and want to submit the delta as a proposal.
func (l *TodoList) DiffAgainst(desired []*TodoItem) TodoListDiff {
	l.mu.Lock()
	defer l.mu.Unlock()

	desiredByID := make(map[string]*TodoItem, len(desired))
	for _, item := range desired {
		desiredByID[item.ID] = item
	}

	var diff TodoListDiff
	for id, wanted := range desiredByID {
		current, exists := l.items[id]
		if !exists {
			diff.Added = append(diff.Added, wanted)
			continue
		}
		if current.Status != wanted.Status || current.Priority != wanted.Priority || current.Description != wanted.Description {
			diff.Modified = append(diff.Modified, TodoItemChange{
				ID:             id,
				OldStatus:      current.Status,
				NewStatus:      wanted.Status,
				OldPriority:    current.Priority,
				NewPriority:    wanted.Priority,
				OldDescription: current.Description,
				NewDescription: wanted.Description,
			})
		}
	}
	for id := range l.items {
		if _, stillWanted := desiredByID[id]; !stillWanted {
			diff.Removed = append(diff.Removed, id)
		}
	}
	return diff
}
