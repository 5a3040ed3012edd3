// Package executor implements the Multi-Agent DAG Executor (spec §4.3):
// it drives a dag.DagRun to completion by acquiring agents from the pool,
// feeding each ready task its dependency context, and watching either raw
// PTY output or a structured ACP session for completion or blockage.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	agentacp "github.com/cisnet/cis/internal/agent/acp"
	"github.com/cisnet/cis/internal/agent/credentials"
	cerrors "github.com/cisnet/cis/internal/common/errors"
	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/contextstore"
	"github.com/cisnet/cis/internal/dag"
	orchacp "github.com/cisnet/cis/internal/orchestrator/acp"
	"github.com/cisnet/cis/internal/pool"
	"github.com/cisnet/cis/internal/session"
	"github.com/cisnet/cis/pkg/acp/jsonrpc"
	"github.com/cisnet/cis/pkg/acp/protocol"
)

// defaultBlockageKeywords are scanned for in a task's rendered terminal
// output to detect an agent stuck waiting on input (spec §4.1/§4.3).
var defaultBlockageKeywords = []string{
	"continue? (y/n)", "do you want to proceed", "[y/n]", "password:",
}

// sentinelPattern matches the completion marker the executor appends to
// every raw-protocol task command, carrying the shell exit code back out
// through the PTY's byte stream without needing a separate control
// channel. Tasks that opt into ProtocolACP instead signal completion
// through a session/update notification; see runACPTask.
var sentinelPattern = regexp.MustCompile(`\x01CIS-DONE exit=(-?\d+)\x01`)

const (
	maxContextChars = 10000
	pollInterval    = 100 * time.Millisecond
)

// Config configures a Executor's concurrency and timing policy.
type Config struct {
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	BlockageKeywords   []string
	DefaultCols        int
	DefaultRows        int
}

// DefaultConfig returns the spec's baseline executor policy.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 4,
		TaskTimeout:        30 * time.Minute,
		BlockageKeywords:   defaultBlockageKeywords,
		DefaultCols:        120,
		DefaultRows:        40,
	}
}

// TaskOutput is one task's recorded result in an ExecutionReport.
type TaskOutput struct {
	TaskID   dag.TaskID
	Output   string
	ExitCode int
	Err      string
}

// ExecutionReport summarizes a completed or aborted DagRun, per spec
// §4.3's reporting shape.
type ExecutionReport struct {
	RunID       string
	DurationSec float64
	Completed   int
	Failed      int
	Skipped     int
	FinalStatus dag.RunStatus
	TaskOutputs map[dag.TaskID]*TaskOutput
}

// sessionHandle is satisfied by every pool.AgentHandle runtime
// implementation (native, docker) so the executor can drive the
// underlying PTY session without depending on a specific runtime.
type sessionHandle interface {
	Session() *session.Session
}

// acpOutcome is what a session/update "complete" notification reports
// back to the goroutine in runACPTask waiting on it.
type acpOutcome struct {
	success bool
}

// Executor drives DagRuns to completion against an Agent Pool and
// Context Store, per spec §4.3. ACP support and credential resolution
// are optional and wired in after construction via SetACPSupport and
// SetCredentials, so a daemon that never runs a ProtocolACP node can
// skip them entirely.
type Executor struct {
	cfg   Config
	pool  *pool.Pool
	store contextstore.Store
	log   *logger.Logger

	acpSessions *agentacp.SessionManager
	acpHandler  *orchacp.Handler
	creds       *credentials.Manager

	acpMu      sync.Mutex
	acpWaiters map[string]chan acpOutcome
}

// New constructs an Executor.
func New(cfg Config, p *pool.Pool, store contextstore.Store, log *logger.Logger) *Executor {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 4
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	if len(cfg.BlockageKeywords) == 0 {
		cfg.BlockageKeywords = defaultBlockageKeywords
	}
	return &Executor{
		cfg:        cfg,
		pool:       p,
		store:      store,
		log:        log.WithFields(zap.String("component", "executor")),
		acpWaiters: make(map[string]chan acpOutcome),
	}
}

// SetACPSupport wires in the structured-protocol session manager and
// message handler; nodes with AgentConfig.Protocol == dag.ProtocolACP
// are only runnable once this has been called. Calling it installs the
// executor as the SessionManager's single update handler, so it must not
// be shared with another SessionManager consumer.
func (e *Executor) SetACPSupport(sessions *agentacp.SessionManager, handler *orchacp.Handler) {
	e.acpSessions = sessions
	e.acpHandler = handler
	if sessions != nil {
		sessions.SetUpdateHandler(e.handleACPUpdate)
	}
}

// SetCredentials wires in credential resolution for nodes naming
// AgentConfig.RequiredCredentials; without it, required credentials fail
// agent acquisition.
func (e *Executor) SetCredentials(mgr *credentials.Manager) {
	e.creds = mgr
}

// readyNotifier is an edge-triggered, coalescing wakeup signal: any number
// of Notify calls between two Wait calls collapse into a single wakeup,
// which is the event-driven alternative to the executor's 100ms poll loop
// (spec §4.3 names both an event-driven and a polling scheduling mode).
type readyNotifier struct {
	ch chan struct{}
}

func newReadyNotifier() *readyNotifier { return &readyNotifier{ch: make(chan struct{}, 1)} }

func (n *readyNotifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *readyNotifier) Wait(ctx context.Context, timeout time.Duration) {
	select {
	case <-n.ch:
	case <-time.After(timeout):
	case <-ctx.Done():
	}
}

// Run drives run to completion: it repeatedly computes ready tasks,
// dispatches as many as the concurrency budget allows, and waits for
// progress before recomputing readiness, until every node is terminal.
func (e *Executor) Run(ctx context.Context, run *dag.DagRun) (*ExecutionReport, error) {
	start := time.Now()
	notify := newReadyNotifier()

	outputs := make(map[dag.TaskID]*TaskOutput)
	var outputsMu sync.Mutex

	// sem enforces the bounded concurrency slot S (spec §4.3/§5): at most
	// MaxConcurrentTasks task goroutines run at once, regardless of how
	// many nodes come ready in a single scheduling pass.
	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrentTasks))
	var group errgroup.Group

	for {
		if _, allTerminal := run.Summarize(); allTerminal {
			break
		}
		if run.Status() == dag.RunStatusPaused {
			notify.Wait(ctx, pollInterval)
			continue
		}
		if ctx.Err() != nil {
			break
		}

		ready := run.ReadyTasks()
		if len(ready) == 0 {
			notify.Wait(ctx, pollInterval)
			continue
		}

		dispatchedAny := false
		for _, node := range ready {
			if !sem.TryAcquire(1) {
				break
			}
			dispatchedAny = true

			node := node
			group.Go(func() error {
				defer sem.Release(1)
				defer notify.Notify()

				out := e.executeTask(ctx, run, node)
				outputsMu.Lock()
				outputs[node.TaskID] = out
				outputsMu.Unlock()
				return nil
			})
		}

		if !dispatchedAny {
			notify.Wait(ctx, pollInterval)
		}
	}

	// group.Wait joins every dispatched task goroutine. Per-task failures
	// are recorded on the DagRun and in TaskOutput.Err rather than returned
	// here: one failed node must not abort sibling branches still in
	// flight, so executeTask never returns a non-nil error to the group.
	_ = group.Wait()

	counts, _ := run.Summarize()
	report := &ExecutionReport{
		RunID:       run.RunID,
		DurationSec: time.Since(start).Seconds(),
		Completed:   counts.Completed,
		Failed:      counts.Failed,
		Skipped:     counts.Skipped,
		FinalStatus: run.FinalStatus(),
		TaskOutputs: outputs,
	}
	return report, nil
}

// executeTask runs one ready task end to end: acquire an agent, drive it
// through either the raw sentinel protocol or, for ProtocolACP nodes, a
// structured ACP session, persist its output, and mark the node
// Completed or Failed.
func (e *Executor) executeTask(ctx context.Context, run *dag.DagRun, node *dag.DagNode) *TaskOutput {
	out := &TaskOutput{TaskID: node.TaskID}

	if err := run.MarkRunning(node.TaskID); err != nil {
		out.Err = err.Error()
		return out
	}

	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	handle, err := e.acquireAgent(taskCtx, run, node)
	if err != nil {
		e.log.Error("failed to acquire agent", zap.String("task_id", string(node.TaskID)), zap.Error(err))
		out.Err = err.Error()
		_ = run.MarkFailed(node.TaskID)
		return out
	}

	sp, ok := handle.(sessionHandle)
	if !ok {
		err := cerrors.Wrap(cerrors.KindExecution, "agent handle has no session", fmt.Errorf("runtime %T", handle))
		out.Err = err.Error()
		_ = run.MarkFailed(node.TaskID)
		e.releaseAgent(handle.ID(), node.TaskID, false)
		return out
	}
	sess := sp.Session()

	var output string
	var exitCode int
	var runErr error
	if e.usesACP(node) {
		output, exitCode, runErr = e.runACPTask(taskCtx, run, node, handle)
	} else {
		output, exitCode, runErr = e.runRawTask(taskCtx, run, node, sess)
	}

	out.Output = output
	out.ExitCode = exitCode

	switch {
	case runErr != nil:
		out.Err = runErr.Error()
		_ = run.MarkFailed(node.TaskID)
	case exitCode != 0:
		out.Err = fmt.Sprintf("task exited with code %d", exitCode)
		_ = run.MarkFailed(node.TaskID)
	default:
		_ = run.MarkCompleted(node.TaskID)
	}

	e.releaseAgent(handle.ID(), node.TaskID, node.KeepAgent && runErr == nil && exitCode == 0)

	if err := e.store.Save(context.Background(), run.RunID, string(node.TaskID), output, exitCode); err != nil {
		e.log.Warn("failed to save task context", zap.String("task_id", string(node.TaskID)), zap.Error(err))
	}

	return out
}

// releaseAgent returns handle agentID to the pool, keeping it warm when
// keep is true, and logs (rather than propagates) a release failure: by
// the time this runs the task's own outcome is already decided, and a
// release error shouldn't override it.
func (e *Executor) releaseAgent(agentID string, taskID dag.TaskID, keep bool) {
	if err := e.pool.Release(agentID, keep); err != nil {
		e.log.Warn("failed to release agent", zap.String("task_id", string(taskID)), zap.Error(err))
	}
}

// usesACP reports whether node opted into the structured protocol and an
// ACP session manager has actually been wired in.
func (e *Executor) usesACP(node *dag.DagNode) bool {
	return e.acpSessions != nil && node.AgentConfig != nil && node.AgentConfig.Protocol == dag.ProtocolACP
}

func (e *Executor) acquireAgent(ctx context.Context, run *dag.DagRun, node *dag.DagNode) (pool.AgentHandle, error) {
	runtimeType := pool.RuntimeType(node.AgentRuntime)
	if runtimeType == "" {
		runtimeType = "native"
	}

	cfg := pool.AgentConfig{
		RuntimeType:  runtimeType,
		ReuseAgentID: node.ReuseAgentID,
		Cols:         e.cfg.DefaultCols,
		Rows:         e.cfg.DefaultRows,
		Persistent:   node.KeepAgent,
	}
	if node.AgentConfig != nil {
		cfg.AgentType = node.AgentConfig.AgentType
		cfg.Env = node.AgentConfig.Env

		if len(node.AgentConfig.RequiredCredentials) > 0 {
			if e.creds == nil {
				return nil, cerrors.Wrap(cerrors.KindConfiguration, "task requires credentials but no credentials.Manager is configured", fmt.Errorf("task %s", node.TaskID))
			}
			env, err := e.creds.BuildEnv(ctx, node.AgentConfig.RequiredCredentials, node.AgentConfig.Env)
			if err != nil {
				return nil, cerrors.Wrap(cerrors.KindConfiguration, "failed to resolve required credentials", err)
			}
			cfg.Env = env
		}
	}
	return e.pool.Acquire(ctx, cfg)
}

// buildPrompt assembles the task command prefixed by a context block
// drawn from each dependency's saved output, truncated per section to
// maxContextChars (spec §4.3 step 4).
func (e *Executor) buildPrompt(ctx context.Context, run *dag.DagRun, node *dag.DagNode, command string) string {
	if len(node.Dependencies) == 0 {
		return command
	}

	var block string
	for dep := range node.Dependencies {
		entry, err := e.store.Load(ctx, run.RunID, string(dep))
		if err != nil {
			continue
		}
		section := entry.Output
		if len(section) > maxContextChars {
			section = section[:maxContextChars]
		}
		block += fmt.Sprintf("# context from %s\n%s\n", dep, section)
	}
	if block == "" {
		return command
	}
	return block + command
}

// runRawTask drives a task the default way: append a completion sentinel
// to the command, send it to the PTY, and scan output for the sentinel
// or a blockage keyword.
func (e *Executor) runRawTask(ctx context.Context, run *dag.DagRun, node *dag.DagNode, sess *session.Session) (string, int, error) {
	command := run.TaskCommands[node.TaskID]
	prompt := e.buildPrompt(ctx, run, node, command)

	sentinelCmd := prompt + "; printf '\\x01CIS-DONE exit=%d\\x01\\n' $?\n"
	if err := sess.SendInput(ctx, []byte(sentinelCmd)); err != nil {
		return "", -1, err
	}
	return e.waitForCompletion(ctx, sess)
}

// waitForCompletion polls the session's buffered output for the
// completion sentinel or a blockage keyword match until ctx is done.
func (e *Executor) waitForCompletion(ctx context.Context, sess *session.Session) (string, int, error) {
	var accumulated []byte
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		for {
			chunk, ok := sess.TryReceiveOutput()
			if !ok {
				break
			}
			accumulated = append(accumulated, chunk...)
		}

		if m := sentinelPattern.FindSubmatch(accumulated); m != nil {
			exitCode := 0
			fmt.Sscanf(string(m[1]), "%d", &exitCode)
			output := sentinelPattern.ReplaceAll(accumulated, nil)
			return string(output), exitCode, nil
		}

		if reason, blocked := sess.CheckBlockage(e.cfg.BlockageKeywords); blocked {
			sess.MarkBlocked()
			return string(accumulated), -1, cerrors.Timeout(fmt.Sprintf("task blocked: %s", reason))
		}

		select {
		case <-ctx.Done():
			return string(accumulated), -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

// runACPTask drives a task over the structured protocol: it opens an ACP
// session on top of the agent's PTY stream via agentacp.SessionIO,
// performs the initialize/session-new/prompt handshake, and waits for a
// session/update "complete" notification (delivered through
// handleACPUpdate) instead of scanning for a shell sentinel. Every update
// along the way is forwarded to the orchestrator's Handler so callers can
// watch the task's live transcript.
func (e *Executor) runACPTask(ctx context.Context, run *dag.DagRun, node *dag.DagNode, handle pool.AgentHandle) (string, int, error) {
	taskID := string(node.TaskID)
	agentID := handle.ID()
	sp := handle.(sessionHandle)

	wait := make(chan acpOutcome, 1)
	e.acpMu.Lock()
	e.acpWaiters[taskID] = wait
	e.acpMu.Unlock()
	defer func() {
		e.acpMu.Lock()
		delete(e.acpWaiters, taskID)
		e.acpMu.Unlock()
		if e.acpHandler != nil {
			e.acpHandler.CleanupTask(taskID)
		}
	}()

	io := agentacp.NewSessionIO(ctx, sp.Session())
	if err := e.acpSessions.CreateSession(ctx, agentID, taskID, io, io); err != nil {
		return "", -1, fmt.Errorf("create ACP session: %w", err)
	}
	defer e.acpSessions.CloseSession(agentID)

	if err := e.acpSessions.Initialize(ctx, agentID); err != nil {
		return "", -1, err
	}
	if _, err := e.acpSessions.NewSession(ctx, agentID, ""); err != nil {
		return "", -1, err
	}

	command := run.TaskCommands[node.TaskID]
	prompt := e.buildPrompt(ctx, run, node, command)
	if err := e.acpSessions.Prompt(ctx, agentID, prompt); err != nil {
		return "", -1, err
	}

	exitCode := 0
	var runErr error
	select {
	case outcome := <-wait:
		if !outcome.success {
			exitCode = 1
		}
	case <-ctx.Done():
		exitCode = -1
		runErr = ctx.Err()
	}

	return e.renderACPMessages(taskID), exitCode, runErr
}

// renderACPMessages flattens a task's buffered ACP transcript into plain
// text, giving it the same shape as a raw PTY task's Output field so
// downstream consumers (contextstore, the DAG Executor's dependency
// context assembly) don't need to know which protocol produced it.
func (e *Executor) renderACPMessages(taskID string) string {
	if e.acpHandler == nil {
		return ""
	}
	messages := e.acpHandler.GetRecentMessages(taskID, 0)
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(msg.Summary())
		sb.WriteString("\n")
	}
	return sb.String()
}

// handleACPUpdate is the agentacp.SessionManager's single UpdateHandler:
// it translates every session/update notification into a
// pkg/acp/protocol.Message for the orchestrator handler, and wakes the
// runACPTask goroutine waiting on this task when the update signals
// completion.
func (e *Executor) handleACPUpdate(agentID, taskID, updateType string, data json.RawMessage) {
	if msg := acpMessageFromUpdate(agentID, taskID, updateType, data); msg != nil && e.acpHandler != nil {
		if err := e.acpHandler.ProcessMessage(context.Background(), msg); err != nil {
			e.log.Warn("failed to process ACP update", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	if updateType != "complete" {
		return
	}

	var complete jsonrpc.SessionUpdateComplete
	success := true
	if err := json.Unmarshal(data, &complete); err == nil {
		success = complete.Success
	}

	e.acpMu.Lock()
	ch, ok := e.acpWaiters[taskID]
	e.acpMu.Unlock()
	if ok {
		select {
		case ch <- acpOutcome{success: success}:
		default:
		}
	}
}

// acpMessageFromUpdate maps a session/update notification's update type
// onto the closest pkg/acp/protocol message type, so the orchestrator's
// message store and listeners see a uniform Message stream regardless of
// which update type produced it.
func acpMessageFromUpdate(agentID, taskID, updateType string, data json.RawMessage) *protocol.Message {
	switch updateType {
	case "content":
		var content jsonrpc.SessionUpdateContent
		_ = json.Unmarshal(data, &content)
		return protocol.NewLogMessage(agentID, taskID, protocol.LogData{Level: "info", Message: content.Text})
	case "toolCall":
		var tc jsonrpc.SessionUpdateToolCall
		_ = json.Unmarshal(data, &tc)
		return protocol.NewLogMessage(agentID, taskID, protocol.LogData{
			Level:   "info",
			Message: fmt.Sprintf("tool %s: %s", tc.ToolName, tc.Status),
		})
	case "thinking":
		var content jsonrpc.SessionUpdateContent
		_ = json.Unmarshal(data, &content)
		return protocol.NewLogMessage(agentID, taskID, protocol.LogData{Level: "debug", Message: content.Text})
	case "error":
		return protocol.NewErrorMessage(agentID, taskID, protocol.ErrorData{Error: string(data)})
	case "complete":
		var complete jsonrpc.SessionUpdateComplete
		_ = json.Unmarshal(data, &complete)
		status := "completed"
		if !complete.Success {
			status = "failed"
		}
		return protocol.NewResultMessage(agentID, taskID, protocol.ResultData{Status: status})
	default:
		return protocol.NewStatusMessage(agentID, taskID, protocol.StatusData{Status: updateType})
	}
}
