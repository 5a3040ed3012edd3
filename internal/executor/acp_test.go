package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentacp "github.com/cisnet/cis/internal/agent/acp"
	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/contextstore"
	"github.com/cisnet/cis/internal/dag"
	"github.com/cisnet/cis/internal/eventbus"
	orchacp "github.com/cisnet/cis/internal/orchestrator/acp"
	"github.com/cisnet/cis/internal/pool"
	"github.com/cisnet/cis/internal/ptyio"
	"github.com/cisnet/cis/internal/session"
	"github.com/cisnet/cis/pkg/acp/jsonrpc"
)

// scriptedACPHandle is an in-memory ptyio.Handle that plays an agent
// runtime speaking ACP: it answers initialize/session-new/session-prompt
// requests and, once prompted, emits a session/update "complete"
// notification — enough for runACPTask's handshake and completion wait
// to run end to end without a real agent process.
type scriptedACPHandle struct {
	out    chan []byte
	closed chan struct{}
}

func newScriptedACPHandle() *scriptedACPHandle {
	return &scriptedACPHandle{out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (h *scriptedACPHandle) Read(p []byte) (int, error) {
	select {
	case chunk := <-h.out:
		n := copy(p, chunk)
		return n, nil
	case <-h.closed:
		return 0, io.EOF
	}
}

func (h *scriptedACPHandle) Write(p []byte) (int, error) {
	var req struct {
		ID     interface{} `json:"id"`
		Method string      `json:"method"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(p), &req); err == nil {
		go h.respond(req.ID, req.Method)
	}
	return len(p), nil
}

func (h *scriptedACPHandle) respond(id interface{}, method string) {
	switch method {
	case jsonrpc.MethodInitialize:
		h.emit(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": map[string]interface{}{}})
	case jsonrpc.MethodSessionNew:
		h.emit(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": map[string]interface{}{"sessionId": "sess-1"}})
	case jsonrpc.MethodSessionPrompt:
		h.emit(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": map[string]interface{}{}})
		h.emit(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  jsonrpc.NotificationSessionUpdate,
			"params": map[string]interface{}{
				"type": "complete",
				"data": map[string]interface{}{"sessionId": "sess-1", "success": true},
			},
		})
	}
}

func (h *scriptedACPHandle) emit(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	h.out <- data
}

func (h *scriptedACPHandle) Close() error {
	select {
	case <-h.closed:
	default:
		close(h.closed)
	}
	return nil
}

func (h *scriptedACPHandle) Resize(cols, rows uint16) error { return nil }

type acpSpawner struct{ handle *scriptedACPHandle }

func (s *acpSpawner) Spawn(cols, rows int) (ptyio.Handle, error) { return s.handle, nil }

type acpFakeRuntime struct {
	mu   sync.Mutex
	next int
}

func (r *acpFakeRuntime) Type() pool.RuntimeType { return "native" }

func (r *acpFakeRuntime) CreateAgent(ctx context.Context, cfg pool.AgentConfig) (pool.AgentHandle, error) {
	r.mu.Lock()
	r.next++
	id := fmt.Sprintf("acp-agent-%d", r.next)
	r.mu.Unlock()

	sp := &acpSpawner{handle: newScriptedACPHandle()}
	sess := session.New(id, sp, cfg.Persistent, cfg.MaxIdleSecs, logger.Default())
	if err := sess.Start(ctx, cfg.Cols, cfg.Rows); err != nil {
		return nil, err
	}
	return &fakeAgent{id: id, sess: sess}, nil
}

func TestExecutorACPTaskCompletes(t *testing.T) {
	p := pool.New(pool.DefaultConfig(), logger.Default())
	require.NoError(t, p.RegisterRuntime(&acpFakeRuntime{}))

	store, err := contextstore.NewSQLiteStore(filepath.Join(t.TempDir(), "context.db"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	cfg.TaskTimeout = 5 * time.Second
	exec := New(cfg, p, store, logger.Default())

	bus := eventbus.NewMemoryBus(logger.Default())
	sessions := agentacp.NewSessionManager(bus, logger.Default())
	handler := orchacp.NewHandler(orchacp.NewMemoryMessageStore(100), logger.Default())
	exec.SetACPSupport(sessions, handler)

	node := dag.NewDagNode("a")
	node.AgentConfig = &dag.AgentConfig{Protocol: dag.ProtocolACP}
	run := dag.NewDagRun("run-acp", []*dag.DagNode{node}, map[dag.TaskID]string{"a": "do the thing"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := exec.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, dag.RunStatusCompleted, report.FinalStatus)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 0, report.Failed)
}

func TestExecutorAcquireAgentFailsWithoutCredentialsManager(t *testing.T) {
	p := pool.New(pool.DefaultConfig(), logger.Default())
	require.NoError(t, p.RegisterRuntime(&acpFakeRuntime{}))

	store, err := contextstore.NewSQLiteStore(filepath.Join(t.TempDir(), "context.db"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exec := New(DefaultConfig(), p, store, logger.Default())

	node := dag.NewDagNode("a")
	node.AgentConfig = &dag.AgentConfig{RequiredCredentials: []string{"ANTHROPIC_API_KEY"}}
	run := dag.NewDagRun("run-creds", []*dag.DagNode{node}, map[dag.TaskID]string{"a": "echo hi"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	report, err := exec.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, dag.RunStatusFailed, report.FinalStatus)
	assert.Equal(t, 1, report.Failed)
}
