package executor

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/contextstore"
	"github.com/cisnet/cis/internal/dag"
	"github.com/cisnet/cis/internal/pool"
	"github.com/cisnet/cis/internal/ptyio"
	"github.com/cisnet/cis/internal/session"
)

// respondingHandle is an in-memory ptyio.Handle that, on every Write,
// echoes back a canned response — standing in for an agent process that
// immediately runs whatever it is given and reports a fixed exit code.
type respondingHandle struct {
	out      chan []byte
	closed   chan struct{}
	response []byte
}

func newRespondingHandle(response string) *respondingHandle {
	return &respondingHandle{out: make(chan []byte, 16), closed: make(chan struct{}), response: []byte(response)}
}

func (h *respondingHandle) Read(p []byte) (int, error) {
	select {
	case chunk := <-h.out:
		n := copy(p, chunk)
		return n, nil
	case <-h.closed:
		return 0, io.EOF
	}
}

func (h *respondingHandle) Write(p []byte) (int, error) {
	go func() { h.out <- append([]byte(nil), h.response...) }()
	return len(p), nil
}

func (h *respondingHandle) Close() error {
	select {
	case <-h.closed:
	default:
		close(h.closed)
	}
	return nil
}

func (h *respondingHandle) Resize(cols, rows uint16) error { return nil }

type testSpawner struct{ handle *respondingHandle }

func (s *testSpawner) Spawn(cols, rows int) (ptyio.Handle, error) { return s.handle, nil }

// fakeAgent adapts a *session.Session to pool.AgentHandle and exposes the
// sessionHandle accessor the executor type-asserts for.
type fakeAgent struct {
	id   string
	sess *session.Session
}

func (a *fakeAgent) ID() string { return a.id }

func (a *fakeAgent) Status() pool.AgentStatus {
	switch a.sess.State() {
	case session.StateIdle:
		return pool.StatusIdle
	case session.StateFailed:
		return pool.StatusError
	case session.StateKilled, session.StateCompleted:
		return pool.StatusShutdown
	default:
		return pool.StatusRunning
	}
}

func (a *fakeAgent) Shutdown(reason string) error {
	a.sess.Shutdown(reason)
	return nil
}

func (a *fakeAgent) Session() *session.Session { return a.sess }

var _ sessionHandle = (*fakeAgent)(nil)

// fakeRuntime spawns a fakeAgent per Acquire, each backed by a fresh
// respondingHandle so concurrent tasks don't share a PTY.
type fakeRuntime struct {
	response string
	mu       sync.Mutex
	next     int
}

func (r *fakeRuntime) Type() pool.RuntimeType { return "native" }

func (r *fakeRuntime) CreateAgent(ctx context.Context, cfg pool.AgentConfig) (pool.AgentHandle, error) {
	r.mu.Lock()
	r.next++
	id := fmt.Sprintf("agent-%d", r.next)
	r.mu.Unlock()

	handle := newRespondingHandle(r.response)
	sp := &testSpawner{handle: handle}
	sess := session.New(id, sp, cfg.Persistent, cfg.MaxIdleSecs, logger.Default())
	if err := sess.Start(ctx, cfg.Cols, cfg.Rows); err != nil {
		return nil, err
	}
	return &fakeAgent{id: id, sess: sess}, nil
}

func testExecutor(t *testing.T, response string) *Executor {
	t.Helper()
	p := pool.New(pool.DefaultConfig(), logger.Default())
	require.NoError(t, p.RegisterRuntime(&fakeRuntime{response: response}))

	store, err := contextstore.NewSQLiteStore(filepath.Join(t.TempDir(), "context.db"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	cfg.TaskTimeout = 5 * time.Second
	return New(cfg, p, store, logger.Default())
}

func TestExecutorTwoTaskChainCompletes(t *testing.T) {
	exec := testExecutor(t, "hi\x01CIS-DONE exit=0\x01\n")

	a := dag.NewDagNode("a")
	b := dag.NewDagNode("b", "a")
	run := dag.NewDagRun("run-chain", []*dag.DagNode{a, b}, map[dag.TaskID]string{
		"a": "echo hi",
		"b": "echo bye",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := exec.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, dag.RunStatusCompleted, report.FinalStatus)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 0, report.Failed)
}

func TestExecutorChainWithFailureSkipsDownstream(t *testing.T) {
	exec := testExecutor(t, "boom\x01CIS-DONE exit=1\x01\n")

	top := dag.NewDagNode("top")
	bottom := dag.NewDagNode("bottom", "top")
	run := dag.NewDagRun("run-diamond", []*dag.DagNode{top, bottom}, map[dag.TaskID]string{
		"top":    "false",
		"bottom": "echo never",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := exec.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, dag.RunStatusFailed, report.FinalStatus)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
}
