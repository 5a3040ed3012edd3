package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisnet/cis/internal/common/logger"
)

// fakeHandle is a minimal in-memory AgentHandle for pool unit tests.
type fakeHandle struct {
	id       string
	status   AgentStatus
	shutdown bool
}

func (h *fakeHandle) ID() string         { return h.id }
func (h *fakeHandle) Status() AgentStatus { return h.status }
func (h *fakeHandle) Shutdown(reason string) error {
	h.shutdown = true
	h.status = StatusShutdown
	return nil
}

type fakeRuntime struct {
	kind    RuntimeType
	handles []*fakeHandle
	next    int
}

func (r *fakeRuntime) Type() RuntimeType { return r.kind }

func (r *fakeRuntime) CreateAgent(ctx context.Context, cfg AgentConfig) (AgentHandle, error) {
	h := r.handles[r.next]
	r.next++
	return h, nil
}

func testPool(t *testing.T, maxAgents int) (*Pool, *fakeRuntime) {
	t.Helper()
	rt := &fakeRuntime{kind: "fake", handles: []*fakeHandle{
		{id: "a1", status: StatusRunning},
		{id: "a2", status: StatusRunning},
		{id: "a3", status: StatusRunning},
	}}
	cfg := DefaultConfig()
	cfg.MaxAgents = maxAgents
	p := New(cfg, logger.Default())
	require.NoError(t, p.RegisterRuntime(rt))
	return p, rt
}

func TestRegisterRuntimeRejectsDuplicate(t *testing.T) {
	p, rt := testPool(t, 10)
	err := p.RegisterRuntime(rt)
	assert.Error(t, err)
}

func TestAcquireUnknownRuntime(t *testing.T) {
	p, _ := testPool(t, 10)
	_, err := p.Acquire(context.Background(), AgentConfig{RuntimeType: "missing"})
	assert.Error(t, err)
}

func TestAcquireEnforcesMaxAgents(t *testing.T) {
	p, _ := testPool(t, 2)
	_, err := p.Acquire(context.Background(), AgentConfig{RuntimeType: "fake"})
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), AgentConfig{RuntimeType: "fake"})
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), AgentConfig{RuntimeType: "fake"})
	assert.Error(t, err)
}

func TestAcquireReuseAgentID(t *testing.T) {
	p, _ := testPool(t, 10)
	h, err := p.Acquire(context.Background(), AgentConfig{RuntimeType: "fake"})
	require.NoError(t, err)

	reused, err := p.Acquire(context.Background(), AgentConfig{RuntimeType: "fake", ReuseAgentID: h.ID()})
	require.NoError(t, err)
	assert.Equal(t, h.ID(), reused.ID())
}

func TestReleaseKeepResetsToIdle(t *testing.T) {
	p, _ := testPool(t, 10)
	h, err := p.Acquire(context.Background(), AgentConfig{RuntimeType: "fake"})
	require.NoError(t, err)

	require.NoError(t, p.Release(h.ID(), true))
	_, ok := p.Get(h.ID())
	assert.True(t, ok)

	p.infoMu.RLock()
	info := p.agentInfo[h.ID()]
	p.infoMu.RUnlock()
	assert.Equal(t, StatusIdle, info.Status)
}

func TestReleaseWithoutKeepShutsDownAndRemoves(t *testing.T) {
	p, _ := testPool(t, 10)
	h, err := p.Acquire(context.Background(), AgentConfig{RuntimeType: "fake"})
	require.NoError(t, err)

	require.NoError(t, p.Release(h.ID(), false))
	_, ok := p.Get(h.ID())
	assert.False(t, ok)
	assert.True(t, h.(*fakeHandle).shutdown)
}

func TestKillUnknownAgent(t *testing.T) {
	p, _ := testPool(t, 10)
	err := p.Kill("nonexistent")
	assert.Error(t, err)
}

func TestShutdownAllAggregatesAgents(t *testing.T) {
	p, _ := testPool(t, 10)
	for i := 0; i < 3; i++ {
		_, err := p.Acquire(context.Background(), AgentConfig{RuntimeType: "fake"})
		require.NoError(t, err)
	}

	require.NoError(t, p.ShutdownAll())
	_, ok := p.Get("a1")
	assert.False(t, ok)
}

func TestHealthTickEvictsErrorStatus(t *testing.T) {
	p, _ := testPool(t, 10)
	h, err := p.Acquire(context.Background(), AgentConfig{RuntimeType: "fake"})
	require.NoError(t, err)
	h.(*fakeHandle).status = StatusError

	p.tick()
	_, ok := p.Get(h.ID())
	assert.False(t, ok)
}

func TestHealthTickEvictsIdleTimeout(t *testing.T) {
	p, _ := testPool(t, 10)
	p.cfg.IdleTimeout = time.Millisecond
	h, err := p.Acquire(context.Background(), AgentConfig{RuntimeType: "fake"})
	require.NoError(t, err)
	h.(*fakeHandle).status = StatusIdle

	time.Sleep(5 * time.Millisecond)
	p.tick()
	_, ok := p.Get(h.ID())
	assert.False(t, ok)
}
