// Package pool implements the Agent Pool: a multi-runtime registry with
// reuse, admission limits, health-based eviction, and graceful shutdown,
// per spec §4.2.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	cerrors "github.com/cisnet/cis/internal/common/errors"
	"github.com/cisnet/cis/internal/common/logger"
)

// RuntimeType names an agent execution backend (native PTY, docker, ...).
type RuntimeType string

// AgentStatus is the lifecycle status a Runtime reports for a handle.
type AgentStatus string

const (
	StatusRunning  AgentStatus = "running"
	StatusIdle     AgentStatus = "idle"
	StatusError    AgentStatus = "error"
	StatusShutdown AgentStatus = "shutdown"
)

// AgentConfig describes the agent an Acquire call should create or reuse.
type AgentConfig struct {
	RuntimeType  RuntimeType
	ReuseAgentID string
	AgentType    string
	Command      []string
	Env          map[string]string
	WorkDir      string
	Cols, Rows   int
	Persistent   bool
	MaxIdleSecs  int
}

// AgentHandle is the runtime-agnostic view of a running agent that the
// pool tracks: a native PTY session, a docker-backed session, or any
// future Runtime implementation.
type AgentHandle interface {
	ID() string
	Status() AgentStatus
	Shutdown(reason string) error
}

// Runtime creates AgentHandles for one RuntimeType.
type Runtime interface {
	Type() RuntimeType
	CreateAgent(ctx context.Context, cfg AgentConfig) (AgentHandle, error)
}

// AgentInfo is the pool's own bookkeeping record for a handle, kept
// separate from the handle so the health tick can update status without
// taking the runtime's own locks.
type AgentInfo struct {
	ID           string
	RuntimeType  RuntimeType
	Status       AgentStatus
	LastActiveAt time.Time
}

// Config configures pool-wide admission and eviction policy.
type Config struct {
	MaxAgents           int
	HealthCheckInterval time.Duration
	AutoCleanup         bool
	IdleTimeout         time.Duration
}

// DefaultConfig returns sane defaults: 50 agents, a 10s health tick, and
// idle eviction after 30 minutes.
func DefaultConfig() Config {
	return Config{
		MaxAgents:           50,
		HealthCheckInterval: 10 * time.Second,
		AutoCleanup:         true,
		IdleTimeout:         30 * time.Minute,
	}
}

// Pool is the Agent Pool registry. Lock ordering discipline (spec §4.2):
// agentsMu is always acquired before infoMu when both are needed; the
// health tick scans under read locks and applies all status changes and
// evictions in a single later write pass, so it never holds a read lock
// and a write lock on the same map at once.
type Pool struct {
	cfg Config
	log *logger.Logger

	runtimesMu sync.RWMutex
	runtimes   map[RuntimeType]Runtime

	agentsMu sync.RWMutex
	agents   map[string]AgentHandle

	infoMu    sync.RWMutex
	agentInfo map[string]*AgentInfo

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an empty Pool; call RegisterRuntime before Acquire.
func New(cfg Config, log *logger.Logger) *Pool {
	return &Pool{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "agent-pool")),
		runtimes:  make(map[RuntimeType]Runtime),
		agents:    make(map[string]AgentHandle),
		agentInfo: make(map[string]*AgentInfo),
		stopCh:    make(chan struct{}),
	}
}

// RegisterRuntime adds r, rejecting a duplicate RuntimeType.
func (p *Pool) RegisterRuntime(r Runtime) error {
	p.runtimesMu.Lock()
	defer p.runtimesMu.Unlock()
	if _, exists := p.runtimes[r.Type()]; exists {
		return cerrors.AlreadyExists("runtime", string(r.Type()))
	}
	p.runtimes[r.Type()] = r
	return nil
}

// StartHealthTick spawns the periodic health/eviction loop.
func (p *Pool) StartHealthTick(ctx context.Context) {
	p.wg.Add(1)
	go p.healthLoop(ctx)
}

// Acquire honors ReuseAgentID first, then enforces the agent limit, then
// delegates to the named Runtime.
func (p *Pool) Acquire(ctx context.Context, cfg AgentConfig) (AgentHandle, error) {
	if cfg.ReuseAgentID != "" {
		p.agentsMu.RLock()
		handle, ok := p.agents[cfg.ReuseAgentID]
		p.agentsMu.RUnlock()
		if ok {
			return handle, nil
		}
	}

	p.agentsMu.RLock()
	count := len(p.agents)
	p.agentsMu.RUnlock()
	if count >= p.cfg.MaxAgents {
		return nil, cerrors.InvalidInput("agent_pool",
			fmt.Sprintf("Agent pool limit reached (%d/%d)", count, p.cfg.MaxAgents))
	}

	p.runtimesMu.RLock()
	rt, ok := p.runtimes[cfg.RuntimeType]
	p.runtimesMu.RUnlock()
	if !ok {
		return nil, cerrors.InvalidInput("runtime_type",
			fmt.Sprintf("Runtime %s not registered", cfg.RuntimeType))
	}

	handle, err := rt.CreateAgent(ctx, cfg)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindExecution, "create agent", err)
	}

	p.agentsMu.Lock()
	p.agents[handle.ID()] = handle
	p.agentsMu.Unlock()

	p.infoMu.Lock()
	p.agentInfo[handle.ID()] = &AgentInfo{
		ID:           handle.ID(),
		RuntimeType:  cfg.RuntimeType,
		Status:       StatusRunning,
		LastActiveAt: time.Now(),
	}
	p.infoMu.Unlock()

	return handle, nil
}

// Release either keeps the agent (resetting it to Idle) or shuts it down
// and removes it, per spec §4.2.
func (p *Pool) Release(id string, keep bool) error {
	p.agentsMu.RLock()
	handle, ok := p.agents[id]
	p.agentsMu.RUnlock()
	if !ok {
		return cerrors.NotFound("agent", id)
	}

	if keep {
		p.infoMu.Lock()
		if info, ok := p.agentInfo[id]; ok {
			info.Status = StatusIdle
			info.LastActiveAt = time.Now()
		}
		p.infoMu.Unlock()
		return nil
	}

	return p.removeAndShutdown(handle, "released")
}

// Kill unconditionally removes and shuts down an agent.
func (p *Pool) Kill(id string) error {
	p.agentsMu.RLock()
	handle, ok := p.agents[id]
	p.agentsMu.RUnlock()
	if !ok {
		return cerrors.NotFound("agent", id)
	}
	return p.removeAndShutdown(handle, "killed")
}

func (p *Pool) removeAndShutdown(handle AgentHandle, reason string) error {
	err := handle.Shutdown(reason)

	p.agentsMu.Lock()
	delete(p.agents, handle.ID())
	p.agentsMu.Unlock()

	p.infoMu.Lock()
	delete(p.agentInfo, handle.ID())
	p.infoMu.Unlock()

	return err
}

// Get returns the handle for id.
func (p *Pool) Get(id string) (AgentHandle, bool) {
	p.agentsMu.RLock()
	defer p.agentsMu.RUnlock()
	handle, ok := p.agents[id]
	return handle, ok
}

// List returns a snapshot of every tracked agent's bookkeeping record, for
// the HTTP API's agent listing endpoint.
func (p *Pool) List() []AgentInfo {
	p.infoMu.RLock()
	defer p.infoMu.RUnlock()
	out := make([]AgentInfo, 0, len(p.agentInfo))
	for _, info := range p.agentInfo {
		out = append(out, *info)
	}
	return out
}

// ShutdownAll stops the health task, then shuts down every agent,
// aggregating per-agent errors into a single joined error.
func (p *Pool) ShutdownAll() error {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.wg.Wait()

	p.agentsMu.RLock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	p.agentsMu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := p.Kill(id); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// healthLoop runs the periodic tick: scan every agent's reported status
// under a read lock, decide which to evict, then apply all updates and
// evictions in a single write pass.
func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pool) tick() {
	p.agentsMu.RLock()
	snapshot := make(map[string]AgentHandle, len(p.agents))
	for id, h := range p.agents {
		snapshot[id] = h
	}
	p.agentsMu.RUnlock()

	now := time.Now()
	toEvict := make([]string, 0)
	statusUpdates := make(map[string]AgentStatus, len(snapshot))

	for id, handle := range snapshot {
		status := handle.Status()
		statusUpdates[id] = status

		if status == StatusError || status == StatusShutdown {
			toEvict = append(toEvict, id)
			continue
		}

		if status == StatusIdle && p.cfg.AutoCleanup {
			p.infoMu.RLock()
			info, ok := p.agentInfo[id]
			p.infoMu.RUnlock()
			if ok && now.Sub(info.LastActiveAt) > p.cfg.IdleTimeout {
				toEvict = append(toEvict, id)
			}
		}
	}

	p.infoMu.Lock()
	for id, status := range statusUpdates {
		if info, ok := p.agentInfo[id]; ok {
			info.Status = status
		}
	}
	p.infoMu.Unlock()

	for _, id := range toEvict {
		if err := p.Kill(id); err != nil {
			p.log.Warn("health tick eviction failed", zap.String("agent_id", id), zap.Error(err))
		} else {
			p.log.Debug("health tick evicted agent", zap.String("agent_id", id))
		}
	}
}
