// Package native runs agents as local PTY-backed child processes,
// grounded on internal/ptyio and internal/session.
package native

import (
	"context"
	"os/exec"

	"github.com/google/uuid"

	cerrors "github.com/cisnet/cis/internal/common/errors"
	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/pool"
	"github.com/cisnet/cis/internal/ptyio"
	"github.com/cisnet/cis/internal/session"
)

// Runtime is the pool.Runtime implementation backing native agents.
type Runtime struct {
	log *logger.Logger
}

// New constructs a native Runtime.
func New(log *logger.Logger) *Runtime {
	return &Runtime{log: log}
}

// Type implements pool.Runtime.
func (r *Runtime) Type() pool.RuntimeType { return "native" }

// CreateAgent spawns a local child process behind a PTY and wraps it in
// an Agent, which implements pool.AgentHandle over an internal/session.Session.
func (r *Runtime) CreateAgent(ctx context.Context, cfg pool.AgentConfig) (pool.AgentHandle, error) {
	if len(cfg.Command) == 0 {
		return nil, cerrors.InvalidInput("command", "native agent requires a non-empty command")
	}

	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	id := uuid.New().String()
	spawner := &processSpawner{command: cfg.Command, env: cfg.Env, workDir: cfg.WorkDir}

	sess := session.New(id, spawner, cfg.Persistent, cfg.MaxIdleSecs, r.log)
	if err := sess.Start(ctx, cols, rows); err != nil {
		return nil, err
	}

	return &Agent{id: id, session: sess}, nil
}

// processSpawner implements session.Spawner over os/exec + ptyio.StartWithSize.
type processSpawner struct {
	command []string
	env     map[string]string
	workDir string
}

func (p *processSpawner) Spawn(cols, rows int) (ptyio.Handle, error) {
	cmd := exec.Command(p.command[0], p.command[1:]...)
	if p.workDir != "" {
		cmd.Dir = p.workDir
	}
	if len(p.env) > 0 {
		cmd.Env = append(cmd.Env, envSlice(p.env)...)
	}
	return ptyio.StartWithSize(cmd, cols, rows)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Agent adapts an internal/session.Session to pool.AgentHandle.
type Agent struct {
	id      string
	session *session.Session
}

// ID implements pool.AgentHandle.
func (a *Agent) ID() string { return a.id }

// Status maps the session's fine-grained state onto the pool's status enum.
func (a *Agent) Status() pool.AgentStatus {
	switch a.session.State() {
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

// Shutdown implements pool.AgentHandle.
func (a *Agent) Shutdown(reason string) error {
	a.session.Shutdown(reason)
	return nil
}

// Session exposes the underlying Session for callers that need PTY I/O
// (e.g. the WebSocket transport attaching an interactive user).
func (a *Agent) Session() *session.Session { return a.session }
