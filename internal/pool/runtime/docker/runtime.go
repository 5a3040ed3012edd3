package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/cisnet/cis/internal/common/errors"
	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/pool"
	"github.com/cisnet/cis/internal/ptyio"
	"github.com/cisnet/cis/internal/session"
)

const stopTimeout = 10 * time.Second

// Runtime is the pool.Runtime implementation backing docker-container agents.
type Runtime struct {
	client *Client
	log    *logger.Logger
}

// New constructs a docker Runtime over an already-connected Client.
func New(client *Client, log *logger.Logger) *Runtime {
	return &Runtime{client: client, log: log}
}

// Type implements pool.Runtime.
func (r *Runtime) Type() pool.RuntimeType { return "docker" }

// CreateAgent creates and starts an interactive container, then wraps its
// attach stream in an internal/session.Session for PTY-shaped I/O.
func (r *Runtime) CreateAgent(ctx context.Context, cfg pool.AgentConfig) (pool.AgentHandle, error) {
	if cfg.AgentType == "" {
		return nil, cerrors.InvalidInput("agent_type", "docker agent requires an image name in AgentType")
	}

	id := uuid.New().String()
	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	containerID, err := r.client.CreateInteractive(ctx, ContainerConfig{
		Name:       fmt.Sprintf("cis-agent-%s", id[:8]),
		Image:      cfg.AgentType,
		Cmd:        cfg.Command,
		Env:        env,
		WorkingDir: cfg.WorkDir,
		Labels:     map[string]string{"cis.managed": "true", "cis.agent_id": id},
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindExecution, "create docker agent container", err)
	}

	if err := r.client.Start(ctx, containerID); err != nil {
		_ = r.client.Remove(context.Background(), containerID, true)
		return nil, cerrors.Wrap(cerrors.KindExecution, "start docker agent container", err)
	}

	spawner := &containerSpawner{client: r.client, containerID: containerID}
	sess := session.New(id, spawner, cfg.Persistent, cfg.MaxIdleSecs, r.log)
	if err := sess.Start(ctx, cols, rows); err != nil {
		_ = r.client.Remove(context.Background(), containerID, true)
		return nil, err
	}

	return &Agent{id: id, containerID: containerID, client: r.client, session: sess}, nil
}

// containerSpawner implements session.Spawner over an already-running
// container's attach stream.
type containerSpawner struct {
	client      *Client
	containerID string
}

func (s *containerSpawner) Spawn(cols, rows int) (ptyio.Handle, error) {
	attach, err := s.client.Attach(context.Background(), s.containerID)
	if err != nil {
		return nil, err
	}
	if err := s.client.Resize(context.Background(), s.containerID, uint16(cols), uint16(rows)); err != nil {
		s.client.Logger().Warn("initial container resize failed")
	}
	return &containerHandle{client: s.client, containerID: s.containerID, attach: attach}, nil
}

// containerHandle adapts an AttachResult to ptyio.Handle.
type containerHandle struct {
	client      *Client
	containerID string
	attach      *AttachResult
}

func (h *containerHandle) Read(p []byte) (int, error)  { return h.attach.Stdout.Read(p) }
func (h *containerHandle) Write(p []byte) (int, error) { return h.attach.Stdin.Write(p) }
func (h *containerHandle) Close() error                { return h.attach.Close() }

func (h *containerHandle) Resize(cols, rows uint16) error {
	return h.client.Resize(context.Background(), h.containerID, cols, rows)
}

// Agent adapts a container-backed Session to pool.AgentHandle.
type Agent struct {
	id          string
	containerID string
	client      *Client
	session     *session.Session
}

// ID implements pool.AgentHandle.
func (a *Agent) ID() string { return a.id }

// Status maps the session's state, and falls back to a container inspect
// when the session has not yet observed the container exiting on its own.
func (a *Agent) Status() pool.AgentStatus {
	switch a.session.State() {
	case session.StateIdle:
		return pool.StatusIdle
	case session.StateFailed:
		return pool.StatusError
	case session.StateKilled, session.StateCompleted:
		return pool.StatusShutdown
	default:
		running, _, err := a.client.Inspect(context.Background(), a.containerID)
		if err == nil && !running {
			return pool.StatusShutdown
		}
		return pool.StatusRunning
	}
}

// Shutdown stops the session's I/O bridge, then stops and removes the container.
func (a *Agent) Shutdown(reason string) error {
	a.session.Shutdown(reason)
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.client.Stop(ctx, a.containerID, stopTimeout); err != nil {
		return err
	}
	return a.client.Remove(context.Background(), a.containerID, true)
}

// Session exposes the underlying Session, e.g. for an interactive attach.
func (a *Agent) Session() *session.Session { return a.session }

var _ io.Closer = (*containerHandle)(nil)
