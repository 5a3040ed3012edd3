// Package docker runs agents as docker containers with an attached PTY,
// adapted from the teacher's container lifecycle wrapper.
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/cisnet/cis/internal/common/logger"
)

// ContainerConfig holds configuration for creating an interactive container.
type ContainerConfig struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []MountConfig
	Memory     int64
	CPUQuota   int64
	Labels     map[string]string
}

// MountConfig holds bind-mount configuration.
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
}

// AttachResult bundles the streams of an attached interactive container.
type AttachResult struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Conn   net.Conn
}

// Close closes the attach result's stdin and underlying connection.
func (a *AttachResult) Close() error {
	if a.Stdin != nil {
		_ = a.Stdin.Close()
	}
	if a.Conn != nil {
		_ = a.Conn.Close()
	}
	return nil
}

// Client wraps the Docker SDK client for the subset of operations the
// docker Runtime needs.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient creates a Client using the Docker SDK's environment discovery
// (DOCKER_HOST, etc.) plus API version negotiation.
func NewClient(log *logger.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{cli: cli, logger: log}, nil
}

// Close closes the underlying Docker client connection.
func (c *Client) Close() error { return c.cli.Close() }

// Logger returns the Client's logger, for callers outside this package
// that need to log alongside a container operation (e.g. the runtime's spawner).
func (c *Client) Logger() *logger.Logger { return c.logger }

// CreateInteractive creates a container with a TTY and stdin attached, so
// its combined stdout+stderr stream can back a pseudo-terminal view.
func (c *Client) CreateInteractive(ctx context.Context, cfg ContainerConfig) (string, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Labels:       cfg.Labels,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	}
	hostCfg := &container.HostConfig{
		Mounts:     mounts,
		AutoRemove: false,
		Resources: container.Resources{
			Memory:   cfg.Memory,
			CPUQuota: cfg.CPUQuota,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

// Start starts containerID.
func (c *Client) Start(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// Attach attaches to a container's stdin/stdout/stderr over one
// multiplexed TTY connection.
func (c *Client) Attach(ctx context.Context, containerID string) (*AttachResult, error) {
	resp, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		_, _ = io.Copy(resp.Conn, stdinReader)
	}()

	return &AttachResult{Stdin: stdinWriter, Stdout: resp.Reader, Conn: resp.Conn}, nil
}

// Resize resizes the container's TTY.
func (c *Client) Resize(ctx context.Context, containerID string, cols, rows uint16) error {
	return c.cli.ContainerResize(ctx, containerID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

// Stop stops containerID, waiting up to timeout before killing it.
func (c *Client) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// Remove removes containerID.
func (c *Client) Remove(ctx context.Context, containerID string, force bool) error {
	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// Inspect returns the container's exit code and running state.
func (c *Client) Inspect(ctx context.Context, containerID string) (running bool, exitCode int, err error) {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, 0, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	if info.State == nil {
		return false, 0, nil
	}
	return info.State.Running, info.State.ExitCode, nil
}
