package docker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/process"
)

// Container is an attached, one-shot container run. It offers the same
// surface as process.Group so executors can treat both alike.
type Container struct {
	client *Client
	id     string
	stdout *io.PipeReader
	stderr *io.PipeReader

	mu       sync.Mutex
	state    process.State
	exitCode int
	done     chan struct{}
}

// Run creates the container, attaches to its streams, starts it and writes
// stdin before closing the input side. The container is removed after it exits.
func (c *Client) Run(ctx context.Context, cfg ContainerConfig, stdin string) (*Container, error) {
	id, err := c.CreateContainer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// attach before start so no early output is lost
	resp, err := c.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = c.RemoveContainer(context.WithoutCancel(ctx), id, true)
		return nil, fmt.Errorf("failed to attach to container %s: %w", id, err)
	}

	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		resp.Close()
		_ = c.RemoveContainer(context.WithoutCancel(ctx), id, true)
		return nil, fmt.Errorf("failed to start container %s: %w", id, err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	ctr := &Container{
		client: c,
		id:     id,
		stdout: outR,
		stderr: errR,
		state:  process.StateRunning,
		done:   make(chan struct{}),
	}

	go func() {
		if stdin != "" {
			if _, err := io.WriteString(resp.Conn, stdin); err != nil {
				c.logger.Warn("Failed to write container stdin", zap.String("container_id", id), zap.Error(err))
			}
		}
		_ = resp.CloseWrite()
	}()

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		if _, err := stdcopy.StdCopy(outW, errW, resp.Reader); err != nil {
			c.logger.Debug("Container stream ended", zap.String("container_id", id), zap.Error(err))
		}
		_ = outW.Close()
		_ = errW.Close()
	}()

	go func() {
		code, err := c.WaitContainer(context.Background(), id)
		if err != nil {
			c.logger.Warn("Container wait failed", zap.String("container_id", id), zap.Error(err))
		}
		select {
		case <-copied:
		case <-time.After(process.DefaultGrace):
			resp.Close()
			<-copied
		}
		resp.Close()
		_ = c.RemoveContainer(context.Background(), id, true)

		ctr.mu.Lock()
		ctr.exitCode = int(code)
		ctr.state = process.StateGone
		ctr.mu.Unlock()
		close(ctr.done)
	}()

	c.logger.Info("Container started", zap.String("container_id", id), zap.String("name", cfg.Name))
	return ctr, nil
}

// ID returns the container id.
func (ct *Container) ID() string { return ct.id }

// Stdout returns the demultiplexed output stream.
func (ct *Container) Stdout() io.Reader { return ct.stdout }

// Stderr returns the demultiplexed error stream.
func (ct *Container) Stderr() io.Reader { return ct.stderr }

// Done is closed once the container has exited and been removed.
func (ct *Container) Done() <-chan struct{} { return ct.done }

// State returns the current lifecycle state.
func (ct *Container) State() process.State {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.state
}

// ExitCode returns the container exit status after Done.
func (ct *Container) ExitCode() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.exitCode
}

// Terminate stops the container with grace before the daemon kills it.
// Repeated calls are no-ops.
func (ct *Container) Terminate(ctx context.Context, grace time.Duration) error {
	ct.mu.Lock()
	if ct.state == process.StateGone || ct.state == process.StateTerminating {
		ct.mu.Unlock()
		return nil
	}
	ct.state = process.StateTerminating
	ct.mu.Unlock()

	if err := ct.client.StopContainer(ctx, ct.id, grace); err != nil {
		ct.client.logger.Warn("Container stop failed, killing", zap.String("container_id", ct.id), zap.Error(err))
		if kerr := ct.client.KillContainer(context.WithoutCancel(ctx), ct.id, "SIGKILL"); kerr != nil {
			return kerr
		}
	}

	select {
	case <-ct.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
