// Package process owns OS process groups spawned for agent runs and preview servers.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// State is the lifecycle of a Group.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateTerminating
	StateGone
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return "gone"
	}
}

// DefaultGrace is the delay between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

// Group is a started command running in its own process group. Output is
// exposed as readers that reach EOF once the process has exited and its
// output has been drained.
type Group struct {
	cmd    *exec.Cmd
	pid    int
	stdout *io.PipeReader
	stderr *io.PipeReader

	mu       sync.Mutex
	state    State
	exitCode int
	waitErr  error
	done     chan struct{}
}

// Start starts cmd in a new process group. stdin, when not empty, is written
// to the process and its input is closed afterwards.
func Start(cmd *exec.Cmd, stdin string) (*Group, error) {
	setProcGroup(cmd)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.Stdin = strings.NewReader(stdin)
	// bound the wait for grandchildren that inherited the output pipes
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultGrace
	}

	g := &Group{
		cmd:    cmd,
		stdout: outR,
		stderr: errR,
		state:  StateStarting,
		done:   make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		g.state = StateGone
		g.exitCode = -1
		g.waitErr = err
		close(g.done)
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	g.pid = cmd.Process.Pid
	g.setState(StateRunning)

	go func() {
		err := cmd.Wait()
		code := exitCode(cmd, err)
		_ = outW.Close()
		_ = errW.Close()

		g.mu.Lock()
		g.exitCode = code
		if err != nil && !isExitError(err) {
			g.waitErr = err
		}
		g.state = StateGone
		g.mu.Unlock()
		close(g.done)
	}()

	return g, nil
}

// Pid returns the process id, which is also the process group id.
func (g *Group) Pid() int { return g.pid }

// Stdout returns the output stream of the process.
func (g *Group) Stdout() io.Reader { return g.stdout }

// Stderr returns the error stream of the process.
func (g *Group) Stderr() io.Reader { return g.stderr }

// Done is closed once the process has exited.
func (g *Group) Done() <-chan struct{} { return g.done }

// State returns the current lifecycle state.
func (g *Group) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ExitCode returns the exit code after Done; a signaled process reports 128+signal.
func (g *Group) ExitCode() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exitCode
}

// Wait blocks until the process exits and returns its exit code.
func (g *Group) Wait() (int, error) {
	<-g.done
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exitCode, g.waitErr
}

// Terminate sends SIGTERM to the whole group and SIGKILL after grace if it is
// still alive, then waits for the exit. Calling it on a group that is already
// terminating or gone is a no-op that returns nil.
func (g *Group) Terminate(ctx context.Context, grace time.Duration) error {
	g.mu.Lock()
	if g.state == StateGone || g.state == StateTerminating {
		g.mu.Unlock()
		return nil
	}
	g.state = StateTerminating
	g.mu.Unlock()

	if err := terminateProcessGroup(g.pid); err != nil {
		return g.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-g.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return g.Kill()
}

// Kill sends SIGKILL to the whole group and waits for the exit.
func (g *Group) Kill() error {
	select {
	case <-g.done:
		return nil
	default:
	}
	if err := killProcessGroup(g.pid); err != nil {
		// the leader may be gone while the group lingers
		if g.cmd.Process != nil {
			_ = g.cmd.Process.Kill()
		}
	}
	<-g.done
	return nil
}

func (g *Group) setState(s State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateGone {
		g.state = s
	}
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// exitCode mirrors the shell convention for signaled processes.
func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState == nil {
		return -1
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := cmd.ProcessState.ExitCode(); code >= 0 {
		return code
	}
	if err != nil {
		return 1
	}
	return 0
}
