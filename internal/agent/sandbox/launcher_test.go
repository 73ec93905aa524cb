package sandbox

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"os/user"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/docker"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/process"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/config"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
)

type fakeProcess struct {
	done chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (f *fakeProcess) Stdout() io.Reader { return strings.NewReader("") }
func (f *fakeProcess) Stderr() io.Reader { return strings.NewReader("") }
func (f *fakeProcess) Done() <-chan struct{} { return f.done }
func (f *fakeProcess) State() process.State { return process.StateRunning }
func (f *fakeProcess) ExitCode() int { return 0 }
func (f *fakeProcess) Terminate(context.Context, time.Duration) error { return nil }

type recorder struct {
	cmds []*exec.Cmd
	fail map[string]error
}

func (r *recorder) start(cmd *exec.Cmd, _ string) (Process, error) {
	r.cmds = append(r.cmds, cmd)
	if err := r.fail[cmd.Args[0]]; err != nil {
		return nil, err
	}
	return newFakeProcess(), nil
}

func newTestLauncher(t *testing.T, cfg config.SandboxConfig) (*Launcher, *recorder) {
	t.Helper()
	rec := &recorder{fail: map[string]error{}}
	l := NewLauncher(cfg, config.DockerConfig{}, nil, logger.NewTestLogger(t))
	l.start = rec.start
	l.lookPath = func(name string) (string, error) { return "", exec.ErrNotFound }
	l.geteuid = func() int { return 1000 }
	l.probe = func(context.Context, string) error { return nil }
	l.chown = func(string, int, int) error { return nil }
	return l, rec
}

func testSpec() Spec {
	return Spec{
		Name:     "t1-m1",
		Command:  "claude",
		Args:     []string{"--print"},
		Dir:      "/work/t1/m1",
		Writable: []string{"/work/t1/.home/m1"},
		Env:      []string{"PATH=/usr/bin", "HOME=/work/t1/.home/m1"},
		Stdin:    "hello",
	}
}

func TestChain(t *testing.T) {
	assert.Equal(t, []Mode{ModeWrapper, ModeDocker, ModeUser, ModeDirect}, Chain(ModeAuto))
	assert.Equal(t, []Mode{ModeWrapper, ModeDocker, ModeUser, ModeDirect}, Chain(""))
	assert.Equal(t, []Mode{ModeWrapper, ModeUser, ModeDirect}, Chain(ModeWrapper))
	assert.Equal(t, []Mode{ModeDocker, ModeDirect}, Chain(ModeDocker))
	assert.Equal(t, []Mode{ModeDirect}, Chain(ModeDirect))
}

func TestWrapperArgs(t *testing.T) {
	args := WrapperArgs([]string{"--unshare-pid"}, testSpec())
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--ro-bind / /")
	assert.Contains(t, joined, "--unshare-pid")
	assert.Contains(t, joined, "--bind /work/t1/m1 /work/t1/m1")
	assert.Contains(t, joined, "--bind /work/t1/.home/m1 /work/t1/.home/m1")
	assert.True(t, strings.HasSuffix(joined, "--chdir /work/t1/m1 -- claude --print"))
}

func TestLaunch_FallsBackToDirect(t *testing.T) {
	l, rec := newTestLauncher(t, config.SandboxConfig{Mode: "auto", Wrapper: "bwrap", User: "agent"})

	h, err := l.Launch(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, h.Mode)
	require.Len(t, rec.cmds, 1)
	assert.Equal(t, "claude", rec.cmds[0].Args[0])
	assert.Equal(t, "/work/t1/m1", rec.cmds[0].Dir)
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/work/t1/.home/m1"}, rec.cmds[0].Env)
}

func TestLaunch_UsesWrapperWhenAvailable(t *testing.T) {
	l, rec := newTestLauncher(t, config.SandboxConfig{Mode: "auto", Wrapper: "bwrap"})
	l.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }

	h, err := l.Launch(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, ModeWrapper, h.Mode)
	assert.Equal(t, "bwrap", rec.cmds[0].Args[0])
	assert.Contains(t, rec.cmds[0].Args, "--chdir")
}

func TestLaunch_WrapperProbeFailureFallsBack(t *testing.T) {
	l, _ := newTestLauncher(t, config.SandboxConfig{Mode: "wrapper", Wrapper: "bwrap"})
	l.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	l.probe = func(context.Context, string) error { return errors.New("no user namespaces") }

	h, err := l.Launch(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, h.Mode)
}

func TestLaunch_WrapperSpawnFailureMarksUnavailable(t *testing.T) {
	l, rec := newTestLauncher(t, config.SandboxConfig{Mode: "auto", Wrapper: "bwrap"})
	l.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	rec.fail["bwrap"] = errors.New("exec format error")

	h, err := l.Launch(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, h.Mode)

	h, err = l.Launch(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, h.Mode)
	// second launch does not retry the wrapper
	assert.Len(t, rec.cmds, 3)
}

func TestLaunch_DirectSpawnFailureIsReturned(t *testing.T) {
	l, rec := newTestLauncher(t, config.SandboxConfig{Mode: "direct"})
	rec.fail["claude"] = exec.ErrNotFound

	_, err := l.Launch(context.Background(), testSpec())
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestLaunch_UserModeTransfersAndRestoresOwnership(t *testing.T) {
	l, rec := newTestLauncher(t, config.SandboxConfig{Mode: "user", User: "agent"})
	l.geteuid = func() int { return 0 }
	l.lookPath = func(name string) (string, error) { return "/usr/sbin/" + name, nil }
	l.lookupUser = func(name string) (*user.User, error) {
		return &user.User{Username: name, Uid: "1500", Gid: "1500"}, nil
	}
	type chownCall struct {
		path     string
		uid, gid int
	}
	var calls []chownCall
	l.chown = func(path string, uid, gid int) error {
		calls = append(calls, chownCall{path, uid, gid})
		return nil
	}

	h, err := l.Launch(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, ModeUser, h.Mode)
	assert.Equal(t, []string{"runuser", "-p", "-u", "agent", "--", "claude", "--print"}, rec.cmds[0].Args)
	require.Len(t, calls, 2)
	assert.Equal(t, 1500, calls[0].uid)

	h.Release()
	h.Release()
	require.Len(t, calls, 4)
	assert.NotEqual(t, 1500, calls[2].uid)
}

func TestLaunch_DockerMode(t *testing.T) {
	l, rec := newTestLauncher(t, config.SandboxConfig{Mode: "docker"})
	l.docker = config.DockerConfig{Enabled: true, Image: "runpool/agent:latest", Network: "host", MemoryMB: 512}
	var got docker.ContainerConfig
	var gotStdin string
	l.runContainer = func(_ context.Context, cfg docker.ContainerConfig, stdin string) (Process, error) {
		got = cfg
		gotStdin = stdin
		return newFakeProcess(), nil
	}
	l.pingDocker = func(context.Context) error { return nil }

	h, err := l.Launch(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, ModeDocker, h.Mode)
	assert.Empty(t, rec.cmds)
	assert.Equal(t, "hello", gotStdin)
	assert.Equal(t, []string{"claude", "--print"}, got.Cmd)
	assert.Equal(t, "/work/t1/m1", got.WorkingDir)
	assert.Equal(t, int64(512*1024*1024), got.Memory)
	assert.Equal(t, []string{"HOME=/work/t1/.home/m1"}, got.Env)
	require.Len(t, got.Mounts, 2)
	assert.Equal(t, "/work/t1/m1", got.Mounts[0].Source)
	assert.True(t, strings.HasPrefix(got.Name, "runpool-t1-m1-"))
}

func TestLaunch_DockerUnreachableFallsBack(t *testing.T) {
	l, _ := newTestLauncher(t, config.SandboxConfig{Mode: "docker"})
	l.docker = config.DockerConfig{Enabled: true}
	l.runContainer = func(context.Context, docker.ContainerConfig, string) (Process, error) {
		t.Fatal("container must not start when the daemon is down")
		return nil, nil
	}
	l.pingDocker = func(context.Context) error { return errors.New("connection refused") }

	h, err := l.Launch(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, h.Mode)
}
