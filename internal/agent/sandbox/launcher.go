// Package sandbox launches agent and preview commands with their writable
// scope confined to a run directory.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/docker"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/process"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/config"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
)

// Mode is a confinement strategy.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeWrapper Mode = "wrapper"
	ModeDocker  Mode = "docker"
	ModeUser    Mode = "user"
	ModeDirect  Mode = "direct"
)

// ErrUnavailable is returned when no strategy in the chain could launch.
var ErrUnavailable = errors.New("no sandbox strategy available")

// Process is a launched command, either a host process group or a container.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Done() <-chan struct{}
	State() process.State
	ExitCode() int
	Terminate(ctx context.Context, grace time.Duration) error
}

// Spec describes one command to launch.
type Spec struct {
	// Name identifies the launch in logs and container names.
	Name    string
	Command string
	Args    []string
	// Dir is the working directory and the main writable path.
	Dir string
	// Writable are extra paths the command may write, e.g. its HOME.
	Writable []string
	// ReadOnly are host paths outside Dir the command reads. Only containers
	// need them mounted since the other modes see the host filesystem.
	ReadOnly []string
	Env      []string
	Stdin    string
	Labels   map[string]string
}

// Handle is a launched process plus the cleanup owed once it has exited.
type Handle struct {
	Process
	Mode Mode

	once    sync.Once
	release func()
}

// Release undoes launch-time changes such as ownership transfers. It must be
// called after the process is gone; repeated calls are no-ops.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// containerRunner starts a container; *docker.Client satisfies it through an adapter.
type containerRunner func(ctx context.Context, cfg docker.ContainerConfig, stdin string) (Process, error)

// Launcher picks a confinement strategy per launch and falls back along a
// fixed chain when a strategy is unavailable.
type Launcher struct {
	cfg    config.SandboxConfig
	docker config.DockerConfig
	logger *logger.Logger

	runContainer containerRunner
	pingDocker   func(ctx context.Context) error

	lookPath   func(string) (string, error)
	lookupUser func(string) (*user.User, error)
	geteuid    func() int
	start      func(cmd *exec.Cmd, stdin string) (Process, error)
	probe      func(ctx context.Context, wrapper string) error
	chown      func(root string, uid, gid int) error

	mu        sync.Mutex
	available map[Mode]bool
}

// NewLauncher creates a Launcher. dockerClient may be nil, which disables the docker mode.
func NewLauncher(cfg config.SandboxConfig, dockerCfg config.DockerConfig, dockerClient *docker.Client, log *logger.Logger) *Launcher {
	l := &Launcher{
		cfg:        cfg,
		docker:     dockerCfg,
		logger:     log.Component("sandbox"),
		lookPath:   exec.LookPath,
		lookupUser: user.Lookup,
		geteuid:    os.Geteuid,
		start: func(cmd *exec.Cmd, stdin string) (Process, error) {
			return process.Start(cmd, stdin)
		},
		probe:     probeWrapper,
		chown:     chownTree,
		available: make(map[Mode]bool),
	}
	if dockerClient != nil {
		l.runContainer = func(ctx context.Context, c docker.ContainerConfig, stdin string) (Process, error) {
			return dockerClient.Run(ctx, c, stdin)
		}
		l.pingDocker = dockerClient.Ping
	}
	return l
}

// Chain returns the strategies tried for mode, most confined first.
func Chain(mode Mode) []Mode {
	switch mode {
	case ModeWrapper:
		return []Mode{ModeWrapper, ModeUser, ModeDirect}
	case ModeDocker:
		return []Mode{ModeDocker, ModeDirect}
	case ModeUser:
		return []Mode{ModeUser, ModeDirect}
	case ModeDirect:
		return []Mode{ModeDirect}
	default:
		return []Mode{ModeWrapper, ModeDocker, ModeUser, ModeDirect}
	}
}

// Launch starts spec under the first available strategy of the configured chain.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	var lastErr error
	for _, mode := range Chain(Mode(l.cfg.Mode)) {
		if !l.isAvailable(ctx, mode) {
			continue
		}
		h, err := l.launchAs(ctx, mode, spec)
		if err == nil {
			l.logger.Debug("Launched",
				zap.String("name", spec.Name),
				zap.String("mode", string(mode)),
				zap.String("dir", spec.Dir))
			return h, nil
		}
		// a missing binary is a spawn failure, not a sandbox problem
		if mode == ModeDirect {
			return nil, err
		}
		l.logger.Warn("Sandbox launch failed, falling back",
			zap.String("name", spec.Name),
			zap.String("mode", string(mode)),
			zap.Error(err))
		l.markUnavailable(mode)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	return nil, fmt.Errorf("launch %s: %w", spec.Name, lastErr)
}

func (l *Launcher) markUnavailable(mode Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available[mode] = false
}

func (l *Launcher) isAvailable(ctx context.Context, mode Mode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ok, cached := l.available[mode]; cached {
		return ok
	}
	ok := l.detect(ctx, mode)
	l.available[mode] = ok
	if !ok && mode != ModeDirect {
		l.logger.Info("Sandbox strategy unavailable", zap.String("mode", string(mode)))
	}
	return ok
}

func (l *Launcher) detect(ctx context.Context, mode Mode) bool {
	switch mode {
	case ModeWrapper:
		if l.cfg.Wrapper == "" {
			return false
		}
		path, err := l.lookPath(l.cfg.Wrapper)
		if err != nil {
			return false
		}
		return l.probe(ctx, path) == nil
	case ModeDocker:
		if !l.docker.Enabled || l.runContainer == nil {
			return false
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return l.pingDocker(pingCtx) == nil
	case ModeUser:
		if l.cfg.User == "" || l.geteuid() != 0 {
			return false
		}
		if _, err := l.lookPath("runuser"); err != nil {
			return false
		}
		_, err := l.lookupUser(l.cfg.User)
		return err == nil
	case ModeDirect:
		return true
	}
	return false
}

func (l *Launcher) launchAs(ctx context.Context, mode Mode, spec Spec) (*Handle, error) {
	switch mode {
	case ModeWrapper:
		return l.launchWrapped(spec)
	case ModeDocker:
		return l.launchContainer(ctx, spec)
	case ModeUser:
		return l.launchAsUser(spec)
	default:
		return l.launchCommand(ModeDirect, spec.Command, spec.Args, spec, nil)
	}
}

func (l *Launcher) launchCommand(mode Mode, name string, args []string, spec Spec, release func()) (*Handle, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	p, err := l.start(cmd, spec.Stdin)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	return &Handle{Process: p, Mode: mode, release: release}, nil
}

// WrapperArgs builds the bubblewrap invocation: the host is visible read-only
// and only spec.Dir and spec.Writable are writable.
func WrapperArgs(extra []string, spec Spec) []string {
	args := []string{
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--die-with-parent",
	}
	args = append(args, extra...)
	for _, p := range append([]string{spec.Dir}, spec.Writable...) {
		args = append(args, "--bind", p, p)
	}
	args = append(args, "--chdir", spec.Dir, "--", spec.Command)
	return append(args, spec.Args...)
}

func (l *Launcher) launchWrapped(spec Spec) (*Handle, error) {
	return l.launchCommand(ModeWrapper, l.cfg.Wrapper, WrapperArgs(l.cfg.Args, spec), spec, nil)
}

func (l *Launcher) launchAsUser(spec Spec) (*Handle, error) {
	u, err := l.lookupUser(l.cfg.User)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", l.cfg.User, err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	paths := append([]string{spec.Dir}, spec.Writable...)
	for _, p := range paths {
		if err := l.chown(p, uid, gid); err != nil {
			return nil, fmt.Errorf("hand %s to %s: %w", p, l.cfg.User, err)
		}
	}
	ownerUID, ownerGID := os.Geteuid(), os.Getegid()
	release := func() {
		for _, p := range paths {
			if err := l.chown(p, ownerUID, ownerGID); err != nil {
				l.logger.Warn("Failed to restore ownership", zap.String("path", p), zap.Error(err))
			}
		}
	}

	args := append([]string{"-p", "-u", l.cfg.User, "--", spec.Command}, spec.Args...)
	return l.launchCommand(ModeUser, "runuser", args, spec, release)
}

func (l *Launcher) launchContainer(ctx context.Context, spec Spec) (*Handle, error) {
	mounts := []docker.MountConfig{{Source: spec.Dir, Target: spec.Dir}}
	for _, p := range spec.Writable {
		mounts = append(mounts, docker.MountConfig{Source: p, Target: p})
	}
	for _, p := range spec.ReadOnly {
		mounts = append(mounts, docker.MountConfig{Source: p, Target: p, ReadOnly: true})
	}
	cfg := docker.ContainerConfig{
		Name:        docker.ContainerName(spec.Name, strconv.FormatInt(time.Now().UnixNano(), 36)),
		Image:       l.docker.Image,
		Cmd:         append([]string{spec.Command}, spec.Args...),
		Env:         containerEnv(spec.Env),
		WorkingDir:  spec.Dir,
		Mounts:      mounts,
		NetworkMode: l.docker.Network,
		Memory:      l.docker.MemoryMB * 1024 * 1024,
		Labels:      spec.Labels,
	}
	p, err := l.runContainer(ctx, cfg, spec.Stdin)
	if err != nil {
		return nil, err
	}
	return &Handle{Process: p, Mode: ModeDocker}, nil
}

// containerEnv drops host paths the image defines for itself.
func containerEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") || strings.HasPrefix(kv, "SHELL=") || strings.HasPrefix(kv, "TMPDIR=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// probeWrapper checks that the wrapper can actually create a sandbox here;
// bwrap installs often fail without user namespaces.
func probeWrapper(ctx context.Context, wrapper string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, wrapper, "--ro-bind", "/", "/", "--dev", "/dev", "--", "true").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s probe: %w: %s", wrapper, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func chownTree(root string, uid, gid int) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}
