package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/credentials"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/sandbox"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/executor"
)

// ScriptName is the file the script agent writes in its scratch copy.
const ScriptName = ".runpool-preview.sh"

// ScriptPath returns where the run script of the artifact in runDir is
// installed: beside the run's raw log, outside the artifact itself.
func ScriptPath(runDir string) string {
	runDir = filepath.Clean(runDir)
	return filepath.Join(filepath.Dir(runDir), ".logs", filepath.Base(runDir)+".preview.sh")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ScriptRequest asks for a run script for one artifact.
type ScriptRequest struct {
	TaskID  string
	ModelID string
	Dir     string
	Hint    Classification
}

// ScriptGenerator produces the command that starts a dynamic artifact.
// An empty command with a nil error means no script could be produced.
type ScriptGenerator interface {
	Generate(ctx context.Context, req ScriptRequest) (string, error)
}

// Launcher starts sandboxed processes.
type Launcher interface {
	Launch(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error)
}

// AgentScriptGenerator asks a one-shot agent to write the run script inside
// an isolated copy of the artifact, so the run's own files are never touched.
type AgentScriptGenerator struct {
	launcher Launcher
	logger   *logger.Logger

	ScratchRoot  string
	AgentCommand string
	AgentArgs    []string
	ProxyURL     string
	ExtraEnv     map[string]string
	Timeout      time.Duration
	Grace        time.Duration
}

// NewAgentScriptGenerator creates a generator writing scratch copies under scratchRoot.
func NewAgentScriptGenerator(launcher Launcher, scratchRoot string, log *logger.Logger) *AgentScriptGenerator {
	return &AgentScriptGenerator{
		launcher:    launcher,
		logger:      log.Component("preview-scriptgen"),
		ScratchRoot: scratchRoot,
		Timeout:     5 * time.Minute,
		Grace:       5 * time.Second,
	}
}

// Prompt is the instruction given to the script agent.
func Prompt(hint Classification) string {
	var b strings.Builder
	b.WriteString("This directory contains a generated project. Do not modify any existing file.\n")
	b.WriteString("Write a POSIX shell script named " + ScriptName + " in the current directory that ")
	b.WriteString("installs whatever dependencies the project needs and then starts it in the foreground ")
	b.WriteString("as an HTTP server listening on 127.0.0.1, on the port given by the PORT environment variable.\n")
	b.WriteString("The script must not exit while the server runs and must not open a browser.\n")
	if hint.Marker != "" {
		b.WriteString("The project was detected through " + hint.Marker + ".")
		if hint.Command != "" {
			b.WriteString(" A likely start command is: " + hint.Command)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Generate runs the agent on a scratch copy of req.Dir and installs the
// script it wrote at ScriptPath(req.Dir).
func (g *AgentScriptGenerator) Generate(ctx context.Context, req ScriptRequest) (string, error) {
	if g.AgentCommand == "" {
		return "", errors.New("no agent command configured for script generation")
	}
	scratch := filepath.Join(g.ScratchRoot, req.TaskID, req.ModelID)
	home := filepath.Join(g.ScratchRoot, req.TaskID, ".home-"+req.ModelID)
	if err := os.RemoveAll(scratch); err != nil {
		return "", fmt.Errorf("clear scratch copy: %w", err)
	}
	for _, dir := range []string{scratch, home} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	copied, err := executor.SeedFromBase(req.Dir, scratch, g.logger)
	if err != nil {
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	g.logger.Debug("artifact copied for script generation",
		zap.String("task_id", req.TaskID),
		zap.String("model_id", req.ModelID),
		zap.Int("files", copied))

	runCtx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	env := credentials.BuildEnv(credentials.EnvOptions{
		ModelID:  req.ModelID,
		ProxyURL: g.ProxyURL,
		Home:     home,
		Extra:    g.ExtraEnv,
	})
	handle, err := g.launcher.Launch(runCtx, sandbox.Spec{
		Name:     "preview-script-" + req.TaskID + "-" + req.ModelID,
		Command:  g.AgentCommand,
		Args:     g.AgentArgs,
		Dir:      scratch,
		Writable: []string{home},
		Env:      env,
		Stdin:    Prompt(req.Hint),
		Labels:   map[string]string{"runpool.task": req.TaskID, "runpool.model": req.ModelID, "runpool.role": "preview-script"},
	})
	if err != nil {
		return "", fmt.Errorf("launch script agent: %w", err)
	}
	defer handle.Release()
	go func() { _, _ = io.Copy(io.Discard, handle.Stdout()) }()
	go func() { _, _ = io.Copy(io.Discard, handle.Stderr()) }()

	select {
	case <-handle.Done():
	case <-runCtx.Done():
		g.logger.Warn("script agent timed out", zap.String("task_id", req.TaskID), zap.String("model_id", req.ModelID))
		termCtx, termCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*g.Grace)
		_ = handle.Terminate(termCtx, g.Grace)
		termCancel()
	}

	script, err := os.ReadFile(filepath.Join(scratch, ScriptName))
	if err != nil || len(strings.TrimSpace(string(script))) == 0 {
		g.logger.Info("script agent produced no run script",
			zap.String("task_id", req.TaskID),
			zap.String("model_id", req.ModelID),
			zap.Int("exit_code", handle.ExitCode()))
		return "", nil
	}
	target := ScriptPath(req.Dir)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("install run script: %w", err)
	}
	if err := os.WriteFile(target, script, 0o755); err != nil {
		return "", fmt.Errorf("install run script: %w", err)
	}
	return "sh " + shellQuote(target), nil
}
