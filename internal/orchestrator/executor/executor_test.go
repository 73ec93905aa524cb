//go:build unix

package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/sandbox"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/config"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events/bus"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/scheduler"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

const (
	assistantText = `{"type":"assistant","message":{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"All done"}],"usage":{"input_tokens":10,"output_tokens":5}}}`
	resultOK      = `{"type":"result","subtype":"success","is_error":false,"result":"All done","num_turns":1}`
)

type staticSecrets []string

func (s staticSecrets) Secrets(context.Context, string) []string { return s }

type harness struct {
	repo     *repository.MemoryRepository
	exec     *Executor
	finished chan *bus.Event
	workRoot string
}

func newHarness(t *testing.T, script string, secrets ...string) *harness {
	t.Helper()
	log := logger.NewTestLogger(t)
	repo := repository.NewMemoryRepository()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	finished := make(chan *bus.Event, 16)
	_, err := eventBus.Subscribe(events.RunFinished, func(_ context.Context, ev *bus.Event) error {
		finished <- ev
		return nil
	})
	require.NoError(t, err)

	workRoot := t.TempDir()
	launcher := sandbox.NewLauncher(config.SandboxConfig{Mode: "direct"}, config.DockerConfig{}, nil, log)
	ex := NewExecutor(repo, launcher, staticSecrets(secrets), eventBus, log, Options{
		WorkRoot:            workRoot,
		AgentCommand:        "sh",
		AgentArgs:           []string{"-c", script},
		ProxyURL:            "http://127.0.0.1:8787",
		RequireTrailingText: true,
		FlushInterval:       10 * time.Millisecond,
		Grace:               time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ex.Shutdown(ctx, models.StopReasonManual)
	})
	return &harness{repo: repo, exec: ex, finished: finished, workRoot: workRoot}
}

// admit creates a task with one model and moves its run to running.
func (h *harness) admit(t *testing.T, task *models.Task) *models.Run {
	t.Helper()
	ctx := context.Background()
	runs, err := h.repo.CreateTask(ctx, task, []string{"model-a"})
	require.NoError(t, err)
	ok, err := h.repo.TransitionRun(ctx, runs[0].ID, []models.RunStatus{models.RunStatusPending}, models.RunStatusRunning, "")
	require.NoError(t, err)
	require.True(t, ok)
	return runs[0]
}

func (h *harness) waitFinished(t *testing.T) *bus.Event {
	t.Helper()
	select {
	case ev := <-h.finished:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
		return nil
	}
}

func script(lines ...string) string {
	var b strings.Builder
	b.WriteString("cat > /dev/null\n")
	for _, l := range lines {
		b.WriteString("printf '%s\\n' '" + l + "'\n")
	}
	return b.String()
}

func TestStart_CompletesRun(t *testing.T) {
	h := newHarness(t, script(assistantText, resultOK))
	run := h.admit(t, &models.Task{Prompt: "build it"})

	require.NoError(t, h.exec.Start(context.Background(), run))
	ev := h.waitFinished(t)
	assert.Equal(t, run.ID, ev.String("run_id"))
	assert.Equal(t, string(models.RunStatusCompleted), ev.String("status"))

	got, err := h.repo.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, int64(10), got.Stats.InputTokens)

	entry, err := h.repo.GetQueueEntry(context.Background(), run.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, entry.Status)

	raw, err := os.ReadFile(h.exec.RawLogPath(run.TaskID, run.ModelID))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"))

	assert.DirExists(t, h.exec.RunDir(run.TaskID, run.ModelID))
	assert.False(t, h.exec.Has(run.TaskID, run.ModelID))
}

func TestStart_NonzeroExitWithoutResultIsStopped(t *testing.T) {
	h := newHarness(t, script(assistantText)+"exit 3\n")
	run := h.admit(t, &models.Task{Prompt: "p"})

	require.NoError(t, h.exec.Start(context.Background(), run))
	h.waitFinished(t)

	got, err := h.repo.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopped, got.Status)
	assert.Equal(t, models.StopReasonNone, got.StopReason)
}

func TestStart_PromptReachesStdin(t *testing.T) {
	h := newHarness(t, `read line; test "$line" = "hello agent" && printf '%s\n' '`+assistantText+`' '`+resultOK+`'`)
	run := h.admit(t, &models.Task{Prompt: "hello agent"})

	require.NoError(t, h.exec.Start(context.Background(), run))
	assert.Equal(t, string(models.RunStatusCompleted), h.waitFinished(t).String("status"))
}

func TestStart_EnvironmentCarriesNoSecrets(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-real-secret-value")
	h := newHarness(t, `cat > /dev/null; env > "$PWD/env.txt"`)
	run := h.admit(t, &models.Task{Prompt: "p"})

	require.NoError(t, h.exec.Start(context.Background(), run))
	h.waitFinished(t)

	env, err := os.ReadFile(filepath.Join(h.exec.RunDir(run.TaskID, run.ModelID), "env.txt"))
	require.NoError(t, err)
	assert.NotContains(t, string(env), "sk-real-secret-value")
	assert.Contains(t, string(env), "ANTHROPIC_BASE_URL=http://127.0.0.1:8787/m/model-a")
}

func TestStart_RedactsSecretsInRawLog(t *testing.T) {
	h := newHarness(t, script(`{"type":"system","note":"key sk-live-123456 used"}`), "sk-live-123456")
	run := h.admit(t, &models.Task{Prompt: "p"})

	require.NoError(t, h.exec.Start(context.Background(), run))
	h.waitFinished(t)

	raw, err := os.ReadFile(h.exec.RawLogPath(run.TaskID, run.ModelID))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-live-123456")
	assert.Contains(t, string(raw), "[REDACTED]")
}

func TestStart_LaunchFailureStopsRun(t *testing.T) {
	h := newHarness(t, "")
	h.exec.opts.AgentCommand = "/nonexistent/agent-binary"
	run := h.admit(t, &models.Task{Prompt: "p"})

	err := h.exec.Start(context.Background(), run)
	require.Error(t, err)
	h.waitFinished(t)

	got, err := h.repo.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopped, got.Status)
	assert.Equal(t, 0, h.exec.ActiveCount())

	evs, err := h.repo.ListLogEvents(context.Background(), run.ID, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, models.EventTypeError, evs[0].Type)
}

func TestStop_TerminatesAndIsIdempotent(t *testing.T) {
	h := newHarness(t, "cat > /dev/null; exec sleep 30")
	run := h.admit(t, &models.Task{Prompt: "p"})
	ctx := context.Background()

	require.NoError(t, h.exec.Start(ctx, run))
	assert.True(t, h.exec.Has(run.TaskID, run.ModelID))
	assert.Equal(t, 1, h.exec.ActiveCount())
	assert.ErrorIs(t, h.exec.Start(ctx, run), ErrAlreadyRunning)

	require.NoError(t, h.exec.Stop(ctx, run.TaskID, run.ModelID, models.StopReasonManual))
	assert.False(t, h.exec.Has(run.TaskID, run.ModelID))

	got, err := h.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopped, got.Status)
	assert.Equal(t, models.StopReasonManual, got.StopReason)

	require.NoError(t, h.exec.Stop(ctx, run.TaskID, run.ModelID, models.StopReasonManual))
	again, err := h.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, got.StopReason, again.StopReason)
	assert.Equal(t, got.Status, again.Status)
}

func TestKill_UsesGivenReason(t *testing.T) {
	h := newHarness(t, "cat > /dev/null; exec sleep 30")
	run := h.admit(t, &models.Task{Prompt: "p"})
	ctx := context.Background()

	require.NoError(t, h.exec.Start(ctx, run))
	require.NoError(t, h.exec.Kill(ctx, run.TaskID, run.ModelID, models.StopReasonActivityTimeout))

	got, err := h.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopped, got.Status)
	assert.Equal(t, models.StopReasonActivityTimeout, got.StopReason)

	assert.ErrorIs(t, h.exec.Kill(ctx, run.TaskID, run.ModelID, models.StopReasonActivityTimeout), ErrExecutionNotFound)
}

func TestStopTask_StopsPendingRuns(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	task := &models.Task{Prompt: "p"}
	_, err := h.repo.CreateTask(ctx, task, []string{"m1", "m2"})
	require.NoError(t, err)

	require.NoError(t, h.exec.StopTask(ctx, task.ID, models.StopReasonManual))

	runs, err := h.repo.ListRunsByTask(ctx, task.ID)
	require.NoError(t, err)
	for _, r := range runs {
		assert.Equal(t, models.RunStatusStopped, r.Status)
	}
	entry, err := h.repo.GetQueueEntry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusStopped, entry.Status)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, "cat > /dev/null; exec sleep 30")
	run := h.admit(t, &models.Task{Prompt: "p"})
	require.NoError(t, h.exec.Start(context.Background(), run))

	snaps := h.exec.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, run.ID, snaps[0].RunID)
	assert.Equal(t, sandbox.ModeDirect, snaps[0].Mode)
	assert.False(t, snaps[0].LastActivity.IsZero())
	assert.True(t, h.exec.HasRun(run.ID))
}

type countingLauncher struct {
	inner *sandbox.Launcher
	mu    sync.Mutex
	names []string
}

func (l *countingLauncher) Launch(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	l.mu.Lock()
	l.names = append(l.names, spec.Name)
	l.mu.Unlock()
	return l.inner.Launch(ctx, spec)
}

func (l *countingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}

type fixedCapacity int

func (c fixedCapacity) MaxParallel() int { return int(c) }

func TestStopTask_DoesNotAdmitSiblings(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger(t)
	repo := repository.NewMemoryRepository()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	launcher := &countingLauncher{inner: sandbox.NewLauncher(config.SandboxConfig{Mode: "direct"}, config.DockerConfig{}, nil, log)}
	ex := NewExecutor(repo, launcher, staticSecrets(nil), eventBus, log, Options{
		WorkRoot:      t.TempDir(),
		AgentCommand:  "sh",
		AgentArgs:     []string{"-c", "cat > /dev/null; sleep 30"},
		ProxyURL:      "http://127.0.0.1:8787",
		FlushInterval: 10 * time.Millisecond,
		Grace:         time.Second,
	})
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ex.Shutdown(sctx, models.StopReasonManual)
	})

	sched := scheduler.NewScheduler(repo, ex, fixedCapacity(1), eventBus, log, time.Hour)
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() { _ = sched.Stop() })

	task := &models.Task{Prompt: "p"}
	_, err := repo.CreateTask(ctx, task, []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	sched.Kick()
	require.Eventually(t, func() bool { return ex.ActiveCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ex.StopTask(ctx, task.ID, models.StopReasonManual))

	// let completion events reach the scheduler, then force a pass
	time.Sleep(200 * time.Millisecond)
	n, err := sched.AdmitNext(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, launcher.count())

	runs, err := repo.ListRunsByTask(ctx, task.ID)
	require.NoError(t, err)
	for _, r := range runs {
		assert.Equal(t, models.RunStatusStopped, r.Status, r.ModelID)
		assert.Equal(t, models.StopReasonManual, r.StopReason, r.ModelID)
	}
	entry, err := repo.GetQueueEntry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusStopped, entry.Status)
}
