package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events/bus"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/executor"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

type kill struct {
	TaskID, ModelID string
	Reason          models.StopReason
}

// mockExecutions serves snapshots and records kills.
type mockExecutions struct {
	mu       sync.Mutex
	snaps    []executor.Snapshot
	live     map[string]bool
	kills    []kill
	KillFunc func(ctx context.Context, taskID, modelID string, reason models.StopReason) error
}

func (m *mockExecutions) Snapshot() []executor.Snapshot { return m.snaps }

func (m *mockExecutions) HasRun(runID string) bool { return m.live[runID] }

func (m *mockExecutions) Kill(ctx context.Context, taskID, modelID string, reason models.StopReason) error {
	m.mu.Lock()
	m.kills = append(m.kills, kill{taskID, modelID, reason})
	m.mu.Unlock()
	if m.KillFunc != nil {
		return m.KillFunc(ctx, taskID, modelID, reason)
	}
	return nil
}

func (m *mockExecutions) killed() []kill {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]kill(nil), m.kills...)
}

type staticLimits struct{ activity, wallClock time.Duration }

func (l staticLimits) ActivityTimeout() time.Duration { return l.activity }
func (l staticLimits) WallClockTimeout() time.Duration { return l.wallClock }

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestWatchdog(t *testing.T, execs Executions, repo *repository.MemoryRepository, lim Limits, eventBus bus.EventBus) *Watchdog {
	t.Helper()
	return New(execs, repo, lim, eventBus, logger.NewTestLogger(t), time.Minute, WithClock(func() time.Time { return now }))
}

func snapshot(runID, modelID string, started, lastActivity time.Time) executor.Snapshot {
	return executor.Snapshot{RunID: runID, TaskID: "t1", ModelID: modelID, StartedAt: started, LastActivity: lastActivity}
}

func TestExceeded(t *testing.T) {
	tests := []struct {
		name      string
		idle      time.Duration
		elapsed   time.Duration
		activity  time.Duration
		wallClock time.Duration
		want      models.StopReason
		hit       bool
	}{
		{"fresh", time.Minute, 5 * time.Minute, 10 * time.Minute, time.Hour, models.StopReasonNone, false},
		{"idle past limit", 11 * time.Minute, 20 * time.Minute, 10 * time.Minute, time.Hour, models.StopReasonActivityTimeout, true},
		{"wall clock", time.Minute, 61 * time.Minute, 10 * time.Minute, time.Hour, models.StopReasonWallClockTimeout, true},
		{"activity checked first", 11 * time.Minute, 61 * time.Minute, 10 * time.Minute, time.Hour, models.StopReasonActivityTimeout, true},
		{"disabled", 5 * time.Hour, 5 * time.Hour, 0, 0, models.StopReasonNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := snapshot("r", "m", now.Add(-tt.elapsed), now.Add(-tt.idle))
			reason, hit := Exceeded(s, now, tt.activity, tt.wallClock)
			assert.Equal(t, tt.hit, hit)
			assert.Equal(t, tt.want, reason)
		})
	}
}

func TestTick_KillsIdleExecution(t *testing.T) {
	execs := &mockExecutions{snaps: []executor.Snapshot{
		snapshot("r1", "idle", now.Add(-20*time.Minute), now.Add(-11*time.Minute)),
		snapshot("r2", "busy", now.Add(-20*time.Minute), now.Add(-time.Minute)),
	}, live: map[string]bool{"r1": true, "r2": true}}
	w := newTestWatchdog(t, execs, repository.NewMemoryRepository(), staticLimits{10 * time.Minute, time.Hour}, nil)

	res, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Killed)
	assert.Equal(t, []kill{{"t1", "idle", models.StopReasonActivityTimeout}}, execs.killed())
}

func TestTick_ModelOverrideWins(t *testing.T) {
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.UpsertModelConfig(context.Background(), &models.ModelConfig{ModelID: "slow", ActivityTimeoutMinutes: 30, Enabled: true}))
	execs := &mockExecutions{snaps: []executor.Snapshot{
		snapshot("r1", "slow", now.Add(-20*time.Minute), now.Add(-15*time.Minute)),
		snapshot("r2", "fast", now.Add(-20*time.Minute), now.Add(-15*time.Minute)),
	}, live: map[string]bool{"r1": true, "r2": true}}
	w := newTestWatchdog(t, execs, repo, staticLimits{10 * time.Minute, time.Hour}, nil)

	_, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []kill{{"t1", "fast", models.StopReasonActivityTimeout}}, execs.killed())
}

func TestTick_VanishedExecutionIsNotAnError(t *testing.T) {
	execs := &mockExecutions{snaps: []executor.Snapshot{snapshot("r1", "m", now.Add(-2*time.Hour), now)}}
	execs.KillFunc = func(context.Context, string, string, models.StopReason) error {
		return executor.ErrExecutionNotFound
	}
	w := newTestWatchdog(t, execs, repository.NewMemoryRepository(), staticLimits{0, time.Hour}, nil)

	res, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Killed)
	require.Len(t, execs.killed(), 1)
	assert.Equal(t, models.StopReasonWallClockTimeout, execs.killed()[0].Reason)
}

func TestTick_StopsOrphanedRuns(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	runs, err := repo.CreateTask(ctx, &models.Task{ID: "t1", Prompt: "p"}, []string{"a", "b", "c"})
	require.NoError(t, err)

	// a: orphaned long ago, b: live, c: just admitted
	repo.PutRun(&models.Run{ID: runs[0].ID, TaskID: "t1", ModelID: "a", Status: models.RunStatusRunning, UpdatedAt: now.Add(-time.Hour)})
	repo.PutRun(&models.Run{ID: runs[1].ID, TaskID: "t1", ModelID: "b", Status: models.RunStatusRunning, UpdatedAt: now.Add(-time.Hour)})
	repo.PutRun(&models.Run{ID: runs[2].ID, TaskID: "t1", ModelID: "c", Status: models.RunStatusRunning, UpdatedAt: now.Add(-10 * time.Second)})

	eventBus := bus.NewMemoryEventBus(logger.NewTestLogger(t))
	defer eventBus.Close()
	finished := make(chan string, 4)
	_, err = eventBus.Subscribe(events.RunFinished, func(_ context.Context, ev *bus.Event) error {
		finished <- ev.String("run_id")
		return nil
	})
	require.NoError(t, err)

	execs := &mockExecutions{live: map[string]bool{runs[1].ID: true}}
	w := newTestWatchdog(t, execs, repo, staticLimits{}, eventBus)

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Orphaned)

	got, err := repo.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopped, got.Status)
	assert.Equal(t, models.StopReasonNone, got.StopReason)

	for _, id := range []string{runs[1].ID, runs[2].ID} {
		r, err := repo.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusRunning, r.Status)
	}

	select {
	case id := <-finished:
		assert.Equal(t, runs[0].ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("run.finished not published")
	}
}

func TestSweepStartup_StopsAllRunning(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	runs, err := repo.CreateTask(ctx, &models.Task{ID: "t1", Prompt: "p"}, []string{"a", "b"})
	require.NoError(t, err)
	repo.PutRun(&models.Run{ID: runs[0].ID, TaskID: "t1", ModelID: "a", Status: models.RunStatusRunning, UpdatedAt: now})

	w := newTestWatchdog(t, &mockExecutions{}, repo, staticLimits{}, nil)
	n, err := w.SweepStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := repo.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopped, a.Status)
	b, err := repo.GetRun(ctx, runs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, b.Status)

	entry, err := repo.GetQueueEntry(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusRunning, entry.Status)
}

func TestStartStop(t *testing.T) {
	w := newTestWatchdog(t, &mockExecutions{}, repository.NewMemoryRepository(), staticLimits{}, nil)
	w.Start(context.Background())
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}
