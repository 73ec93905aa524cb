// Package watchdog kills stuck executions and reconciles runs persisted as
// running that no longer have a live process.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events/bus"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/executor"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/queue"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 30 * time.Second

// maxConcurrentKills bounds parallel terminations within one tick.
const maxConcurrentKills = 8

// Executions is the live execution table.
type Executions interface {
	Snapshot() []executor.Snapshot
	HasRun(runID string) bool
	Kill(ctx context.Context, taskID, modelID string, reason models.StopReason) error
}

// Store is the part of the run repository the watchdog needs.
type Store interface {
	queue.Store
	ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.Run, error)
	TransitionRun(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, reason models.StopReason) (bool, error)
	ListModelConfigs(ctx context.Context) ([]*models.ModelConfig, error)
}

// Limits reports the global timeouts; zero disables a check.
type Limits interface {
	ActivityTimeout() time.Duration
	WallClockTimeout() time.Duration
}

// Result summarizes one pass.
type Result struct {
	Killed   int
	Orphaned int
}

// Watchdog enforces per-execution timeouts on a fixed schedule.
type Watchdog struct {
	execs    Executions
	store    Store
	limits   Limits
	bus      bus.EventBus
	logger   *logger.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// New creates a Watchdog ticking every interval.
func New(execs Executions, store Store, limits Limits, eventBus bus.EventBus, log *logger.Logger, interval time.Duration, opts ...Option) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	w := &Watchdog{
		execs:    execs,
		store:    store,
		limits:   limits,
		bus:      eventBus,
		logger:   log.Component("watchdog"),
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start schedules Tick. Overlapping ticks are skipped.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return
	}
	cl := cronLogger{w.logger}
	w.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	w.cron.Schedule(cron.Every(w.interval), cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		res, err := w.Tick(ctx)
		if err != nil {
			w.logger.Warn("watchdog tick failed", zap.Error(err))
			return
		}
		if res.Killed > 0 || res.Orphaned > 0 {
			w.logger.Info("watchdog tick",
				zap.Int("killed", res.Killed),
				zap.Int("orphaned", res.Orphaned))
		}
	}))
	w.cron.Start()
	w.logger.Info("watchdog started", zap.Duration("interval", w.interval))
}

// Stop halts the schedule and waits for a running tick.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Tick runs one pass: timeouts first, then orphans.
func (w *Watchdog) Tick(ctx context.Context) (Result, error) {
	var res Result
	killed, kerr := w.enforceTimeouts(ctx)
	res.Killed = killed
	orphaned, oerr := w.reconcileOrphans(ctx, w.interval)
	res.Orphaned = orphaned
	return res, errors.Join(kerr, oerr)
}

type limits struct {
	activity  time.Duration
	wallClock time.Duration
}

func (w *Watchdog) limitsByModel(ctx context.Context) map[string]limits {
	out := make(map[string]limits)
	cfgs, err := w.store.ListModelConfigs(ctx)
	if err != nil {
		w.logger.Debug("model overrides unavailable, using global limits", zap.Error(err))
		return out
	}
	for _, c := range cfgs {
		out[c.ModelID] = limits{
			activity:  time.Duration(c.ActivityTimeoutMinutes) * time.Minute,
			wallClock: time.Duration(c.WallClockTimeoutMinutes) * time.Minute,
		}
	}
	return out
}

// Exceeded reports which timeout, if any, an execution has hit at now.
// Zero limits are disabled.
func Exceeded(s executor.Snapshot, now time.Time, activity, wallClock time.Duration) (models.StopReason, bool) {
	if activity > 0 && now.Sub(s.LastActivity) >= activity {
		return models.StopReasonActivityTimeout, true
	}
	if wallClock > 0 && now.Sub(s.StartedAt) >= wallClock {
		return models.StopReasonWallClockTimeout, true
	}
	return models.StopReasonNone, false
}

func (w *Watchdog) enforceTimeouts(ctx context.Context) (int, error) {
	snaps := w.execs.Snapshot()
	if len(snaps) == 0 {
		return 0, nil
	}
	overrides := w.limitsByModel(ctx)
	now := w.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentKills)
	var mu sync.Mutex
	killed := 0
	for _, s := range snaps {
		activity, wallClock := w.limits.ActivityTimeout(), w.limits.WallClockTimeout()
		if o, ok := overrides[s.ModelID]; ok {
			if o.activity > 0 {
				activity = o.activity
			}
			if o.wallClock > 0 {
				wallClock = o.wallClock
			}
		}
		reason, hit := Exceeded(s, now, activity, wallClock)
		if !hit {
			continue
		}
		s := s
		g.Go(func() error {
			w.logger.Warn("execution timed out",
				zap.String("run_id", s.RunID),
				zap.String("task_id", s.TaskID),
				zap.String("model_id", s.ModelID),
				zap.String("reason", string(reason)),
				zap.Duration("idle", now.Sub(s.LastActivity)),
				zap.Duration("elapsed", now.Sub(s.StartedAt)))
			err := w.execs.Kill(gctx, s.TaskID, s.ModelID, reason)
			if errors.Is(err, executor.ErrExecutionNotFound) {
				// exited on its own meanwhile
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			killed++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return killed, err
}

// reconcileOrphans stops runs persisted as running without a live execution.
// Runs updated within minAge are left alone, they may be between admission
// and launch.
func (w *Watchdog) reconcileOrphans(ctx context.Context, minAge time.Duration) (int, error) {
	runs, err := w.store.ListRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	now := w.now()
	stopped := 0
	for _, run := range runs {
		if w.execs != nil && w.execs.HasRun(run.ID) {
			continue
		}
		if minAge > 0 && now.Sub(run.UpdatedAt) < minAge {
			continue
		}
		ok, err := w.forceStop(ctx, run)
		if err != nil {
			w.logger.Warn("failed to stop orphaned run", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		if ok {
			stopped++
		}
	}
	return stopped, nil
}

func (w *Watchdog) forceStop(ctx context.Context, run *models.Run) (bool, error) {
	ok, err := w.store.TransitionRun(ctx, run.ID, []models.RunStatus{models.RunStatusRunning}, models.RunStatusStopped, models.StopReasonNone)
	if err != nil || !ok {
		return false, err
	}
	w.logger.Info("orphaned run stopped",
		zap.String("run_id", run.ID),
		zap.String("task_id", run.TaskID),
		zap.String("model_id", run.ModelID))
	if _, _, err := queue.Recompute(ctx, w.store, run.TaskID); err != nil {
		w.logger.Warn("failed to recompute task status", zap.String("task_id", run.TaskID), zap.Error(err))
	}
	run.Status, run.StopReason = models.RunStatusStopped, models.StopReasonNone
	if w.bus != nil {
		_ = w.bus.Publish(ctx, events.RunFinished, events.NewRunEvent(events.RunFinished, "watchdog", run))
	}
	return true, nil
}

// SweepStartup stops every run persisted as running. It must run before
// the scheduler starts, when no execution can be live.
func (w *Watchdog) SweepStartup(ctx context.Context) (int, error) {
	runs, err := w.store.ListRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	stopped := 0
	for _, run := range runs {
		ok, err := w.forceStop(ctx, run)
		if err != nil {
			return stopped, err
		}
		if ok {
			stopped++
		}
	}
	if stopped > 0 {
		w.logger.Info("startup sweep stopped leftover runs", zap.Int("count", stopped))
	}
	return stopped, nil
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct{ l *logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
