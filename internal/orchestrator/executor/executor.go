// Package executor launches one sandboxed agent process per (task, model) and
// owns the table of live executions.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/credentials"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/process"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/sandbox"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/config"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/tracing"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events/bus"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/ingest"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/queue"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

// Common errors
var (
	ErrAlreadyRunning    = errors.New("run already has a live execution")
	ErrExecutionNotFound = errors.New("execution not found")
)

// maxLineSize bounds a single line of agent output.
const maxLineSize = 10 * 1024 * 1024

// Launcher starts sandboxed commands.
type Launcher interface {
	Launch(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error)
}

// SecretSource lists the values that must never appear in logs for a model.
type SecretSource interface {
	Secrets(ctx context.Context, modelID string) []string
}

// Options configures the Executor.
type Options struct {
	WorkRoot            string
	AgentCommand        string
	AgentArgs           []string
	ProxyURL            string
	ExtraEnv            map[string]string
	TeamMode            bool
	TeamStateDir        string
	RequireTrailingText bool
	FlushInterval       time.Duration
	// Grace is the delay between SIGTERM and SIGKILL.
	Grace time.Duration
	Now   func() time.Time
}

// OptionsFromConfig derives executor options from the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkRoot:            cfg.Executor.WorkRoot,
		AgentCommand:        cfg.Executor.AgentCommand,
		AgentArgs:           cfg.Executor.AgentArgs,
		ProxyURL:            ProxyURL(cfg.Proxy.ListenAddr),
		ExtraEnv:            ParseEnvList(cfg.Executor.ExtraEnv),
		TeamMode:            cfg.Executor.TeamMode,
		TeamStateDir:        cfg.Executor.TeamStateDir,
		RequireTrailingText: cfg.Executor.RequireTrailingText,
		FlushInterval:       cfg.Executor.FlushInterval(),
		Grace:               cfg.Watchdog.TerminateGrace(),
	}
}

// Execution ties a run to its live process and ingestor.
type Execution struct {
	RunID     string
	TaskID    string
	ModelID   string
	Dir       string
	StartedAt time.Time

	handle   *sandbox.Handle
	ingestor *ingest.Ingestor
	// unix nanos
	lastActivity atomic.Int64
	// planned by Stop or Kill
	stopReason atomic.Pointer[models.StopReason]
	done       chan struct{}
}

func (x *Execution) touch(t time.Time) {
	x.lastActivity.Store(t.UnixNano())
}

// Snapshot is a read-only view of a live execution.
type Snapshot struct {
	RunID        string
	TaskID       string
	ModelID      string
	Dir          string
	Mode         sandbox.Mode
	State        process.State
	StartedAt    time.Time
	LastActivity time.Time
}

// Executor manages agent processes for runs.
type Executor struct {
	repo     repository.Repository
	launcher Launcher
	secrets  SecretSource
	bus      bus.EventBus
	logger   *logger.Logger
	opts     Options
	tracer   trace.Tracer

	// Track live executions, keyed by task/model
	executions map[string]*Execution
	mu         sync.Mutex
	wg         sync.WaitGroup
}

// NewExecutor creates a new executor.
func NewExecutor(repo repository.Repository, launcher Launcher, secrets SecretSource, eventBus bus.EventBus, log *logger.Logger, opts Options) *Executor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Grace <= 0 {
		opts.Grace = process.DefaultGrace
	}
	return &Executor{
		repo:       repo,
		launcher:   launcher,
		secrets:    secrets,
		bus:        eventBus,
		logger:     log.Component("executor"),
		opts:       opts,
		tracer:     tracing.Tracer("runpool-executor"),
		executions: make(map[string]*Execution),
	}
}

// RunDir returns the working directory of a (task, model) run.
func (e *Executor) RunDir(taskID, modelID string) string {
	return filepath.Join(e.opts.WorkRoot, taskID, modelID)
}

// RawLogPath returns the append-only raw output file of a run.
func (e *Executor) RawLogPath(taskID, modelID string) string {
	return filepath.Join(e.opts.WorkRoot, taskID, ".logs", modelID+".jsonl")
}

func (e *Executor) homeDir(taskID, modelID string) string {
	return filepath.Join(e.opts.WorkRoot, taskID, ".home", modelID)
}

// Start launches the agent of run, which the caller has already moved to
// running. Failures are persisted as a stopped run before being returned.
func (e *Executor) Start(ctx context.Context, run *models.Run) (err error) {
	ctx, span := e.tracer.Start(ctx, "executor.start", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("task.id", run.TaskID),
		attribute.String("model.id", run.ModelID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	key := run.Key()
	log := e.logger.ForRun(run.TaskID, run.ModelID, run.ID)

	e.mu.Lock()
	if _, exists := e.executions[key]; exists {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	exec := &Execution{
		RunID:     run.ID,
		TaskID:    run.TaskID,
		ModelID:   run.ModelID,
		Dir:       e.RunDir(run.TaskID, run.ModelID),
		StartedAt: e.opts.Now(),
		done:      make(chan struct{}),
	}
	exec.touch(exec.StartedAt)
	// reserve the slot so concurrent starts of the same key fail fast
	e.executions[key] = exec
	e.mu.Unlock()

	fail := func(cause error) error {
		e.mu.Lock()
		delete(e.executions, key)
		e.mu.Unlock()
		close(exec.done)
		log.Error("failed to start agent", zap.Error(cause))
		e.finishWithoutProcess(context.WithoutCancel(ctx), run)
		return cause
	}

	task, err := e.repo.GetTask(ctx, run.TaskID)
	if err != nil {
		return fail(fmt.Errorf("load task: %w", err))
	}

	if err := os.MkdirAll(exec.Dir, 0o755); err != nil {
		return fail(fmt.Errorf("create run directory: %w", err))
	}
	if task.BaseProject != "" {
		copied, err := SeedFromBase(task.BaseProject, exec.Dir, log)
		if err != nil {
			log.Warn("base project copy skipped", zap.Error(err))
		} else if copied > 0 {
			log.Info("seeded run directory from base project", zap.Int("files", copied))
		}
	}
	home := e.homeDir(run.TaskID, run.ModelID)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fail(fmt.Errorf("create home directory: %w", err))
	}

	rawPath := e.RawLogPath(run.TaskID, run.ModelID)
	if err := os.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		return fail(fmt.Errorf("create log directory: %w", err))
	}
	rawLog, err := os.OpenFile(rawPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fail(fmt.Errorf("open raw log: %w", err))
	}

	upstreamModel := ""
	if mc, err := e.repo.GetModelConfig(ctx, run.ModelID); err == nil {
		upstreamModel = mc.UpstreamModel
	}
	env := credentials.BuildEnv(credentials.EnvOptions{
		ModelID:       run.ModelID,
		ProxyURL:      e.opts.ProxyURL,
		UpstreamModel: upstreamModel,
		Home:          home,
		Extra:         e.opts.ExtraEnv,
	})

	var secrets []string
	if e.secrets != nil {
		secrets = e.secrets.Secrets(ctx, run.ModelID)
	}
	redactor := credentials.NewRedactor(secrets...)

	exec.ingestor = ingest.New(run, e.repo, e.logger, ingest.Options{
		Policy:        ingest.TrailingTextPolicy{RequireTrailingText: e.opts.RequireTrailingText},
		FlushInterval: e.opts.FlushInterval,
		Now:           e.opts.Now,
		OnEvent: func(ev *models.LogEvent) {
			e.publish(context.Background(), events.RunLogEvent,
				bus.NewEvent(events.RunLogEvent, "executor", events.LogEventData(run.TaskID, run.ModelID, ev)))
		},
	})

	handle, err := e.launcher.Launch(ctx, sandbox.Spec{
		Name:     run.TaskID + "-" + run.ModelID,
		Command:  e.opts.AgentCommand,
		Args:     e.opts.AgentArgs,
		Dir:      exec.Dir,
		Writable: []string{home},
		Env:      env,
		Stdin:    task.Prompt,
		Labels:   map[string]string{"runpool.task": run.TaskID, "runpool.model": run.ModelID},
	})
	if err != nil {
		_ = rawLog.Close()
		exec.ingestor.RecordError(ctx, "failed to start agent: "+err.Error())
		return fail(err)
	}
	e.mu.Lock()
	exec.handle = handle
	e.mu.Unlock()
	span.SetAttributes(attribute.String("sandbox.mode", string(handle.Mode)))

	log.Info("agent started",
		zap.String("dir", exec.Dir),
		zap.String("mode", string(handle.Mode)))

	e.wg.Add(1)
	go e.supervise(exec, rawLog, redactor, log)

	// a stop that raced with the launch
	if reason := exec.stopReason.Load(); reason != nil {
		go func() { _ = e.terminate(context.Background(), exec, *reason) }()
	}
	return nil
}

// finishWithoutProcess finalizes a run that never got a live process.
func (e *Executor) finishWithoutProcess(ctx context.Context, run *models.Run) {
	if _, err := e.repo.TransitionRun(ctx, run.ID,
		[]models.RunStatus{models.RunStatusRunning, models.RunStatusPending},
		models.RunStatusStopped, models.StopReasonNone); err != nil {
		e.logger.Warn("failed to mark run stopped", zap.String("run_id", run.ID), zap.Error(err))
	}
	e.afterExit(ctx, run.TaskID, run.ModelID, run.ID)
}

// supervise pumps output into the ingestor and finalizes the run on exit.
func (e *Executor) supervise(exec *Execution, rawLog io.WriteCloser, redactor *credentials.Redactor, log *logger.Logger) {
	defer e.wg.Done()
	ctx := context.Background()

	var writeMu sync.Mutex
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		e.pump(exec.handle.Stdout(), func(line string) {
			line = redactor.Redact(line)
			writeMu.Lock()
			_, _ = io.WriteString(rawLog, line+"\n")
			writeMu.Unlock()
			exec.touch(e.opts.Now())
			exec.ingestor.ProcessLine(ctx, line)
		}, log)
	}()
	go func() {
		defer pumps.Done()
		e.pump(exec.handle.Stderr(), func(line string) {
			exec.touch(e.opts.Now())
			log.Debug("agent stderr", zap.String("line", redactor.Redact(line)))
		}, log)
	}()

	<-exec.handle.Done()
	pumps.Wait()
	_ = rawLog.Close()

	exitCode := exec.handle.ExitCode()
	exec.handle.Release()

	if e.opts.TeamMode {
		if n, err := SnapshotTeamState(e.opts.TeamStateDir, exec.Dir, exec.StartedAt, log); err != nil {
			log.Warn("team state snapshot failed", zap.Error(err))
		} else if n > 0 {
			log.Info("team state snapshotted", zap.Int("files", n))
		}
	}

	var status models.RunStatus
	if reason := exec.stopReason.Load(); reason != nil && !exec.ingestor.ResultSeen() {
		exec.ingestor.Abort(ctx, *reason)
		status = models.RunStatusStopped
	} else {
		status = exec.ingestor.Finish(ctx, exitCode)
	}
	log.Info("agent exited",
		zap.Int("exit_code", exitCode),
		zap.String("status", string(status)))

	e.mu.Lock()
	delete(e.executions, models.RunKey(exec.TaskID, exec.ModelID))
	e.mu.Unlock()

	e.afterExit(ctx, exec.TaskID, exec.ModelID, exec.RunID)
	close(exec.done)
}

func (e *Executor) pump(r io.Reader, fn func(line string), log *logger.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Warn("output stream error", zap.Error(err))
		// keep draining so the process never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

// afterExit recomputes the task aggregate and announces the outcome.
func (e *Executor) afterExit(ctx context.Context, taskID, modelID, runID string) {
	if _, changed, err := queue.Recompute(ctx, e.repo, taskID); err != nil {
		e.logger.Warn("failed to recompute task status", zap.String("task_id", taskID), zap.Error(err))
	} else if changed {
		e.publishTaskStatus(ctx, taskID)
	}

	run, err := e.repo.GetRun(ctx, runID)
	if err != nil {
		e.logger.Warn("failed to reload run", zap.String("run_id", runID), zap.Error(err))
		run = &models.Run{ID: runID, TaskID: taskID, ModelID: modelID}
	}
	e.publish(ctx, events.RunFinished, events.NewRunEvent(events.RunFinished, "executor", run))
}

func (e *Executor) publishTaskStatus(ctx context.Context, taskID string) {
	entry, err := e.repo.GetQueueEntry(ctx, taskID)
	if err != nil {
		return
	}
	e.publish(ctx, events.TaskStatusChanged, bus.NewEvent(events.TaskStatusChanged, "executor", map[string]interface{}{
		"task_id": taskID,
		"status":  string(entry.Status),
	}))
}

func (e *Executor) publish(ctx context.Context, subject string, ev *bus.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, ev); err != nil {
		e.logger.Debug("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// Stop stops the run of (taskID, modelID) with reason. A pending run is
// stopped in storage only; a live one is terminated and finalized before
// Stop returns. Stopping a run that is already terminal is a no-op.
func (e *Executor) Stop(ctx context.Context, taskID, modelID string, reason models.StopReason) error {
	run, err := e.repo.GetRunByKey(ctx, taskID, modelID)
	if err != nil {
		return err
	}

	moved, err := e.repo.TransitionRun(ctx, run.ID,
		[]models.RunStatus{models.RunStatusPending, models.RunStatusRunning},
		models.RunStatusStopped, reason)
	if err != nil {
		return err
	}

	e.mu.Lock()
	exec, live := e.executions[run.Key()]
	e.mu.Unlock()

	if !live {
		if moved {
			e.logger.Info("run stopped",
				zap.String("run_id", run.ID),
				zap.String("reason", string(reason)))
			e.afterExit(ctx, taskID, modelID, run.ID)
		}
		return nil
	}

	if moved {
		exec.stopReason.CompareAndSwap(nil, &reason)
	}
	return e.terminate(ctx, exec, reason)
}

// Kill terminates a live execution regardless of its persisted status and
// finalizes it with reason. Used by the watchdog.
func (e *Executor) Kill(ctx context.Context, taskID, modelID string, reason models.StopReason) error {
	e.mu.Lock()
	exec, live := e.executions[models.RunKey(taskID, modelID)]
	e.mu.Unlock()
	if !live {
		return ErrExecutionNotFound
	}
	exec.stopReason.CompareAndSwap(nil, &reason)
	return e.terminate(ctx, exec, reason)
}

func (e *Executor) terminate(ctx context.Context, exec *Execution, reason models.StopReason) error {
	e.mu.Lock()
	handle := exec.handle
	e.mu.Unlock()
	if handle == nil {
		// still starting; the launch failure path owns cleanup
		return nil
	}
	e.logger.Info("terminating agent",
		zap.String("run_id", exec.RunID),
		zap.String("reason", string(reason)))
	if err := handle.Terminate(ctx, e.opts.Grace); err != nil {
		return fmt.Errorf("terminate %s: %w", exec.RunID, err)
	}
	select {
	case <-exec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopTask stops every run of a task. The queue entry is parked first and
// pending runs are stopped in storage before any live execution is
// terminated, so finishing runs cannot get their siblings admitted.
func (e *Executor) StopTask(ctx context.Context, taskID string, reason models.StopReason) error {
	if _, err := e.repo.GetTask(ctx, taskID); err != nil {
		return err
	}
	if err := e.repo.SetQueueStatus(ctx, taskID, models.QueueStatusStopped); err != nil {
		return fmt.Errorf("park queue entry of %s: %w", taskID, err)
	}

	runs, err := e.repo.ListRunsByTask(ctx, taskID)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range runs {
		if r.Status != models.RunStatusPending {
			continue
		}
		moved, err := e.repo.TransitionRun(ctx, r.ID, []models.RunStatus{models.RunStatusPending}, models.RunStatusStopped, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if moved {
			r.Status = models.RunStatusStopped
			r.StopReason = reason
			e.publish(ctx, events.RunFinished, events.NewRunEvent(events.RunFinished, "executor", r))
		}
	}

	// a run admitted before the entry was parked shows up as running here
	runs, err = e.repo.ListRunsByTask(ctx, taskID)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, r := range runs {
		if r.Status.IsTerminal() {
			continue
		}
		if err := e.Stop(ctx, taskID, r.ModelID, reason); err != nil {
			errs = append(errs, err)
		}
	}

	if _, changed, err := queue.Recompute(ctx, e.repo, taskID); err != nil {
		errs = append(errs, err)
	} else if changed {
		e.publishTaskStatus(ctx, taskID)
	}
	return errors.Join(errs...)
}

// Has reports whether (taskID, modelID) has a live execution.
func (e *Executor) Has(taskID, modelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.executions[models.RunKey(taskID, modelID)]
	return ok
}

// HasRun reports whether runID has a live execution.
func (e *Executor) HasRun(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, x := range e.executions {
		if x.RunID == runID {
			return true
		}
	}
	return false
}

// ActiveCount returns the number of live executions.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executions)
}

// Snapshot returns a copy of every live execution.
func (e *Executor) Snapshot() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Snapshot, 0, len(e.executions))
	for _, x := range e.executions {
		s := Snapshot{
			RunID:        x.RunID,
			TaskID:       x.TaskID,
			ModelID:      x.ModelID,
			Dir:          x.Dir,
			StartedAt:    x.StartedAt,
			LastActivity: time.Unix(0, x.lastActivity.Load()),
			State:        process.StateStarting,
		}
		if x.handle != nil {
			s.Mode = x.handle.Mode
			s.State = x.handle.State()
		}
		out = append(out, s)
	}
	return out
}

// Shutdown terminates every live execution with reason and waits for their
// supervisors to finish.
func (e *Executor) Shutdown(ctx context.Context, reason models.StopReason) error {
	e.mu.Lock()
	live := make([]*Execution, 0, len(e.executions))
	for _, x := range e.executions {
		live = append(live, x)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, x := range live {
		wg.Add(1)
		go func(x *Execution) {
			defer wg.Done()
			if err := e.Stop(ctx, x.TaskID, x.ModelID, reason); err != nil {
				e.logger.Warn("failed to stop execution during shutdown",
					zap.String("run_id", x.RunID), zap.Error(err))
			}
		}(x)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
