// Package orchestrator is the control surface over the run pool. It accepts
// tasks, restarts and stops runs, and exposes the read side the HTTP API needs.
// Admission, execution and supervision live in the scheduler, executor and
// watchdog subpackages; the Service only coordinates them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/errors"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events/bus"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/queue"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/scheduler"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

const (
	DefaultEventPage = 200
	MaxEventPage     = 1000
)

// Executions is the part of the executor the service drives.
type Executions interface {
	Has(taskID, modelID string) bool
	Stop(ctx context.Context, taskID, modelID string, reason models.StopReason) error
	StopTask(ctx context.Context, taskID string, reason models.StopReason) error
}

// Admission is the part of the scheduler the service drives.
type Admission interface {
	Kick()
	Status(ctx context.Context) (*scheduler.Status, error)
}

// Capacity is the live admission cap.
type Capacity interface {
	MaxParallel() int
	SetMaxParallel(n int)
}

// Previews tears down preview sessions of restarted runs.
type Previews interface {
	Stop(ctx context.Context, taskID, modelID string) error
}

// Service coordinates the orchestration components.
type Service struct {
	repo     repository.Repository
	execs    Executions
	admit    Admission
	capacity Capacity
	previews Previews
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewService creates the orchestrator service. previews may be nil.
func NewService(repo repository.Repository, execs Executions, admit Admission, capacity Capacity, previews Previews, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		execs:    execs,
		admit:    admit,
		capacity: capacity,
		previews: previews,
		bus:      eventBus,
		logger:   log.Component("orchestrator"),
	}
}

// SubmitTaskRequest describes a new task.
type SubmitTaskRequest struct {
	Prompt      string
	ModelIDs    []string
	BaseProject string
}

// TaskView is a task with its queue entry, runs and summed stats.
type TaskView struct {
	Task   *models.Task       `json:"task"`
	Queue  *models.QueueEntry `json:"queue"`
	Runs   []*models.Run      `json:"runs"`
	Totals models.Stats       `json:"totals"`
}

// SubmitTask creates a task with one pending run per model and triggers admission.
func (s *Service) SubmitTask(ctx context.Context, req SubmitTaskRequest) (*TaskView, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, apperrors.ValidationError("prompt", "must not be empty")
	}
	modelIDs, err := s.acceptModels(ctx, req.ModelIDs)
	if err != nil {
		return nil, err
	}

	task := &models.Task{Prompt: prompt, BaseProject: strings.TrimSpace(req.BaseProject)}
	if _, err := s.repo.CreateTask(ctx, task, modelIDs); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.Strings("models", modelIDs))
	s.publish(ctx, events.TaskCreated, bus.NewEvent(events.TaskCreated, "orchestrator", map[string]interface{}{
		"task_id":   task.ID,
		"model_ids": modelIDs,
	}))
	s.admit.Kick()
	return s.GetTask(ctx, task.ID)
}

// acceptModels dedupes ids and rejects models configured as disabled.
func (s *Service) acceptModels(ctx context.Context, ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
			return nil, apperrors.ValidationError("model_ids", fmt.Sprintf("invalid model id %q", id))
		}
		seen[id] = true
		cfg, err := s.repo.GetModelConfig(ctx, id)
		switch {
		case errors.Is(err, repository.ErrModelNotFound):
		case err != nil:
			return nil, fmt.Errorf("load model %s: %w", id, err)
		case !cfg.Enabled:
			return nil, apperrors.ValidationError("model_ids", fmt.Sprintf("model %q is disabled", id))
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, apperrors.ValidationError("model_ids", "at least one model is required")
	}
	return out, nil
}

// GetTask returns the task, its queue entry, runs and summed stats.
func (s *Service) GetTask(ctx context.Context, taskID string) (*TaskView, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	entry, err := s.repo.GetQueueEntry(ctx, taskID)
	if err != nil {
		return nil, err
	}
	runs, err := s.repo.ListRunsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	totals := models.Stats{ToolCounts: map[string]int{}}
	for _, r := range runs {
		totals = addStats(totals, r.Stats)
	}
	return &TaskView{Task: task, Queue: entry, Runs: runs, Totals: totals}, nil
}

func addStats(a, b models.Stats) models.Stats {
	out := a.Clone()
	out.DurationMS += b.DurationMS
	out.Turns += b.Turns
	out.InputTokens += b.InputTokens
	out.OutputTokens += b.OutputTokens
	out.CacheReadTokens += b.CacheReadTokens
	out.CacheCreationTokens += b.CacheCreationTokens
	out.CostUSD += b.CostUSD
	for k, v := range b.ToolCounts {
		out.ToolCounts[k] += v
	}
	return out
}

// StartRun restarts one run from scratch: a live execution is stopped first,
// stats and log events are dropped and the run goes back to pending.
func (s *Service) StartRun(ctx context.Context, taskID, modelID string) (*models.Run, error) {
	run, err := s.repo.GetRunByKey(ctx, taskID, modelID)
	if err != nil {
		return nil, err
	}
	if s.execs.Has(taskID, modelID) {
		if err := s.execs.Stop(ctx, taskID, modelID, models.StopReasonManual); err != nil {
			return nil, fmt.Errorf("stop live execution: %w", err)
		}
	}
	if s.previews != nil {
		if err := s.previews.Stop(ctx, taskID, modelID); err != nil {
			s.logger.Debug("no preview to stop", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	if err := s.repo.ResetRun(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("reset run: %w", err)
	}
	if err := s.repo.UpdatePreviewability(ctx, run.ID, models.PreviewUnknown, ""); err != nil {
		return nil, fmt.Errorf("reset previewability: %w", err)
	}
	if status, changed, err := queue.Recompute(ctx, s.repo, taskID); err != nil {
		s.logger.Warn("failed to recompute queue status", zap.String("task_id", taskID), zap.Error(err))
	} else if changed {
		s.publish(ctx, events.TaskStatusChanged, bus.NewEvent(events.TaskStatusChanged, "orchestrator", map[string]interface{}{
			"task_id": taskID,
			"status":  string(status),
		}))
	}
	s.logger.Info("run restarted", zap.String("run_id", run.ID))
	s.admit.Kick()
	return s.repo.GetRun(ctx, run.ID)
}

// StopRun stops one run. Stopping a finished run is a no-op.
func (s *Service) StopRun(ctx context.Context, taskID, modelID string) (*models.Run, error) {
	if err := s.execs.Stop(ctx, taskID, modelID, models.StopReasonManual); err != nil {
		return nil, err
	}
	return s.repo.GetRunByKey(ctx, taskID, modelID)
}

// StopTask stops every run of a task.
func (s *Service) StopTask(ctx context.Context, taskID string) (*TaskView, error) {
	if err := s.execs.StopTask(ctx, taskID, models.StopReasonManual); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

// ListEvents pages through the log events of a run by sequence number.
func (s *Service) ListEvents(ctx context.Context, taskID, modelID string, afterSeq, limit int) ([]*models.LogEvent, error) {
	if limit <= 0 {
		limit = DefaultEventPage
	}
	limit = min(limit, MaxEventPage)
	run, err := s.repo.GetRunByKey(ctx, taskID, modelID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListLogEvents(ctx, run.ID, afterSeq, limit)
}

// AdmissionStatus reports running and pending counts against the cap.
func (s *Service) AdmissionStatus(ctx context.Context) (*scheduler.Status, error) {
	return s.admit.Status(ctx)
}

// MaxParallel returns the admission cap.
func (s *Service) MaxParallel() int {
	return s.capacity.MaxParallel()
}

// SetMaxParallel changes the admission cap. Zero pauses admission. Lowering
// the cap never stops running work; it only delays further admissions.
func (s *Service) SetMaxParallel(ctx context.Context, n int) error {
	if n < 0 {
		return apperrors.ValidationError("max_parallel", "must not be negative")
	}
	s.capacity.SetMaxParallel(n)
	s.logger.Info("admission cap changed", zap.Int("max_parallel", n))
	s.publish(ctx, events.ConfigChanged, bus.NewEvent(events.ConfigChanged, "orchestrator", map[string]interface{}{
		"max_parallel": n,
	}))
	s.admit.Kick()
	return nil
}

// ListModels returns every model config.
func (s *Service) ListModels(ctx context.Context) ([]*models.ModelConfig, error) {
	return s.repo.ListModelConfigs(ctx)
}

// GetModel returns one model config.
func (s *Service) GetModel(ctx context.Context, modelID string) (*models.ModelConfig, error) {
	return s.repo.GetModelConfig(ctx, modelID)
}

// PutModel creates or replaces a model config.
func (s *Service) PutModel(ctx context.Context, cfg *models.ModelConfig) (*models.ModelConfig, error) {
	if cfg.ModelID == "" {
		return nil, apperrors.ValidationError("model_id", "is required")
	}
	if cfg.ActivityTimeoutMinutes < 0 || cfg.WallClockTimeoutMinutes < 0 {
		return nil, apperrors.ValidationError("timeouts", "must not be negative")
	}
	if err := s.repo.UpsertModelConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("save model %s: %w", cfg.ModelID, err)
	}
	return s.repo.GetModelConfig(ctx, cfg.ModelID)
}

func (s *Service) publish(ctx context.Context, subject string, ev *bus.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, ev); err != nil {
		s.logger.Debug("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
