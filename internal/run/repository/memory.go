package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

// MemoryRepository provides in-memory storage; used by tests and the one-shot CLI commands.
type MemoryRepository struct {
	tasks   map[string]*models.Task
	queue   map[string]*models.QueueEntry
	runs    map[string]*models.Run
	events  map[string][]*models.LogEvent
	configs map[string]*models.ModelConfig
	nextID  int64
	mu      sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:   make(map[string]*models.Task),
		queue:   make(map[string]*models.QueueEntry),
		runs:    make(map[string]*models.Run),
		events:  make(map[string][]*models.LogEvent),
		configs: make(map[string]*models.ModelConfig),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

func copyRun(run *models.Run) *models.Run {
	out := *run
	out.Stats = run.Stats.Clone()
	if run.StartedAt != nil {
		t := *run.StartedAt
		out.StartedAt = &t
	}
	return &out
}

// Task operations

// CreateTask creates a task with its queue entry and pending runs.
func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task, modelIDs []string) ([]*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	stored := *task
	r.tasks[task.ID] = &stored
	r.queue[task.ID] = &models.QueueEntry{TaskID: task.ID, Status: models.QueueStatusPending, UpdatedAt: task.CreatedAt}

	runs := make([]*models.Run, 0, len(modelIDs))
	for _, modelID := range modelIDs {
		run := &models.Run{
			ID:        uuid.New().String(),
			TaskID:    task.ID,
			ModelID:   modelID,
			Status:    models.RunStatusPending,
			Stats:     models.Stats{ToolCounts: map[string]int{}},
			CreatedAt: task.CreatedAt,
			UpdatedAt: task.CreatedAt,
		}
		r.runs[run.ID] = run
		runs = append(runs, copyRun(run))
	}
	return runs, nil
}

// GetTask retrieves a task by ID
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	out := *task
	return &out, nil
}

// Queue entry operations

// GetQueueEntry retrieves the queue entry of a task.
func (r *MemoryRepository) GetQueueEntry(ctx context.Context, taskID string) (*models.QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.queue[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	out := *entry
	return &out, nil
}

// SetQueueStatus updates the queue entry of a task.
func (r *MemoryRepository) SetQueueStatus(ctx context.Context, taskID string, status models.QueueStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.queue[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if entry.Status != status {
		entry.Status = status
		entry.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Run operations

// GetRun retrieves a run by ID.
func (r *MemoryRepository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return copyRun(run), nil
}

// GetRunByKey retrieves a run by task and model.
func (r *MemoryRepository) GetRunByKey(ctx context.Context, taskID, modelID string) (*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, run := range r.runs {
		if run.TaskID == taskID && run.ModelID == modelID {
			return copyRun(run), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, models.RunKey(taskID, modelID))
}

// ListRunsByTask lists all runs of a task ordered by model.
func (r *MemoryRepository) ListRunsByTask(ctx context.Context, taskID string) ([]*models.Run, error) {
	return r.filterRuns(func(run *models.Run) bool { return run.TaskID == taskID }, func(a, b *models.Run) bool {
		return a.ModelID < b.ModelID
	}), nil
}

// ListRunsByStatus lists runs in a given status.
func (r *MemoryRepository) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.Run, error) {
	return r.filterRuns(func(run *models.Run) bool { return run.Status == status }, func(a, b *models.Run) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}), nil
}

// CountRunsByStatus counts runs in a given status.
func (r *MemoryRepository) CountRunsByStatus(ctx context.Context, status models.RunStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, run := range r.runs {
		if run.Status == status {
			n++
		}
	}
	return n, nil
}

// ListAdmissibleRuns returns pending runs of tasks whose queue entry is not stopped.
func (r *MemoryRepository) ListAdmissibleRuns(ctx context.Context) ([]*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Run
	for _, run := range r.runs {
		if run.Status != models.RunStatusPending {
			continue
		}
		if entry, ok := r.queue[run.TaskID]; ok && entry.Status == models.QueueStatusStopped {
			continue
		}
		c := copyRun(run)
		if task, ok := r.tasks[run.TaskID]; ok {
			c.TaskCreatedAt = task.CreatedAt
		}
		out = append(out, c)
	}
	return out, nil
}

// TransitionRun performs a compare-and-set on the run status.
func (r *MemoryRepository) TransitionRun(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, reason models.StopReason) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if !statusIn(run.Status, from) {
		return false, nil
	}
	now := time.Now().UTC()
	run.Status = to
	run.StopReason = reason
	run.UpdatedAt = now
	if to == models.RunStatusRunning {
		run.StartedAt = &now
	}
	return true, nil
}

// SaveRunProgress writes stats and status; a stopped run keeps its status and reason.
func (r *MemoryRepository) SaveRunProgress(ctx context.Context, id string, status models.RunStatus, reason models.StopReason, stats models.Stats) (models.RunStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if run.Status != models.RunStatusStopped {
		run.Status = status
		run.StopReason = reason
	}
	run.Stats = run.Stats.Merge(stats)
	run.UpdatedAt = time.Now().UTC()
	return run.Status, nil
}

// ResetRun prepares a run for a fresh execution.
func (r *MemoryRepository) ResetRun(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	run.Status = models.RunStatusPending
	run.StopReason = models.StopReasonNone
	run.Stats = models.Stats{ToolCounts: map[string]int{}}
	run.StartedAt = nil
	run.UpdatedAt = time.Now().UTC()
	delete(r.events, id)
	return nil
}

// UpdatePreviewability persists the artifact classification of a run.
func (r *MemoryRepository) UpdatePreviewability(ctx context.Context, id string, p models.Previewability, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	run.Previewability = p
	run.PreviewCommand = command
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// Log event operations

// AppendLogEvent stores a log event and assigns its ID.
func (r *MemoryRepository) AppendLogEvent(ctx context.Context, event *models.LogEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	event.ID = r.nextID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	stored := *event
	r.events[event.RunID] = append(r.events[event.RunID], &stored)
	return nil
}

// UpdateToolEventStatus rewrites the status of the tool invocation with toolUseID.
func (r *MemoryRepository) UpdateToolEventStatus(ctx context.Context, runID, toolUseID string, status models.EventStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.events[runID] {
		if e.ToolUseID == toolUseID && e.Type == models.EventTypeToolUse {
			e.Status = status
		}
	}
	return nil
}

// ListLogEvents returns events with seq greater than afterSeq, oldest first.
func (r *MemoryRepository) ListLogEvents(ctx context.Context, runID string, afterSeq, limit int) ([]*models.LogEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}
	out := make([]*models.LogEvent, 0)
	for _, e := range r.events[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Model config operations

// UpsertModelConfig inserts or replaces a model config.
func (r *MemoryRepository) UpsertModelConfig(ctx context.Context, cfg *models.ModelConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg.UpdatedAt = time.Now().UTC()
	stored := *cfg
	r.configs[cfg.ModelID] = &stored
	return nil
}

// SeedModelConfig inserts a model config unless one already exists.
func (r *MemoryRepository) SeedModelConfig(ctx context.Context, cfg *models.ModelConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.configs[cfg.ModelID]; ok {
		return nil
	}
	cfg.UpdatedAt = time.Now().UTC()
	stored := *cfg
	r.configs[cfg.ModelID] = &stored
	return nil
}

// GetModelConfig retrieves a model config.
func (r *MemoryRepository) GetModelConfig(ctx context.Context, modelID string) (*models.ModelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	out := *cfg
	return &out, nil
}

// ListModelConfigs lists all model configs.
func (r *MemoryRepository) ListModelConfigs(ctx context.Context) ([]*models.ModelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.ModelConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		c := *cfg
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

// PutRun stores a run as-is. Intended for tests that need to fabricate persisted state,
// such as runs left "running" by a previous process.
func (r *MemoryRepository) PutRun(run *models.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = copyRun(run)
}

func (r *MemoryRepository) filterRuns(keep func(*models.Run) bool, less func(a, b *models.Run) bool) []*models.Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Run
	for _, run := range r.runs {
		if keep(run) {
			out = append(out, copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
