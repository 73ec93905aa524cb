// Package repository stores tasks, runs, queue entries, log events and model configs.
package repository

import (
	"context"
	"errors"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrRunNotFound   = errors.New("run not found")
	ErrModelNotFound = errors.New("model config not found")
)

// Repository defines the storage operations the orchestration core needs.
type Repository interface {
	// Task operations. CreateTask also creates the queue entry and one pending run per model.
	CreateTask(ctx context.Context, task *models.Task, modelIDs []string) ([]*models.Run, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)

	// Queue entry operations
	GetQueueEntry(ctx context.Context, taskID string) (*models.QueueEntry, error)
	SetQueueStatus(ctx context.Context, taskID string, status models.QueueStatus) error

	// Run operations
	GetRun(ctx context.Context, id string) (*models.Run, error)
	GetRunByKey(ctx context.Context, taskID, modelID string) (*models.Run, error)
	ListRunsByTask(ctx context.Context, taskID string) ([]*models.Run, error)
	ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.Run, error)
	CountRunsByStatus(ctx context.Context, status models.RunStatus) (int, error)
	// ListAdmissibleRuns returns pending runs whose queue entry is not stopped,
	// with TaskCreatedAt populated. Ordering is left to the caller.
	ListAdmissibleRuns(ctx context.Context) ([]*models.Run, error)
	// TransitionRun moves a run to status "to" only if its current status is one of "from".
	// It reports whether the transition happened.
	TransitionRun(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, reason models.StopReason) (bool, error)
	// SaveRunProgress writes stats and status in one statement. A run already stopped keeps
	// its status and reason; the effective status is returned.
	SaveRunProgress(ctx context.Context, id string, status models.RunStatus, reason models.StopReason, stats models.Stats) (models.RunStatus, error)
	// ResetRun puts a run back to pending with empty stats and drops its log events.
	ResetRun(ctx context.Context, id string) error
	UpdatePreviewability(ctx context.Context, id string, p models.Previewability, command string) error

	// Log event operations
	AppendLogEvent(ctx context.Context, event *models.LogEvent) error
	UpdateToolEventStatus(ctx context.Context, runID, toolUseID string, status models.EventStatus) error
	ListLogEvents(ctx context.Context, runID string, afterSeq, limit int) ([]*models.LogEvent, error)

	// Model config operations
	UpsertModelConfig(ctx context.Context, cfg *models.ModelConfig) error
	// SeedModelConfig inserts cfg only when no row exists for its model id.
	SeedModelConfig(ctx context.Context, cfg *models.ModelConfig) error
	GetModelConfig(ctx context.Context, modelID string) (*models.ModelConfig, error)
	ListModelConfigs(ctx context.Context) ([]*models.ModelConfig, error)

	// Close closes the repository (for database connections)
	Close() error
}

func statusIn(s models.RunStatus, set []models.RunStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
