package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/db"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/db/dialect"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

// SQLRepository implements Repository on SQLite or PostgreSQL through sqlx.
// Writes go through the single writer connection, reads through the reader pool.
type SQLRepository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	pool   *db.Pool
	driver string
}

// Ensure SQLRepository implements Repository interface
var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates the schema if needed and returns a repository over pool.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{
		db:     pool.Writer(),
		ro:     pool.Reader(),
		pool:   pool,
		driver: pool.Driver(),
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

// Close closes the underlying pool.
func (r *SQLRepository) Close() error {
	return r.pool.Close()
}

func (r *SQLRepository) initSchema() error {
	pk := dialect.AutoIncrementPK(r.driver)
	boolType := dialect.BoolType(r.driver)
	ts := dialect.TimestampType(r.driver)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			base_project TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			model_id TEXT NOT NULL,
			status TEXT NOT NULL,
			stop_reason TEXT NOT NULL DEFAULT '',
			stats TEXT NOT NULL DEFAULT '{}',
			previewability TEXT NOT NULL DEFAULT '',
			preview_command TEXT NOT NULL DEFAULT '',
			started_at ` + ts + `,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			UNIQUE (task_id, model_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS log_events (
			id ` + pk + `,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			tool_name TEXT NOT NULL DEFAULT '',
			tool_use_id TEXT NOT NULL DEFAULT '',
			preview TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			hidden ` + boolType + ` NOT NULL DEFAULT ` + dialect.BoolDefault(r.driver, false) + `,
			raw TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_events_run_seq ON log_events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_log_events_tool_use ON log_events(run_id, tool_use_id)`,
		`CREATE TABLE IF NOT EXISTS model_configs (
			model_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL DEFAULT '',
			upstream_model TEXT NOT NULL DEFAULT '',
			activity_timeout_minutes INTEGER NOT NULL DEFAULT 0,
			wall_clock_timeout_minutes INTEGER NOT NULL DEFAULT 0,
			enabled ` + boolType + ` NOT NULL DEFAULT ` + dialect.BoolDefault(r.driver, true) + `,
			updated_at ` + ts + ` NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Task operations

// CreateTask creates a task, its queue entry and one pending run per model in one transaction.
func (r *SQLRepository) CreateTask(ctx context.Context, task *models.Task, modelIDs []string) ([]*models.Run, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO tasks (id, prompt, base_project, created_at) VALUES (?, ?, ?, ?)`),
		task.ID, task.Prompt, task.BaseProject, task.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO queue_entries (task_id, status, updated_at) VALUES (?, ?, ?)`),
		task.ID, models.QueueStatusPending, now); err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}

	runs := make([]*models.Run, 0, len(modelIDs))
	for _, modelID := range modelIDs {
		run := &models.Run{
			ID:        uuid.New().String(),
			TaskID:    task.ID,
			ModelID:   modelID,
			Status:    models.RunStatusPending,
			Stats:     models.Stats{ToolCounts: map[string]int{}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO runs (id, task_id, model_id, status, stop_reason, stats, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', ?, ?, ?)`),
			run.ID, run.TaskID, run.ModelID, run.Status, run.Stats, run.CreatedAt, run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("insert run for model %s: %w", modelID, err)
		}
		runs = append(runs, run)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetTask retrieves a task by ID
func (r *SQLRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := r.ro.GetContext(ctx, &task, r.ro.Rebind(
		`SELECT id, prompt, base_project, created_at FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Queue entry operations

// GetQueueEntry retrieves the queue entry of a task.
func (r *SQLRepository) GetQueueEntry(ctx context.Context, taskID string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := r.ro.GetContext(ctx, &entry, r.ro.Rebind(
		`SELECT task_id, status, updated_at FROM queue_entries WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// SetQueueStatus updates the queue entry of a task.
func (r *SQLRepository) SetQueueStatus(ctx context.Context, taskID string, status models.QueueStatus) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE queue_entries SET status = ?, updated_at = ? WHERE task_id = ? AND status <> ?`),
		status, time.Now().UTC(), taskID, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// either unchanged or missing
		if _, err := r.GetQueueEntry(ctx, taskID); err != nil {
			return err
		}
	}
	return nil
}

// Run operations

const runColumns = `id, task_id, model_id, status, stop_reason, stats, previewability,
	preview_command, started_at, created_at, updated_at`

// GetRun retrieves a run by ID.
func (r *SQLRepository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	err := r.ro.GetContext(ctx, &run, r.ro.Rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunByKey retrieves a run by task and model.
func (r *SQLRepository) GetRunByKey(ctx context.Context, taskID, modelID string) (*models.Run, error) {
	var run models.Run
	err := r.ro.GetContext(ctx, &run, r.ro.Rebind(
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? AND model_id = ?`), taskID, modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, models.RunKey(taskID, modelID))
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRunsByTask lists all runs of a task ordered by model.
func (r *SQLRepository) ListRunsByTask(ctx context.Context, taskID string) ([]*models.Run, error) {
	var runs []*models.Run
	err := r.ro.SelectContext(ctx, &runs, r.ro.Rebind(
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY model_id`), taskID)
	return runs, err
}

// ListRunsByStatus lists runs in a given status.
func (r *SQLRepository) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.Run, error) {
	var runs []*models.Run
	err := r.ro.SelectContext(ctx, &runs, r.ro.Rebind(
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at, id`), status)
	return runs, err
}

// CountRunsByStatus counts runs in a given status.
func (r *SQLRepository) CountRunsByStatus(ctx context.Context, status models.RunStatus) (int, error) {
	var n int
	// Read from the writer so admission sees its own just-committed transitions.
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM runs WHERE status = ?`), status)
	return n, err
}

// ListAdmissibleRuns returns pending runs of tasks whose queue entry is not stopped.
func (r *SQLRepository) ListAdmissibleRuns(ctx context.Context) ([]*models.Run, error) {
	var runs []*models.Run
	err := r.db.SelectContext(ctx, &runs, r.db.Rebind(`
		SELECT r.id, r.task_id, r.model_id, r.status, r.stop_reason, r.stats, r.previewability,
			r.preview_command, r.started_at, r.created_at, r.updated_at, t.created_at AS task_created_at
		FROM runs r
		JOIN tasks t ON t.id = r.task_id
		JOIN queue_entries q ON q.task_id = r.task_id
		WHERE r.status = ? AND q.status <> ?`),
		models.RunStatusPending, models.QueueStatusStopped)
	return runs, err
}

// TransitionRun performs a compare-and-set on the run status.
func (r *SQLRepository) TransitionRun(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, reason models.StopReason) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition of run %s needs at least one source status", id)
	}
	now := time.Now().UTC()

	query, args, err := sqlx.In(`
		UPDATE runs SET status = ?, stop_reason = ?, updated_at = ?,
			started_at = CASE WHEN ? THEN ? ELSE started_at END
		WHERE id = ? AND status IN (?)`,
		to, reason, now, to == models.RunStatusRunning, now, id, from)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.GetRun(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

// SaveRunProgress writes stats and a locally computed status; a stopped run stays stopped.
func (r *SQLRepository) SaveRunProgress(ctx context.Context, id string, status models.RunStatus, reason models.StopReason, stats models.Stats) (models.RunStatus, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var current models.Run
	if err := tx.GetContext(ctx, &current, r.db.Rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return "", err
	}

	effective, effectiveReason := status, reason
	if current.Status == models.RunStatusStopped {
		effective, effectiveReason = current.Status, current.StopReason
	}
	merged := current.Stats.Merge(stats)

	if _, err := tx.ExecContext(ctx, r.db.Rebind(
		`UPDATE runs SET status = ?, stop_reason = ?, stats = ?, updated_at = ? WHERE id = ?`),
		effective, effectiveReason, merged, time.Now().UTC(), id); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return effective, nil
}

// ResetRun prepares a run for a fresh execution.
func (r *SQLRepository) ResetRun(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	empty := models.Stats{ToolCounts: map[string]int{}}
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE runs SET status = ?, stop_reason = '', stats = ?, started_at = NULL, updated_at = ?
		WHERE id = ?`),
		models.RunStatusPending, empty, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM log_events WHERE run_id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdatePreviewability persists the artifact classification of a run.
func (r *SQLRepository) UpdatePreviewability(ctx context.Context, id string, p models.Previewability, command string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE runs SET previewability = ?, preview_command = ?, updated_at = ? WHERE id = ?`),
		p, command, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// Log event operations

// AppendLogEvent inserts a log event and sets its ID.
func (r *SQLRepository) AppendLogEvent(ctx context.Context, event *models.LogEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	id, err := dialect.InsertReturningID(ctx, r.db, `
		INSERT INTO log_events (run_id, seq, type, tool_name, tool_use_id, preview, status, hidden, raw, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Seq, event.Type, event.ToolName, event.ToolUseID, event.Preview,
		event.Status, event.Hidden, event.Raw, event.CreatedAt)
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// UpdateToolEventStatus rewrites the status of the visible tool invocation with toolUseID.
func (r *SQLRepository) UpdateToolEventStatus(ctx context.Context, runID, toolUseID string, status models.EventStatus) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE log_events SET status = ? WHERE run_id = ? AND tool_use_id = ? AND type = ?`),
		status, runID, toolUseID, models.EventTypeToolUse)
	return err
}

// ListLogEvents returns events with seq greater than afterSeq, oldest first.
func (r *SQLRepository) ListLogEvents(ctx context.Context, runID string, afterSeq, limit int) ([]*models.LogEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	var events []*models.LogEvent
	err := r.ro.SelectContext(ctx, &events, r.ro.Rebind(`
		SELECT id, run_id, seq, type, tool_name, tool_use_id, preview, status, hidden, raw, created_at
		FROM log_events WHERE run_id = ? AND seq > ? ORDER BY seq LIMIT ?`),
		runID, afterSeq, limit)
	return events, err
}

// Model config operations

const modelColumns = `model_id, display_name, endpoint, api_key, upstream_model,
	activity_timeout_minutes, wall_clock_timeout_minutes, enabled, updated_at`

// UpsertModelConfig inserts or replaces a model config.
func (r *SQLRepository) UpsertModelConfig(ctx context.Context, cfg *models.ModelConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO model_configs (`+modelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model_id) DO UPDATE SET
			display_name = excluded.display_name,
			endpoint = excluded.endpoint,
			api_key = excluded.api_key,
			upstream_model = excluded.upstream_model,
			activity_timeout_minutes = excluded.activity_timeout_minutes,
			wall_clock_timeout_minutes = excluded.wall_clock_timeout_minutes,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`),
		cfg.ModelID, cfg.DisplayName, cfg.Endpoint, cfg.APIKey, cfg.UpstreamModel,
		cfg.ActivityTimeoutMinutes, cfg.WallClockTimeoutMinutes, cfg.Enabled, cfg.UpdatedAt)
	return err
}

// SeedModelConfig inserts a model config unless one already exists.
func (r *SQLRepository) SeedModelConfig(ctx context.Context, cfg *models.ModelConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO model_configs (`+modelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model_id) DO NOTHING`),
		cfg.ModelID, cfg.DisplayName, cfg.Endpoint, cfg.APIKey, cfg.UpstreamModel,
		cfg.ActivityTimeoutMinutes, cfg.WallClockTimeoutMinutes, cfg.Enabled, cfg.UpdatedAt)
	return err
}

// GetModelConfig retrieves a model config.
func (r *SQLRepository) GetModelConfig(ctx context.Context, modelID string) (*models.ModelConfig, error) {
	var cfg models.ModelConfig
	err := r.ro.GetContext(ctx, &cfg, r.ro.Rebind(
		`SELECT `+modelColumns+` FROM model_configs WHERE model_id = ?`), modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListModelConfigs lists all model configs.
func (r *SQLRepository) ListModelConfigs(ctx context.Context) ([]*models.ModelConfig, error) {
	var cfgs []*models.ModelConfig
	err := r.ro.SelectContext(ctx, &cfgs, `SELECT `+modelColumns+` FROM model_configs ORDER BY model_id`)
	return cfgs, err
}
