// Package models defines the persisted records of the orchestration core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of one (task, model) execution.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusEvaluated RunStatus = "evaluated"
)

// IsTerminal reports whether no further execution will happen without a restart.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusStopped || s == RunStatusEvaluated
}

// StopReason explains why a run ended in the stopped state.
type StopReason string

const (
	StopReasonNone               StopReason = ""
	StopReasonManual             StopReason = "manual_stop"
	StopReasonIsError            StopReason = "is_error"
	StopReasonAbnormalCompletion StopReason = "abnormal_completion"
	StopReasonActivityTimeout    StopReason = "activity_timeout"
	StopReasonWallClockTimeout   StopReason = "wall_clock_timeout"
)

// Previewability caches the artifact classification of a run.
type Previewability string

const (
	PreviewUnknown       Previewability = ""
	PreviewPreparing     Previewability = "preparing"
	PreviewStatic        Previewability = "static"
	PreviewDynamic       Previewability = "dynamic"
	PreviewUnpreviewable Previewability = "unpreviewable"
)

// QueueStatus is the aggregate state of a task, derived from its runs.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusRunning   QueueStatus = "running"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusStopped   QueueStatus = "stopped"
)

// EventStatus classifies a log event outcome.
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusError   EventStatus = "error"
	EventStatusNeutral EventStatus = "neutral"
)

// EventType tags a log event.
type EventType string

const (
	EventTypeText       EventType = "text"
	EventTypeThinking   EventType = "thinking"
	EventTypeToolUse    EventType = "tool_use"
	EventTypeToolResult EventType = "tool_result"
	EventTypeError      EventType = "error"
	EventTypeSystem     EventType = "system"
	EventTypeResult     EventType = "result"
)

// Stats is the running statistics block of a run.
type Stats struct {
	DurationMS          int64          `json:"duration_ms"`
	Turns               int            `json:"turns"`
	InputTokens         int64          `json:"input_tokens"`
	OutputTokens        int64          `json:"output_tokens"`
	CacheReadTokens     int64          `json:"cache_read_tokens"`
	CacheCreationTokens int64          `json:"cache_creation_tokens"`
	CostUSD             float64        `json:"cost_usd"`
	ToolCounts          map[string]int `json:"tool_counts"`
}

// Clone returns a deep copy.
func (s Stats) Clone() Stats {
	out := s
	out.ToolCounts = make(map[string]int, len(s.ToolCounts))
	for k, v := range s.ToolCounts {
		out.ToolCounts[k] = v
	}
	return out
}

// Merge keeps the larger value of every counter so persisted progress never regresses.
func (s Stats) Merge(other Stats) Stats {
	out := s.Clone()
	out.DurationMS = max(out.DurationMS, other.DurationMS)
	out.Turns = max(out.Turns, other.Turns)
	out.InputTokens = max(out.InputTokens, other.InputTokens)
	out.OutputTokens = max(out.OutputTokens, other.OutputTokens)
	out.CacheReadTokens = max(out.CacheReadTokens, other.CacheReadTokens)
	out.CacheCreationTokens = max(out.CacheCreationTokens, other.CacheCreationTokens)
	out.CostUSD = max(out.CostUSD, other.CostUSD)
	for k, v := range other.ToolCounts {
		out.ToolCounts[k] = max(out.ToolCounts[k], v)
	}
	return out
}

// Value implements driver.Valuer so Stats can be stored as a JSON column.
func (s Stats) Value() (driver.Value, error) {
	if s.ToolCounts == nil {
		s.ToolCounts = map[string]int{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *Stats) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = Stats{ToolCounts: map[string]int{}}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported stats column type %T", src)
	}
	if len(data) == 0 {
		*s = Stats{ToolCounts: map[string]int{}}
		return nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return err
	}
	if s.ToolCounts == nil {
		s.ToolCounts = map[string]int{}
	}
	return nil
}

// Task is a submitted prompt fanned out to several models.
type Task struct {
	ID          string    `json:"id" db:"id"`
	Prompt      string    `json:"prompt" db:"prompt"`
	BaseProject string    `json:"base_project,omitempty" db:"base_project"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// QueueEntry is the per-task admission record.
type QueueEntry struct {
	TaskID    string      `json:"task_id" db:"task_id"`
	Status    QueueStatus `json:"status" db:"status"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// Run is one (task, model) execution unit.
type Run struct {
	ID             string         `json:"id" db:"id"`
	TaskID         string         `json:"task_id" db:"task_id"`
	ModelID        string         `json:"model_id" db:"model_id"`
	Status         RunStatus      `json:"status" db:"status"`
	StopReason     StopReason     `json:"stop_reason,omitempty" db:"stop_reason"`
	Stats          Stats          `json:"stats" db:"stats"`
	Previewability Previewability `json:"previewability,omitempty" db:"previewability"`
	PreviewCommand string         `json:"preview_command,omitempty" db:"preview_command"`
	StartedAt      *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`

	// TaskCreatedAt is populated by admission queries only.
	TaskCreatedAt time.Time `json:"-" db:"task_created_at"`
}

// Key identifies a run by task and model.
func (r *Run) Key() string {
	return RunKey(r.TaskID, r.ModelID)
}

// RunKey builds the "taskId/modelId" folder identity.
func RunKey(taskID, modelID string) string {
	return taskID + "/" + modelID
}

// LogEvent is one structured item extracted from agent output.
type LogEvent struct {
	ID        int64       `json:"id" db:"id"`
	RunID     string      `json:"run_id" db:"run_id"`
	Seq       int         `json:"seq" db:"seq"`
	Type      EventType   `json:"type" db:"type"`
	ToolName  string      `json:"tool_name,omitempty" db:"tool_name"`
	ToolUseID string      `json:"tool_use_id,omitempty" db:"tool_use_id"`
	Preview   string      `json:"preview" db:"preview"`
	Status    EventStatus `json:"status" db:"status"`
	Hidden    bool        `json:"hidden,omitempty" db:"hidden"`
	Raw       string      `json:"raw,omitempty" db:"raw"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// ModelConfig holds per-model overrides. Zero values fall back to global defaults.
type ModelConfig struct {
	ModelID                 string    `json:"model_id" db:"model_id"`
	DisplayName             string    `json:"display_name" db:"display_name"`
	Endpoint                string    `json:"endpoint,omitempty" db:"endpoint"`
	APIKey                  string    `json:"-" db:"api_key"`
	UpstreamModel           string    `json:"upstream_model,omitempty" db:"upstream_model"`
	ActivityTimeoutMinutes  int       `json:"activity_timeout_minutes,omitempty" db:"activity_timeout_minutes"`
	WallClockTimeoutMinutes int       `json:"wall_clock_timeout_minutes,omitempty" db:"wall_clock_timeout_minutes"`
	Enabled                 bool      `json:"enabled" db:"enabled"`
	UpdatedAt               time.Time `json:"updated_at" db:"updated_at"`
}

// HasAPIKey reports whether a key is configured, without exposing it.
func (m *ModelConfig) HasAPIKey() bool {
	return m.APIKey != ""
}
