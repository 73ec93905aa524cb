// Package events provides event subjects and payload helpers for the runpool event system.
package events

import (
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events/bus"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

// Event types for tasks
const (
	TaskCreated       = "task.created"
	TaskStatusChanged = "task.status_changed"
)

// Event types for runs
const (
	RunAdmitted = "run.admitted"
	// RunFinished fires once per execution, after the outcome is persisted.
	RunFinished = "run.finished"
	RunLogEvent = "run.log_event"
)

// Event types for preview sessions
const (
	PreviewStarted = "preview.started"
	PreviewStopped = "preview.stopped"
)

// Event types for runtime configuration
const (
	ConfigChanged = "config.changed"
)

// RunData builds the payload carried by run events.
func RunData(run *models.Run) map[string]interface{} {
	return map[string]interface{}{
		"run_id":      run.ID,
		"task_id":     run.TaskID,
		"model_id":    run.ModelID,
		"status":      string(run.Status),
		"stop_reason": string(run.StopReason),
	}
}

// LogEventData builds the payload of a RunLogEvent.
func LogEventData(taskID, modelID string, ev *models.LogEvent) map[string]interface{} {
	return map[string]interface{}{
		"run_id":      ev.RunID,
		"task_id":     taskID,
		"model_id":    modelID,
		"seq":         ev.Seq,
		"type":        string(ev.Type),
		"tool_name":   ev.ToolName,
		"tool_use_id": ev.ToolUseID,
		"preview":     ev.Preview,
		"status":      string(ev.Status),
		"hidden":      ev.Hidden,
	}
}

// NewRunEvent creates a run lifecycle event.
func NewRunEvent(eventType, source string, run *models.Run) *bus.Event {
	return bus.NewEvent(eventType, source, RunData(run))
}
