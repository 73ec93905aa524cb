// Package api provides HTTP handlers for the orchestrator control API.
package api

import (
	"time"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

// CreateTaskRequest for submitting a task
type CreateTaskRequest struct {
	Prompt      string   `json:"prompt" binding:"required"`
	ModelIDs    []string `json:"model_ids" binding:"required,min=1"`
	BaseProject string   `json:"base_project,omitempty"`
}

// SetMaxParallelRequest for changing the admission cap
type SetMaxParallelRequest struct {
	MaxParallel *int `json:"max_parallel" binding:"required"`
}

// PutModelRequest for creating or replacing a model config. An omitted
// api_key keeps the stored one.
type PutModelRequest struct {
	DisplayName             string  `json:"display_name"`
	Endpoint                string  `json:"endpoint"`
	APIKey                  *string `json:"api_key,omitempty"`
	UpstreamModel           string  `json:"upstream_model"`
	ActivityTimeoutMinutes  int     `json:"activity_timeout_minutes"`
	WallClockTimeoutMinutes int     `json:"wall_clock_timeout_minutes"`
	Enabled                 *bool   `json:"enabled,omitempty"`
}

// Response types

// ModelResponse represents a model config without its key
type ModelResponse struct {
	ModelID                 string    `json:"model_id"`
	DisplayName             string    `json:"display_name"`
	Endpoint                string    `json:"endpoint,omitempty"`
	HasAPIKey               bool      `json:"has_api_key"`
	UpstreamModel           string    `json:"upstream_model,omitempty"`
	ActivityTimeoutMinutes  int       `json:"activity_timeout_minutes,omitempty"`
	WallClockTimeoutMinutes int       `json:"wall_clock_timeout_minutes,omitempty"`
	Enabled                 bool      `json:"enabled"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// ModelsListResponse for listing model configs
type ModelsListResponse struct {
	Models []*ModelResponse `json:"models"`
	Total  int              `json:"total"`
}

// EventsListResponse for paging log events
type EventsListResponse struct {
	Events  []*models.LogEvent `json:"events"`
	NextSeq int                `json:"next_seq"`
}

// MaxParallelResponse reports the admission cap with live counts
type MaxParallelResponse struct {
	MaxParallel int `json:"max_parallel"`
	Running     int `json:"running"`
	Pending     int `json:"pending"`
}

func modelToResponse(m *models.ModelConfig) *ModelResponse {
	return &ModelResponse{
		ModelID:                 m.ModelID,
		DisplayName:             m.DisplayName,
		Endpoint:                m.Endpoint,
		HasAPIKey:               m.HasAPIKey(),
		UpstreamModel:           m.UpstreamModel,
		ActivityTimeoutMinutes:  m.ActivityTimeoutMinutes,
		WallClockTimeoutMinutes: m.WallClockTimeoutMinutes,
		Enabled:                 m.Enabled,
		UpdatedAt:               m.UpdatedAt,
	}
}
