package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/errors"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

// Handler contains HTTP handlers for the orchestrator API
type Handler struct {
	service *orchestrator.Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(svc *orchestrator.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: svc,
		logger:  log,
	}
}

// Task endpoints

// CreateTask submits a task fanned out to several models
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(err.Error()))
		return
	}

	view, err := h.service.SubmitTask(c.Request.Context(), orchestrator.SubmitTaskRequest{
		Prompt:      req.Prompt,
		ModelIDs:    req.ModelIDs,
		BaseProject: req.BaseProject,
	})
	if err != nil {
		h.fail(c, err, "failed to create task")
		return
	}
	c.JSON(http.StatusCreated, view)
}

// GetTask returns the queue entry, runs and stats of a task
// GET /api/v1/tasks/:id
func (h *Handler) GetTask(c *gin.Context) {
	view, err := h.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to load task")
		return
	}
	c.JSON(http.StatusOK, view)
}

// StopTask stops every run of a task
// POST /api/v1/tasks/:id/stop
func (h *Handler) StopTask(c *gin.Context) {
	view, err := h.service.StopTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to stop task")
		return
	}
	c.JSON(http.StatusOK, view)
}

// Run endpoints

// StartRun restarts one run from scratch
// POST /api/v1/tasks/:id/runs/:model/start
func (h *Handler) StartRun(c *gin.Context) {
	run, err := h.service.StartRun(c.Request.Context(), c.Param("id"), c.Param("model"))
	if err != nil {
		h.fail(c, err, "failed to start run")
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// StopRun stops one run
// POST /api/v1/tasks/:id/runs/:model/stop
func (h *Handler) StopRun(c *gin.Context) {
	run, err := h.service.StopRun(c.Request.Context(), c.Param("id"), c.Param("model"))
	if err != nil {
		h.fail(c, err, "failed to stop run")
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListEvents pages through a run's log events
// GET /api/v1/tasks/:id/runs/:model/events?after=&limit=
func (h *Handler) ListEvents(c *gin.Context) {
	after, err := queryInt(c, "after", 0)
	if err != nil {
		_ = c.Error(err)
		return
	}
	limit, err := queryInt(c, "limit", orchestrator.DefaultEventPage)
	if err != nil {
		_ = c.Error(err)
		return
	}

	evs, err := h.service.ListEvents(c.Request.Context(), c.Param("id"), c.Param("model"), after, limit)
	if err != nil {
		h.fail(c, err, "failed to list events")
		return
	}
	next := after
	if len(evs) > 0 {
		next = evs[len(evs)-1].Seq
	}
	c.JSON(http.StatusOK, EventsListResponse{Events: evs, NextSeq: next})
}

// Config endpoints

// GetMaxParallel reports the admission cap
// GET /api/v1/config/max-parallel
func (h *Handler) GetMaxParallel(c *gin.Context) {
	status, err := h.service.AdmissionStatus(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to read admission status")
		return
	}
	c.JSON(http.StatusOK, MaxParallelResponse{
		MaxParallel: h.service.MaxParallel(),
		Running:     status.Running,
		Pending:     status.Pending,
	})
}

// SetMaxParallel changes the admission cap
// PUT /api/v1/config/max-parallel
func (h *Handler) SetMaxParallel(c *gin.Context) {
	var req SetMaxParallelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.service.SetMaxParallel(c.Request.Context(), *req.MaxParallel); err != nil {
		h.fail(c, err, "failed to set max parallel")
		return
	}
	h.GetMaxParallel(c)
}

// Model endpoints

// ListModels lists model configs
// GET /api/v1/models
func (h *Handler) ListModels(c *gin.Context) {
	cfgs, err := h.service.ListModels(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to list models")
		return
	}
	resp := ModelsListResponse{
		Models: make([]*ModelResponse, len(cfgs)),
		Total:  len(cfgs),
	}
	for i, m := range cfgs {
		resp.Models[i] = modelToResponse(m)
	}
	c.JSON(http.StatusOK, resp)
}

// GetModel returns one model config
// GET /api/v1/models/:id
func (h *Handler) GetModel(c *gin.Context) {
	cfg, err := h.service.GetModel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to load model")
		return
	}
	c.JSON(http.StatusOK, modelToResponse(cfg))
}

// PutModel creates or replaces a model config
// PUT /api/v1/models/:id
func (h *Handler) PutModel(c *gin.Context) {
	var req PutModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(err.Error()))
		return
	}

	modelID := c.Param("id")
	cfg := &models.ModelConfig{
		ModelID:                 modelID,
		DisplayName:             req.DisplayName,
		Endpoint:                req.Endpoint,
		UpstreamModel:           req.UpstreamModel,
		ActivityTimeoutMinutes:  req.ActivityTimeoutMinutes,
		WallClockTimeoutMinutes: req.WallClockTimeoutMinutes,
		Enabled:                 true,
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.APIKey != nil {
		cfg.APIKey = *req.APIKey
	} else if existing, err := h.service.GetModel(c.Request.Context(), modelID); err == nil {
		cfg.APIKey = existing.APIKey
	}

	saved, err := h.service.PutModel(c.Request.Context(), cfg)
	if err != nil {
		h.fail(c, err, "failed to save model")
		return
	}
	c.JSON(http.StatusOK, modelToResponse(saved))
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.ValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}

// fail maps service errors onto the API error envelope.
func (h *Handler) fail(c *gin.Context, err error, msg string) {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		_ = c.Error(appErr)
	case errors.Is(err, repository.ErrTaskNotFound):
		_ = c.Error(apperrors.NotFound("task", c.Param("id")))
	case errors.Is(err, repository.ErrRunNotFound):
		_ = c.Error(apperrors.NotFound("run", models.RunKey(c.Param("id"), c.Param("model"))))
	case errors.Is(err, repository.ErrModelNotFound):
		_ = c.Error(apperrors.NotFound("model", c.Param("id")))
	default:
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
		_ = c.Error(apperrors.InternalError(msg, err))
	}
}
