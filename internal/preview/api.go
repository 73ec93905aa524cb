package preview

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/errors"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/portutil"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

// Handler contains HTTP handlers for preview sessions
type Handler struct {
	manager *Manager
	logger  *logger.Logger
}

// NewHandler creates a new preview handler
func NewHandler(mgr *Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager: mgr,
		logger:  log,
	}
}

// SetupRoutes configures the preview control routes
func SetupRoutes(router *gin.RouterGroup, mgr *Manager, log *logger.Logger) {
	handler := NewHandler(mgr, log)

	previews := router.Group("/previews")
	{
		previews.GET("", handler.ListSessions)
		previews.GET("/:taskId/:modelId", handler.GetSession)
		previews.POST("/:taskId/:modelId/start", handler.StartSession)
		previews.POST("/:taskId/:modelId/stop", handler.StopSession)
		previews.POST("/:taskId/:modelId/heartbeat", handler.Heartbeat)
	}
}

// SetupStaticRoutes serves static artifacts under /preview.
func SetupStaticRoutes(router gin.IRoutes, mgr *Manager, log *logger.Logger) {
	handler := NewHandler(mgr, log)
	router.GET("/preview/:taskId/:modelId/*path", handler.ServeStatic)
	router.HEAD("/preview/:taskId/:modelId/*path", handler.ServeStatic)
}

// ListSessions lists preview sessions
// GET /api/v1/previews
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.manager.List()
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// GetSession reports one session
// GET /api/v1/previews/:taskId/:modelId
func (h *Handler) GetSession(c *gin.Context) {
	info, err := h.manager.Status(c.Param("taskId"), c.Param("modelId"))
	if err != nil {
		_ = c.Error(h.mapError(c, err))
		return
	}
	c.JSON(http.StatusOK, info)
}

// StartSession opens or reuses a preview
// POST /api/v1/previews/:taskId/:modelId/start
func (h *Handler) StartSession(c *gin.Context) {
	info, err := h.manager.Start(c.Request.Context(), c.Param("taskId"), c.Param("modelId"))
	if err != nil {
		_ = c.Error(h.mapError(c, err))
		return
	}
	c.JSON(http.StatusOK, info)
}

// StopSession tears a preview down. Stopping an absent session succeeds.
// POST /api/v1/previews/:taskId/:modelId/stop
func (h *Handler) StopSession(c *gin.Context) {
	err := h.manager.Stop(c.Request.Context(), c.Param("taskId"), c.Param("modelId"))
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		_ = c.Error(h.mapError(c, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": err == nil})
}

// Heartbeat keeps a preview alive
// POST /api/v1/previews/:taskId/:modelId/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	info, err := h.manager.Heartbeat(c.Param("taskId"), c.Param("modelId"))
	if err != nil {
		_ = c.Error(h.mapError(c, err))
		return
	}
	c.JSON(http.StatusOK, info)
}

// ServeStatic serves a file of a static preview
// GET /preview/:taskId/:modelId/*path
func (h *Handler) ServeStatic(c *gin.Context) {
	root, err := h.manager.StaticRoot(c.Param("taskId"), c.Param("modelId"))
	if err != nil {
		_ = c.Error(h.mapError(c, err))
		return
	}
	file := path.Clean("/" + strings.TrimPrefix(c.Param("path"), "/"))
	c.FileFromFS(file, http.Dir(root))
}

func (h *Handler) mapError(c *gin.Context, err error) error {
	key := models.RunKey(c.Param("taskId"), c.Param("modelId"))
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return apperrors.NotFound("preview session", key)
	case errors.Is(err, repository.ErrRunNotFound):
		return apperrors.NotFound("run", key)
	case errors.Is(err, ErrUnpreviewable):
		return apperrors.Conflict(err.Error())
	case errors.Is(err, portutil.ErrNoFreePort):
		return apperrors.ResourceExhausted("preview port", err)
	default:
		h.logger.Error("preview request failed", zap.String("key", key), zap.Error(err))
		return apperrors.InternalError("preview failed", err)
	}
}
