package streaming

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/errors"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API only listens on loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RunLookup resolves a (task, model) pair to its run.
type RunLookup interface {
	GetRunByKey(ctx context.Context, taskID, modelID string) (*models.Run, error)
}

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub    *Hub
	runs   RunLookup
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub *Hub, runs RunLookup, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		runs:   runs,
		logger: log.Component("ws_handler"),
	}
}

// StreamRun streams one run's events without a subscribe message.
// WS /api/v1/tasks/:id/runs/:model/stream
func (h *WSHandler) StreamRun(c *gin.Context) {
	taskID, modelID := c.Param("id"), c.Param("model")
	run, err := h.runs.GetRunByKey(c.Request.Context(), taskID, modelID)
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			_ = c.Error(apperrors.NotFound("run", models.RunKey(taskID, modelID)))
			return
		}
		_ = c.Error(apperrors.InternalError("failed to load run", err))
		return
	}

	client, ok := h.accept(c)
	if !ok {
		return
	}
	client.Subscribe(run.ID)
	h.pump(client)
}

// StreamAll streams events of whatever runs the client subscribes to.
// WS /api/v1/ws
func (h *WSHandler) StreamAll(c *gin.Context) {
	client, ok := h.accept(c)
	if !ok {
		return
	}
	h.pump(client)
}

func (h *WSHandler) accept(c *gin.Context) (*Client, bool) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return nil, false
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)
	h.logger.Info("WebSocket connection established", zap.String("client_id", client.ID))
	return client, true
}

func (h *WSHandler) pump(client *Client) {
	go client.WritePump()
	go client.ReadPump()
}

// SetupWebSocketRoutes adds WebSocket routes to the router
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/ws", handler.StreamAll)
	router.GET("/tasks/:id/runs/:model/stream", handler.StreamRun)
}
