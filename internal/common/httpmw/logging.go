package httpmw

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
)

// quietRoute reports routes polled by clients every few seconds. They are only
// logged on failure.
func quietRoute(route string) bool {
	switch route {
	case "/health", "/api/v1/previews/:taskId/:modelId/heartbeat", "/preview/:taskId/:modelId/*path":
		return true
	}
	return false
}

// runKey extracts the task and model a request addresses. The run API names
// them :id and :model, the preview API :taskId and :modelId.
func runKey(c *gin.Context) (taskID, modelID string) {
	taskID = c.Param("taskId")
	if taskID == "" && strings.HasPrefix(c.FullPath(), "/api/v1/tasks/") {
		taskID = c.Param("id")
	}
	modelID = c.Param("modelId")
	if modelID == "" {
		modelID = c.Param("model")
	}
	return taskID, modelID
}

func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return c.Request.URL.Path
}

// RequestLogger logs each request after its handler returns, tagged with the
// request ID and the run key. Server errors log at error, client errors at
// info and the rest at debug.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	log = log.Component(serverName + "-http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := routeOf(c)
		status := c.Writer.Status()
		if quietRoute(route) && status < 500 {
			return
		}
		taskID, modelID := runKey(c)
		reqLog := log.WithContext(c.Request.Context()).ForRun(taskID, modelID, "")
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", max(c.Writer.Size(), 0)),
		}
		switch {
		case status >= 500:
			reqLog.Error("http", fields...)
		case status >= 400:
			reqLog.Info("http", fields...)
		default:
			reqLog.Debug("http", fields...)
		}
	}
}
