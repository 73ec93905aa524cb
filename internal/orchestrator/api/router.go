package api

import (
	"github.com/gin-gonic/gin"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator"
)

// SetupRoutes configures the orchestrator API routes
func SetupRoutes(router *gin.RouterGroup, svc *orchestrator.Service, log *logger.Logger) {
	handler := NewHandler(svc, log)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("/:id", handler.GetTask)
		tasks.POST("/:id/stop", handler.StopTask)

		// Run sub-resources, addressed by model
		tasks.POST("/:id/runs/:model/start", handler.StartRun)
		tasks.POST("/:id/runs/:model/stop", handler.StopRun)
		tasks.GET("/:id/runs/:model/events", handler.ListEvents)
	}

	cfg := router.Group("/config")
	{
		cfg.GET("/max-parallel", handler.GetMaxParallel)
		cfg.PUT("/max-parallel", handler.SetMaxParallel)
	}

	modelRoutes := router.Group("/models")
	{
		modelRoutes.GET("", handler.ListModels)
		modelRoutes.GET("/:id", handler.GetModel)
		modelRoutes.PUT("/:id", handler.PutModel)
	}
}
