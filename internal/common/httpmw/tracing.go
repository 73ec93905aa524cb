package httpmw

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/tracing"
)

// OtelTracing wraps each API request in a span carrying the run key. Websocket
// streams are left untraced since their span would last as long as the
// connection. Without an OTLP endpoint the tracer is a no-op.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		route := routeOf(c)
		if isStreamRoute(route) {
			c.Next()
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		taskID, modelID := runKey(c)
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(route),
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.String("runpool.request_id", logger.RequestIDFromContext(ctx)),
			attribute.String("runpool.task_id", taskID),
			attribute.String("runpool.model_id", modelID),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

func isStreamRoute(route string) bool {
	return route == "/api/v1/ws" || strings.HasSuffix(route, "/stream")
}
