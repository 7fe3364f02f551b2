// Package httpmw provides gin middleware for the agent-facing loopback
// service: request logging and OTel spans, both attributed to the calling
// agent. The identity token from the handshake URL is never logged.
package httpmw

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/common/tracing"
)

// RequestLogger logs each request after the handler completes, tagged with
// the agent id from the handshake query when present.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if agent := c.Query("agent"); agent != "" {
			fields = append(fields, zap.String("agent_id", agent))
		}

		if status >= 500 {
			log.Error("http", fields...)
		} else {
			log.Debug("http", fields...)
		}
	}
}

// OtelTracing wraps each request in an OTel span. A no-op when tracing is
// disabled (no OTEL_EXPORTER_OTLP_ENDPOINT).
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		spanName := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		ctx, span := tracer.Start(c.Request.Context(), spanName)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(c.Request.URL.Path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
		)
		if agent := c.Query("agent"); agent != "" {
			span.SetAttributes(attribute.String("agent_id", agent))
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
