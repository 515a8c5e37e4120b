package middleware

import (
	"time"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader заголовок с идентификатором запроса
const RequestIDHeader = "X-Request-ID"

// LoggerMiddleware создает middleware для логирования запросов
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		c.Next()

		latencyTime := time.Since(startTime)
		statusCode := c.Writer.Status()
		kv := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", statusCode,
			"latency", latencyTime.String(),
			"clientIP", c.ClientIP(),
			"requestID", requestID,
		}

		switch {
		case statusCode >= 500:
			log.Errorw("HTTP request", kv...)
		case statusCode >= 400:
			log.Warnw("HTTP request", kv...)
		default:
			log.Infow("HTTP request", kv...)
		}
	}
}
