package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
)

const requestIDKey = "request_id"

// RequestID tags each request with the caller's X-Request-ID or a new one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// Logger logs every ops request. Health probes only log at debug.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		requestID, _ := c.Get(requestIDKey)
		status := c.Writer.Status()
		entry := log.WithFields(map[string]interface{}{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       path,
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
			"ip":         c.ClientIP(),
		})

		switch {
		case status >= 500:
			var err error
			if last := c.Errors.Last(); last != nil {
				err = last
			}
			entry.Error("Server error", err)
		case status >= 400:
			entry.Warn("Client error")
		case path == "/health":
			entry.Debug("Health probe")
		default:
			entry.Info("Request completed")
		}
	}
}
