package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/outpost-sec/outpost/internal/logger"
)

// LoggingMiddleware logs every HTTP request with its outcome.
func LoggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.Infow("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}
