package bridge

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cargoline/opsdash/internal/logger"
)

// requestLogger tags each request with an X-Request-ID and logs it once done.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = logger.GenerateRequestID()
		}
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))

		start := time.Now()
		c.Next()

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		}

		reqLog := log.WithContext(c.Request.Context())
		if c.Writer.Status() >= 500 {
			reqLog.Warn("request failed", attrs...)
			return
		}
		reqLog.Debug("request completed", attrs...)
	}
}
