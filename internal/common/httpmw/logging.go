// Package httpmw holds gin middleware shared by the HTTP gateway.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/benodiwal/medusa/internal/common/logger"
)

// RequestLogger logs each request once its handler returns. Server errors
// log at Error, everything else at Debug.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", routeOf(c)),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", max(c.Writer.Size(), 0)),
		}
		if task := c.Param("id"); task != "" {
			fields = append(fields, zap.String("task_id", task))
		}
		if c.Writer.Status() >= 500 {
			log.Error("http", fields...)
			return
		}
		log.Debug("http", fields...)
	}
}

// Recovery turns a handler panic into a 500 and logs it.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic in http handler", zap.String("path", routeOf(c)), zap.Any("panic", recovered))
		c.AbortWithStatusJSON(500, gin.H{"error": "internal server error", "code": "internal"})
	})
}

func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return c.Request.URL.Path
}
