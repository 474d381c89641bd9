package httpapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// traceIDHeader is the header the per-request trace id is echoed on, so a
// caller can correlate its request with the sidecar's structured logs.
const traceIDHeader = "X-Trace-Id"

// TraceIDMiddleware attaches a uuid trace id to every request, mirroring
// the teacher's uuid.New().String() job/trace id pattern.
func TraceIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := uuid.New().String()
		c.Set("trace_id", traceID)
		c.Writer.Header().Set(traceIDHeader, traceID)
		c.Next()
	}
}

// LoggerMiddleware logs every request with slog, adapted from the
// teacher's router.LoggerMiddleware with the trace id folded in.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("http request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("trace_id", traceIDFrom(c)),
			slog.Duration("latency", time.Since(start)),
		)

		for _, e := range c.Errors {
			logger.Error("request error",
				slog.String("error", e.Error()),
				slog.String("trace_id", traceIDFrom(c)),
			)
		}
	}
}

// CORSMiddleware handles cross-origin access, carried from the teacher's
// router package unchanged.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func traceIDFrom(c *gin.Context) string {
	v, ok := c.Get("trace_id")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
