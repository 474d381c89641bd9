package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaylabs/async-sidecar/internal/traffic"
)

// bodyCaptureWriter tees the response body into a buffer alongside the
// real gin.ResponseWriter, so TrafficMiddleware can record it without
// affecting what the client receives.
type bodyCaptureWriter struct {
	gin.ResponseWriter
	buf *bytes.Buffer
}

func (w *bodyCaptureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// TrafficMiddleware records every request/response pair into log for the
// debug traffic endpoints. It is purely diagnostic: a nil log disables
// recording entirely.
func TrafficMiddleware(log *traffic.Log) gin.HandlerFunc {
	return func(c *gin.Context) {
		if log == nil {
			c.Next()
			return
		}

		start := time.Now()
		requestID := traceIDFrom(c)

		var payload any
		if c.Request.Body != nil {
			raw, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(raw))
			if len(raw) > 0 {
				_ = json.Unmarshal(raw, &payload)
			}
		}

		log.RecordRequest(&traffic.Entry{
			RequestID:  requestID,
			Timestamp:  start.UTC().Format(time.RFC3339Nano),
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			Query:      c.Request.URL.RawQuery,
			RemoteAddr: c.ClientIP(),
			Headers:    traffic.SafeHeaders(c.Request.Header),
			Payload:    payload,
		})

		capture := &bodyCaptureWriter{ResponseWriter: c.Writer, buf: &bytes.Buffer{}}
		c.Writer = capture

		c.Next()

		var respPayload any
		_ = json.Unmarshal(capture.buf.Bytes(), &respPayload)

		log.RecordResponse(requestID, &traffic.ResponseMeta{
			StatusCode:  c.Writer.Status(),
			DurationMs:  float64(time.Since(start).Microseconds()) / 1000,
			ContentType: c.Writer.Header().Get("Content-Type"),
			Payload:     respPayload,
		})
	}
}
