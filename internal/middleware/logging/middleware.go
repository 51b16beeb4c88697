// Package logging provides the HTTP access log middleware.
package logging

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/mcncl/edge-pipeline/internal/logging"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

// WithStructuredLogging logs the start and completion of every request. The
// correlation id is minted inside the pipeline, so the completion entry reads
// it back from the response headers.
func WithStructuredLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			lrw := logging.NewLogResponseWriter(w)

			logger.DebugContext(r.Context(), "Request started",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"correlation_id", r.Header.Get(pipeline.HeaderCorrelationID),
			)

			next.ServeHTTP(lrw, r)

			correlationID := lrw.Header().Get(pipeline.HeaderCorrelationID)
			if correlationID == "" {
				correlationID = "unknown"
			}

			level := slog.LevelInfo
			if lrw.StatusCode() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "Request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"correlation_id", correlationID,
				"status", lrw.StatusCode(),
				"duration_ms", time.Since(start).Milliseconds(),
				"size", lrw.Size(),
			)
		})
	}
}
