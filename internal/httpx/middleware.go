package httpx

import (
	"log/slog"
	"net/http"
	"time"

	obsmw "e2ee-sessions/internal/observability/middleware"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// LogRequests logs method, path, status and latency for every request.
// Health and metrics probes are logged at debug.
func LogRequests(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
				level = slog.LevelDebug
			}
			log.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", obsmw.RequestIDFromContext(r.Context())),
				slog.String("trace_id", obsmw.TraceIDFromContext(r.Context())),
			)
		})
	}
}
