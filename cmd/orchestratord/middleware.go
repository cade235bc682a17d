package main

import (
	"net/http"
	"time"

	"github.com/itsneelabh/orchestrator-core/internal/logger"
)

// responseWriter wraps http.ResponseWriter to capture the status code
// written, so logging middleware can report it after the handler returns.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher so handlers that stream (artifact download
// of a growing trace file) keep working through the middleware.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// loggingMiddleware logs every request in dev mode; in production it only
// logs responses with status >= 400 and requests slower than one second.
func loggingMiddleware(log logger.Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			shouldLog := devMode || wrapped.statusCode >= 400 || duration > time.Second
			if !shouldLog || log == nil {
				return
			}

			fields := logger.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
				"remote_addr": r.RemoteAddr,
				"user_agent":  r.UserAgent(),
			}
			if r.URL.RawQuery != "" {
				fields["query"] = r.URL.RawQuery
			}
			if r.ContentLength > 0 {
				fields["content_length"] = r.ContentLength
			}

			switch {
			case wrapped.statusCode >= 500:
				log.ErrorWithContext(r.Context(), "http request error", fields)
			case wrapped.statusCode >= 400:
				log.WarnWithContext(r.Context(), "http request client error", fields)
			case duration > time.Second:
				log.WarnWithContext(r.Context(), "http request slow", fields)
			default:
				log.InfoWithContext(r.Context(), "http request", fields)
			}
		})
	}
}
