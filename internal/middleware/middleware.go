package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/aiserve/ratelimitd/internal/logging"
	"github.com/aiserve/ratelimitd/internal/metrics"
)

type contextKey int

const requestIDKey contextKey = iota

func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Instance-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Logger wraps next with request timing, in-flight tracking and
// structured request logging. It stamps a request ID into the context
// so Recovery can attach it to a panic log.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := logging.NewRequestID()
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		m := metrics.GetMetrics()
		m.IncrementRequestsInFlight()
		defer m.DecrementRequestsInFlight()

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		success := wrapped.statusCode >= 200 && wrapped.statusCode < 400
		m.RecordRequest(duration, success)

		fields := map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": wrapped.statusCode,
			"duration":    duration,
			"remote_addr": r.RemoteAddr,
			"request_id":  requestID,
		}

		if wrapped.statusCode >= 400 {
			logging.Error("Request failed", fields)
		} else {
			logging.Info("Request completed", fields)
		}
	})
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestID := GetRequestID(r.Context())
				stackTrace := string(debug.Stack())

				fields := map[string]interface{}{
					"method":      r.Method,
					"path":        r.URL.Path,
					"error":       err,
					"stack_trace": stackTrace,
					"request_id":  requestID,
				}

				logging.Error("Panic recovered", fields)
				log.Printf("panic: %v\n%s", err, stackTrace)

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":      "Internal server error",
					"request_id": requestID,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
