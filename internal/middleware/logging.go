package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

const modelIDKey contextKey = "model_id"

// SetModelID records the model resolved for the in-flight request (by the
// router, once it has parsed the request body) so StructuredLogging can
// attribute the access log line to a model. No-op if the request wasn't
// wrapped by StructuredLogging.
func SetModelID(ctx context.Context, modelID string) {
	if p, ok := ctx.Value(modelIDKey).(*string); ok {
		*p = modelID
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type logEntry struct {
	Timestamp  string `json:"timestamp"`
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Status     int    `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	BytesOut   int    `json:"bytes_out"`
	RemoteAddr string `json:"remote_addr"`
	ModelID    string `json:"model_id,omitempty"`
}

// StructuredLogging returns middleware that logs requests in JSON or text
// format. It installs a model-ID slot the router fills in via SetModelID
// once it has parsed the target model out of the request body, so the
// access log line can be attributed to a model even though logging wraps
// the router from the outside, before routing happens.
func StructuredLogging(format string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: 200}

			var modelID string
			ctx := context.WithValue(r.Context(), modelIDKey, &modelID)
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			reqID := GetRequestID(r.Context())

			if format == "json" {
				entry := logEntry{
					Timestamp:  start.UTC().Format(time.RFC3339),
					RequestID:  reqID,
					Method:     r.Method,
					Path:       r.URL.Path,
					Status:     rec.statusCode,
					DurationMs: duration.Milliseconds(),
					BytesOut:   rec.bytes,
					RemoteAddr: r.RemoteAddr,
					ModelID:    modelID,
				}
				b, _ := json.Marshal(entry)
				log.Println(string(b))
			} else {
				switch {
				case reqID != "" && modelID != "":
					log.Printf("[http] %s %s %d %v [%s] model=%s", r.Method, r.URL.Path, rec.statusCode, duration, reqID, modelID)
				case reqID != "":
					log.Printf("[http] %s %s %d %v [%s]", r.Method, r.URL.Path, rec.statusCode, duration, reqID)
				default:
					log.Printf("[http] %s %s %d %v", r.Method, r.URL.Path, rec.statusCode, duration)
				}
			}
		})
	}
}
