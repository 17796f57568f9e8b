package log

import (
	"net/http"
	"time"
)

// RequestObserver is told the outcome of every request passing through HTTPMiddleware
type RequestObserver func(r *http.Request, status int, elapsed time.Duration)

// statusRecorder captures the status code and body size written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// HTTPMiddleware logs one structured line per request and reports it to observe, which may be nil.
// Requests to skipPaths are observed but not logged.
func HTTPMiddleware(observe RequestObserver, skipPaths ...string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			elapsed := time.Since(start)
			if observe != nil {
				observe(r, rec.status, elapsed)
			}
			if _, ok := skip[r.URL.Path]; ok {
				return
			}
			LogHTTPRequest(r.Method, r.URL.Path, rec.status, elapsed, rec.size, r.RemoteAddr, r.UserAgent())
		})
	}
}

// LogHTTPRequest logs an HTTP request/response pair. Server errors log at error level, the rest at debug.
func LogHTTPRequest(method, path string, status int, duration time.Duration, size int, remoteAddr, userAgent string) {
	fields := []interface{}{
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", duration.Milliseconds(),
		"size", size,
		"remote_addr", remoteAddr,
		"user_agent", userAgent,
	}

	if status >= http.StatusInternalServerError {
		Errorw("http request", fields...)
		return
	}
	Debugw("http request", fields...)
}
