package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dj-oyu/detection-stream-server/internal/logger"
)

type callerKey struct{}

// withCaller is the authentication stub: an X-User-ID header, when
// present, identifies the caller and is attached to stored events.
func withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 1 {
			writeError(w, http.StatusUnauthorized, "invalid X-User-ID")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, id)))
	})
}

// callerID returns the authenticated user id, or nil.
func callerID(ctx context.Context) *int64 {
	id, ok := ctx.Value(callerKey{}).(int64)
	if !ok {
		return nil
	}
	return &id
}

// statusWriter records the response status. It keeps Flush and Unwrap
// so event streams and ResponseController still reach the real writer.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("API", "%s %s -> %d (%s)", r.Method, r.URL.Path, status, time.Since(start))
			return
		}
		logger.Debug("API", "%s %s -> %d (%s)", r.Method, r.URL.Path, status, time.Since(start))
	})
}
