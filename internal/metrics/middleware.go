package metrics

import (
	"net/http"
	"strconv"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	StatusCode int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	// Default to 200 OK if WriteHeader is not called.
	return &statusRecorder{w, http.StatusOK}
}

func (r *statusRecorder) WriteHeader(code int) {
	r.StatusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts responses served by next under endpointPath.
func Middleware(next http.Handler, endpointPath string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)
		HTTPResponses.WithLabelValues(endpointPath, strconv.Itoa(rec.StatusCode)).Inc()
	})
}
