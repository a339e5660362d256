package middleware

import (
	"net/http"
	"time"
)

// RequestRecorder receives per-route request outcomes.
// *metrics.Collector implements it.
type RequestRecorder interface {
	RecordRequest(route string, status int, duration time.Duration)
	RequestStarted() func()
}

// Metrics records requests under route, the registered pattern. Raw paths
// are never used as labels.
func Metrics(rec RequestRecorder, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rec == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			done := rec.RequestStarted()
			defer done()

			start := time.Now()
			rw := NewStatusRecorder(w)
			next.ServeHTTP(rw, r)
			rec.RecordRequest(route, rw.Status, time.Since(start))
		})
	}
}
