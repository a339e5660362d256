package middleware

import "net/http"

// StatusRecorder wraps http.ResponseWriter to capture the status code.
type StatusRecorder struct {
	http.ResponseWriter
	Status  int
	written bool
}

// NewStatusRecorder wraps w. The status defaults to 200.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	if sr, ok := w.(*StatusRecorder); ok {
		return sr
	}
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

// WriteHeader captures the status code before writing.
func (sr *StatusRecorder) WriteHeader(code int) {
	if sr.written {
		return
	}
	sr.Status = code
	sr.written = true
	sr.ResponseWriter.WriteHeader(code)
}

// Write ensures WriteHeader is called if not already done.
func (sr *StatusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.WriteHeader(http.StatusOK)
	}
	return sr.ResponseWriter.Write(b)
}

// Written reports whether the header has been sent.
func (sr *StatusRecorder) Written() bool { return sr.written }

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *StatusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }
