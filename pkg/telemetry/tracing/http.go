package tracing

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// TraceIDHeader echoes the request's trace ID to the caller.
const TraceIDHeader = "X-Trace-ID"

// HTTPHandler instruments an inbound handler. With tracing enabled every
// request gets a server span continuing the caller's trace; otherwise only
// the caller's trace context is extracted. The trace ID is echoed in
// X-Trace-ID either way.
func (t *Tracer) HTTPHandler(next http.Handler) http.Handler {
	if !t.Enabled() {
		return HTTPMiddleware(next)
	}
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := TraceID(r.Context()); id != "" {
			w.Header().Set(TraceIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
	// Span names carry the method only; paths contain secret names.
	return otelhttp.NewHandler(echo, "http.server",
		otelhttp.WithTracerProvider(t.TracerProvider()),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "HTTP " + r.Method
		}),
	)
}

// InstrumentClient returns a copy of c whose requests carry the trace
// context of their request context. A nil c uses a zero client.
func (t *Tracer) InstrumentClient(c *http.Client) *http.Client {
	var out http.Client
	if c != nil {
		out = *c
	}
	base := out.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	out.Transport = otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(t.TracerProvider()),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
	return &out
}
