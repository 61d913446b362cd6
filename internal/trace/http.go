package trace

import "net/http"

// Middleware extracts or creates trace context for status server requests,
// echoes the trace id back so clients can quote it, and spans the request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := extractFromHeaders(r)
		w.Header().Set(TraceIDKey, tc.TraceID)

		ctx, span := startSpanAs(r.Context(), tc, "http."+r.Method)
		defer span.End()
		span.SetAttr("path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractFromHeaders gets trace context from HTTP headers. A request without
// a trace id starts a new trace.
func extractFromHeaders(r *http.Request) Context {
	tc := Context{
		TraceID:      r.Header.Get(TraceIDKey),
		ParentSpanID: r.Header.Get(SpanIDKey),
		SpanID:       generateSpanID(),
	}
	if tc.TraceID == "" {
		tc.TraceID = generateTraceID()
	}
	return tc
}
