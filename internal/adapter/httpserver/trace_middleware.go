package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	obsctx "github.com/alephworks/alephauto/internal/observability"
)

// TraceMiddleware starts a span for each HTTP request and folds its ids into
// the context logger, so handler and usecase log lines correlate with traces.
// After routing the span is renamed to the chi route pattern to keep span
// names low-cardinality.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr := otel.Tracer("http.server")
		ctx, span := tr.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		if reqID := r.Header.Get("X-Request-Id"); reqID != "" {
			span.SetAttributes(attribute.String("request_id", reqID))
		}
		if sc := span.SpanContext(); sc.IsValid() {
			lg := obsctx.LoggerFromContext(ctx).With(
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
			ctx = obsctx.ContextWithLogger(ctx, lg)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
			}
		}
	})
}
