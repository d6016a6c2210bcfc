package httpserver

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	obsctx "github.com/alephworks/alephauto/internal/observability"
	"github.com/alephworks/alephauto/pkg/timex"
)

// Recoverer converts handler panics into JSON 500 responses. The panic value
// and stack stay in the log; the client gets a fixed envelope. The
// http.ErrAbortHandler sentinel is re-raised so aborted streams keep their
// net/http semantics.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				LoggerFrom(r).Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())))
				writeJSON(w, http.StatusInternalServerError, apiError{
					Error:     "internal",
					Message:   "internal server error",
					Timestamp: timex.Now(),
					Status:    http.StatusInternalServerError,
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID honors an inbound X-Request-Id or mints a ULID, reflects it on
// the response, and seeds the context logger that every later layer pulls
// attributes from. Trace ids join the logger once TraceMiddleware has opened
// the span.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = newReqID()
				r.Header.Set("X-Request-Id", reqID)
			}
			logger := slog.Default().With(slog.String("request_id", reqID))
			ctx := obsctx.ContextWithLogger(r.Context(), logger)
			ctx = obsctx.ContextWithRequestID(ctx, reqID)
			w.Header().Set("X-Request-Id", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// newReqID mints a ULID. ulid.Make is backed by a locked monotonic reader,
// so concurrent requests get ordered, unique ids.
func newReqID() string { return ulid.Make().String() }

// TimeoutMiddleware bounds request handling at d using http.TimeoutHandler,
// which also serializes late writes from abandoned handlers. It answers 503
// and hides http.Hijacker, so WebSocket routes must be mounted outside it.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	body := http.StatusText(http.StatusServiceUnavailable)
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, body)
	}
}

// hardening is applied to every response. HSTS is left to the TLS edge, and
// the API serves volatile job state, so caching is disabled outright.
var hardening = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders hardens every response for a bare JSON API surface.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range hardening {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerFrom extracts the request-scoped logger from the context or returns
// the default logger.
func LoggerFrom(r *http.Request) *slog.Logger {
	return obsctx.LoggerFromContext(r.Context())
}

// AccessLog writes one line per request with the chi route pattern, so log
// queries can join on the same route label the Prometheus middleware uses.
// Correlation ids ride in from the context logger rather than being repeated
// here.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				// Handler returned without writing; net/http will send 200.
				status = http.StatusOK
			}
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			lg := LoggerFrom(r)
			switch {
			case status >= http.StatusInternalServerError:
				lg.LogAttrs(r.Context(), slog.LevelError, "http request", attrs...)
			case status >= http.StatusBadRequest:
				lg.LogAttrs(r.Context(), slog.LevelWarn, "http request", attrs...)
			default:
				lg.LogAttrs(r.Context(), slog.LevelInfo, "http request", attrs...)
			}
		})
	}
}
