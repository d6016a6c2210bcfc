package observability

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

func TestLoggerRoundTrip(t *testing.T) {
	lg := slog.New(slog.NewTextHandler(os.Stderr, nil)).With(slog.String("request_id", "r1"))
	ctx := ContextWithLogger(context.Background(), lg)

	if got := LoggerFromContext(ctx); got != lg {
		t.Fatalf("LoggerFromContext returned %v, want the attached logger", got)
	}
}

func TestLoggerFallsBackToDefault(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got != slog.Default() {
		t.Fatal("bare context should yield slog.Default")
	}
	if got := LoggerFromContext(nil); got != slog.Default() { //nolint:staticcheck // nil-context fallback is part of the contract
		t.Fatal("nil context should yield slog.Default")
	}
}

func TestNilLoggerLeavesContextUntouched(t *testing.T) {
	base := context.Background()
	if got := ContextWithLogger(base, nil); got != base {
		t.Fatal("attaching a nil logger must return the original context")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-123")
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Fatalf("RequestIDFromContext = %q, want req-123", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("bare context should yield no request id, got %q", got)
	}
}

func TestEmptyRequestIDLeavesContextUntouched(t *testing.T) {
	base := context.Background()
	if got := ContextWithRequestID(base, ""); got != base {
		t.Fatal("empty request id must return the original context")
	}
}
