package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alephworks/alephauto/internal/adapter/httpserver"
	"github.com/alephworks/alephauto/internal/adapter/repo/sqlite"
	"github.com/alephworks/alephauto/internal/app"
	"github.com/alephworks/alephauto/internal/config"
	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/event"
	"github.com/alephworks/alephauto/internal/usecase"
	"github.com/alephworks/alephauto/internal/worker"
)

func newRouter(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := sqlite.NewJobRepo(db)
	bus := event.NewBus(64)
	manager := worker.NewManager()
	retries := worker.NewController(domain.RetryConfig{MaxAttempts: 2}, repo, bus)
	feed := event.NewFeed(bus, event.DefaultCapacity, nil)

	status := usecase.NewStatusService(repo, nil, manager, retries, feed)
	jobs := usecase.NewJobService(repo, manager, retries, bus)
	scans := usecase.NewScanService(repo, manager)
	hub := httpserver.NewHub(bus, 8, app.ParseOrigins(cfg.CORSAllowOrigins))
	srv := httpserver.NewServer(cfg, status, jobs, scans, hub, app.BuildDBCheck(db))

	return app.BuildRouter(cfg, srv)
}

func TestBuildRouterServesCoreRoutes(t *testing.T) {
	h := newRouter(t, config.Config{Port: 8080, RateLimitPerMin: 100})

	for _, path := range []string{"/health", "/healthz", "/readyz", "/api/status", "/ws/status"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestBuildRouterAppliesSecurityAndRequestHeaders(t *testing.T) {
	h := newRouter(t, config.Config{Port: 8080, RateLimitPerMin: 100})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestBuildRouterUnknownRouteIs404(t *testing.T) {
	h := newRouter(t, config.Config{Port: 8080, RateLimitPerMin: 100})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildRouterRateLimitsScanStarts(t *testing.T) {
	h := newRouter(t, config.Config{Port: 8080, RateLimitPerMin: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/scans/start", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	// The first two hit the handler (and fail validation); the third is
	// rejected by the limiter before the handler runs.
	assert.Equal(t, http.StatusBadRequest, codes[0])
	assert.Equal(t, http.StatusBadRequest, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
}

func TestBuildRouterAllowsWebSocketUpgrade(t *testing.T) {
	// The upgrade needs to hijack the connection, so /ws must sit outside
	// the request-deadline group. Dialing through the full middleware stack
	// catches any wrapper that swallows http.Hijacker.
	h := newRouter(t, config.Config{Port: 8080, RateLimitPerMin: 100, WSSendBuffer: 8})
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "connected", frame["type"])
}

func TestParseOrigins(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.com, https://b.com", []string{"https://a.com", "https://b.com"}},
		{"  ,  ", []string{"*"}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, app.ParseOrigins(c.in), c.in)
	}
}
