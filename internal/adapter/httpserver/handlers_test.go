package httpserver_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alephworks/alephauto/internal/adapter/httpserver"
	"github.com/alephworks/alephauto/internal/adapter/repo/sqlite"
	"github.com/alephworks/alephauto/internal/config"
	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/event"
	"github.com/alephworks/alephauto/internal/usecase"
	"github.com/alephworks/alephauto/internal/worker"
)

type gateway struct {
	router  http.Handler
	srv     *httpserver.Server
	repo    *sqlite.JobRepo
	db      *sql.DB
	bus     *event.Bus
	manager *worker.Manager
}

type gatewayOptions struct {
	specs         []config.PipelineSpec
	handler       domain.JobHandler
	maxConcurrent int
}

func defaultSpecs() []config.PipelineSpec {
	return []config.PipelineSpec{
		{ID: "repomix", Name: "Repomix Generator", Cron: "0 2 * * *"},
		{ID: "duplicate-detection", Name: "Duplicate Detection", Cron: "0 3 * * *"},
	}
}

func newGateway(t *testing.T, opts gatewayOptions) *gateway {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := sqlite.NewJobRepo(db)

	bus := event.NewBus(256)
	retries := worker.NewController(domain.RetryConfig{MaxAttempts: 2}, repo, bus)
	manager := worker.NewManager()

	if opts.handler == nil {
		opts.handler = func(_ domain.Context, _ domain.Job) (any, error) {
			return map[string]int{"files": 3}, nil
		}
	}
	if len(opts.specs) == 0 {
		opts.specs = defaultSpecs()
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	for _, spec := range opts.specs {
		w := worker.NewWorker(worker.Options{
			PipelineID:    spec.ID,
			Handler:       opts.handler,
			MaxConcurrent: opts.maxConcurrent,
			QueueCapacity: 64,
		}, repo, bus, retries)
		w.Start(runCtx)
		manager.Register(w)
	}

	feed := event.NewFeed(bus, 50, nil)
	statusSvc := usecase.NewStatusService(repo, opts.specs, manager, retries, feed)
	jobsSvc := usecase.NewJobService(repo, manager, retries, bus)
	scansSvc := usecase.NewScanService(repo, manager)
	hub := httpserver.NewHub(bus, 32, []string{"*"})

	srv := httpserver.NewServer(config.Config{Port: 8080, WSSendBuffer: 32},
		statusSvc, jobsSvc, scansSvc, hub,
		func(c context.Context) error { return db.PingContext(c) })

	r := chi.NewRouter()
	r.Get("/health", srv.HealthHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/api/status", srv.StatusHandler())
	r.Get("/api/pipelines/{id}/jobs", srv.PipelineJobsHandler())
	r.Get("/api/jobs", srv.JobsHandler())
	r.Post("/api/jobs/{id}/cancel", srv.CancelJobHandler())
	r.Post("/api/scans/start", srv.StartScanHandler())
	r.Post("/api/scans/start-multi", srv.StartMultiScanHandler())
	r.Get("/api/scans/{jobId}/status", srv.ScanStatusHandler())
	r.Get("/api/scans/{jobId}/results", srv.ScanResultsHandler())
	r.Get("/ws/status", srv.WSStatusHandler())

	return &gateway{router: r, srv: srv, repo: repo, db: db, bus: bus, manager: manager}
}

func (g *gateway) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), "body: %s", rec.Body.String())
	return m
}

func seedJob(t *testing.T, repo *sqlite.JobRepo, id, pipeline string, status domain.JobStatus, created time.Time) {
	t.Helper()
	j := domain.Job{ID: id, PipelineID: pipeline, Status: status, CreatedAt: created}
	if status.Terminal() {
		done := created.Add(time.Minute)
		j.CompletedAt = &done
	}
	require.NoError(t, repo.Insert(context.Background(), j))
}

func TestHealthEndpoint(t *testing.T) {
	g := newGateway(t, gatewayOptions{})

	rec := g.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestStatusEndpointEmptyStore(t *testing.T) {
	g := newGateway(t, gatewayOptions{})

	rec := g.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)

	pipelines := body["pipelines"].([]any)
	require.Len(t, pipelines, 2)
	for _, p := range pipelines {
		assert.Equal(t, "idle", p.(map[string]any)["status"])
	}
	queue := body["queue"].(map[string]any)
	assert.Equal(t, float64(0), queue["active"])
	assert.Equal(t, float64(0), queue["queued"])
	assert.Equal(t, []any{}, body["recent_activity"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestStatusEndpointSeededCounts(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 201; i++ {
		seedJob(t, g.repo, fmt.Sprintf("rx-%03d", i), "repomix", domain.JobCompleted, base.Add(time.Duration(i)*time.Second))
	}
	for i := 0; i < 10; i++ {
		seedJob(t, g.repo, fmt.Sprintf("dd-c-%02d", i), "duplicate-detection", domain.JobCompleted, base.Add(time.Duration(i)*time.Second))
	}
	for i := 0; i < 2; i++ {
		seedJob(t, g.repo, fmt.Sprintf("dd-f-%d", i), "duplicate-detection", domain.JobFailed, base.Add(time.Duration(300+i)*time.Second))
	}

	rec := g.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)

	pipelines := body["pipelines"].([]any)
	require.Len(t, pipelines, 2)

	dd := pipelines[0].(map[string]any)
	assert.Equal(t, "duplicate-detection", dd["id"])
	assert.Equal(t, float64(10), dd["completed_jobs"])
	assert.Equal(t, float64(2), dd["failed_jobs"])
	assert.Equal(t, "idle", dd["status"])
	assert.NotNil(t, dd["last_run"])
	assert.Nil(t, dd["next_run"])

	rx := pipelines[1].(map[string]any)
	assert.Equal(t, "repomix", rx["id"])
	assert.Equal(t, float64(201), rx["completed_jobs"])
	assert.Equal(t, float64(0), rx["failed_jobs"])
	assert.Equal(t, "idle", rx["status"])
}

func TestPipelineJobsPagination(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 150; i++ {
		seedJob(t, g.repo, fmt.Sprintf("p-%03d", i), "repomix", domain.JobCompleted, base.Add(time.Duration(i)*time.Second))
	}

	rec := g.do(t, http.MethodGet, "/api/pipelines/repomix/jobs?limit=50&offset=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "repomix", body["pipeline_id"])
	assert.Equal(t, float64(150), body["total"])
	assert.Len(t, body["jobs"].([]any), 50)
	assert.Equal(t, false, body["has_more"])

	rec = g.do(t, http.MethodGet, "/api/pipelines/repomix/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Len(t, body["jobs"].([]any), 50, "default limit")
	assert.Equal(t, true, body["has_more"])
}

func TestPipelineJobsRejectsBadQuery(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	for _, q := range []string{"limit=abc", "limit=0", "offset=-1", "status=teleported", "tab=pinned"} {
		rec := g.do(t, http.MethodGet, "/api/pipelines/repomix/jobs?"+q, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, "query %q", q)
		body := decode(t, rec)
		assert.Equal(t, "invalid_argument", body["error"], "query %q", q)
		assert.NotEmpty(t, body["timestamp"])
	}
}

func TestGlobalJobsFiltersByStatus(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	seedJob(t, g.repo, "a1", "repomix", domain.JobCompleted, base)
	seedJob(t, g.repo, "a2", "repomix", domain.JobFailed, base.Add(time.Second))
	seedJob(t, g.repo, "b1", "duplicate-detection", domain.JobFailed, base.Add(2*time.Second))

	rec := g.do(t, http.MethodGet, "/api/jobs?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["total"])
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, "failed", j.(map[string]any)["status"])
	}
}

func TestScanLifecycle(t *testing.T) {
	g := newGateway(t, gatewayOptions{maxConcurrent: 1})

	rec := g.do(t, http.MethodPost, "/api/scans/start", map[string]any{"repository_path": "/srv/site"})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	receipt := decode(t, rec)
	jobID := receipt["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "/api/scans/"+jobID+"/status", receipt["status_url"])
	assert.Equal(t, "/api/scans/"+jobID+"/results", receipt["results_url"])
	assert.Equal(t, "scan started", receipt["message"])

	require.Eventually(t, func() bool {
		rec := g.do(t, http.MethodGet, "/api/scans/"+jobID+"/status", nil)
		var m map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &m)
		return rec.Code == http.StatusOK && m["status"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	rec = g.do(t, http.MethodGet, "/api/scans/"+jobID+"/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode(t, rec)
	assert.Equal(t, "completed", results["status"])
	assert.Equal(t, map[string]any{"files": float64(3)}, results["result"])
}

func TestScanStartValidation(t *testing.T) {
	g := newGateway(t, gatewayOptions{})

	rec := g.do(t, http.MethodPost, "/api/scans/start", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "invalid_argument", body["error"])
	assert.Contains(t, body["message"], "repositorypath")

	req := httptest.NewRequest(http.MethodPost, "/api/scans/start", bytes.NewReader([]byte("{not json")))
	rec2 := httptest.NewRecorder()
	g.router.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestScanStartMulti(t *testing.T) {
	g := newGateway(t, gatewayOptions{})

	rec := g.do(t, http.MethodPost, "/api/scans/start-multi", map[string]any{
		"repository_paths": []string{"/srv/a", "/srv/b", "/srv/c"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	receipt := decode(t, rec)
	assert.Equal(t, float64(3), receipt["repository_count"])
	assert.NotEmpty(t, receipt["job_id"])

	rec = g.do(t, http.MethodPost, "/api/scans/start-multi", map[string]any{"repository_paths": []string{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanUnknownJobIs404(t *testing.T) {
	g := newGateway(t, gatewayOptions{})

	for _, path := range []string{"/api/scans/ghost/status", "/api/scans/ghost/results"} {
		rec := g.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "not_found", decode(t, rec)["error"])
	}
}

func TestCancelEndpointFlow(t *testing.T) {
	// Zero slots keep submissions queued so cancellation is deterministic.
	g := newGateway(t, gatewayOptions{maxConcurrent: 0})

	rec := g.do(t, http.MethodPost, "/api/scans/start", map[string]any{"repository_path": "/srv/site"})
	require.Equal(t, http.StatusCreated, rec.Code)
	jobID := decode(t, rec)["job_id"].(string)

	rec = g.do(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, jobID, decode(t, rec)["job_id"])

	require.Eventually(t, func() bool {
		rec := g.do(t, http.MethodGet, "/api/scans/"+jobID+"/status", nil)
		var m map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &m)
		return m["status"] == "cancelled"
	}, 5*time.Second, 10*time.Millisecond)

	rec = g.do(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode(t, rec)["error"])
}

func TestCancelUnknownJobIs404(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	rec := g.do(t, http.MethodPost, "/api/jobs/ghost/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadyzReflectsStoreHealth(t *testing.T) {
	g := newGateway(t, gatewayOptions{})

	rec := g.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, g.db.Close())
	rec = g.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWSStatusEndpoint(t *testing.T) {
	g := newGateway(t, gatewayOptions{})

	rec := g.do(t, http.MethodGet, "/ws/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["clients"])
}
