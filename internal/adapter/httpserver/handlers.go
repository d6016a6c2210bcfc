package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alephworks/alephauto/internal/config"
	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/usecase"
	"github.com/alephworks/alephauto/pkg/timex"
)

const maxBodyBytes = 1 << 20 // scan request bodies are small JSON documents

// Server aggregates the gateway's handler dependencies.
type Server struct {
	Cfg     config.Config
	Status  usecase.StatusService
	Jobs    usecase.JobService
	Scans   usecase.ScanService
	Hub     *Hub
	DBCheck func(ctx context.Context) error
}

// NewServer constructs the gateway with all handlers wired.
func NewServer(cfg config.Config, status usecase.StatusService, jobs usecase.JobService, scans usecase.ScanService, hub *Hub, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Status: status, Jobs: jobs, Scans: scans, Hub: hub, DBCheck: dbCheck}
}

// HealthHandler reports liveness. It never touches the store.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": timex.Now(),
		})
	}
}

// StatusHandler returns the composed dashboard snapshot.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.Status.Compose(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type jobListResponse struct {
	PipelineID string            `json:"pipeline_id,omitempty"`
	Jobs       []usecase.JobView `json:"jobs"`
	Total      int               `json:"total"`
	HasMore    bool              `json:"has_more"`
	Timestamp  string            `json:"timestamp"`
}

// PipelineJobsHandler lists one pipeline's jobs with pagination.
func (s *Server) PipelineJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := filterFromQuery(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		filter.PipelineID = chi.URLParam(r, "id")
		page, err := s.Jobs.List(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, jobListResponse{
			PipelineID: filter.PipelineID,
			Jobs:       page.Jobs,
			Total:      page.Total,
			HasMore:    page.HasMore,
			Timestamp:  timex.Now(),
		})
	}
}

// JobsHandler lists jobs across every pipeline.
func (s *Server) JobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := filterFromQuery(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		page, err := s.Jobs.List(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, jobListResponse{
			Jobs:      page.Jobs,
			Total:     page.Total,
			HasMore:   page.HasMore,
			Timestamp: timex.Now(),
		})
	}
}

// CancelJobHandler requests cancellation of a queued or running job.
// Cancellation is asynchronous for running handlers, hence 202.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Jobs.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id":    id,
			"message":   "cancellation requested",
			"timestamp": timex.Now(),
		})
	}
}

// StartScanHandler submits a single-repository scan.
func (s *Server) StartScanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req usecase.ScanRequest
		if !decodeBody(w, r, &req) {
			return
		}
		receipt, err := s.Scans.Start(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, receipt)
	}
}

// StartMultiScanHandler submits one scan spanning several repositories.
func (s *Server) StartMultiScanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req usecase.MultiScanRequest
		if !decodeBody(w, r, &req) {
			return
		}
		receipt, err := s.Scans.StartMulti(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, receipt)
	}
}

// ScanStatusHandler reports the live status of a scan job.
func (s *Server) ScanStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.Scans.Status(r.Context(), chi.URLParam(r, "jobId"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// ScanResultsHandler returns the stored outcome of a scan job.
func (s *Server) ScanResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.Scans.Results(r.Context(), chi.URLParam(r, "jobId"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// WSStatusHandler reports WebSocket server health. Registered on a distinct
// prefix so scan routes with a :jobId segment can never shadow it.
func (s *Server) WSStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		clients := 0
		if s.Hub != nil {
			clients = s.Hub.ClientCount()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"clients":   clients,
			"timestamp": timex.Now(),
		})
	}
}

// ReadyzHandler probes the store so orchestrators can gate traffic.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 1)
		ready := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", Details: err.Error()})
				ready = false
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		st := http.StatusOK
		if !ready {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{
			"checks":    checks,
			"timestamp": timex.Now(),
		})
	}
}

// decodeBody parses and validates a JSON request body, writing the error
// response itself when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument))
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, validationMessage(err)))
		return false
	}
	return true
}

// filterFromQuery parses the shared list-query parameters. Malformed values
// are rejected; a limit above the store maximum is clamped, not rejected.
func filterFromQuery(r *http.Request) (domain.JobFilter, error) {
	q := r.URL.Query()
	f := domain.JobFilter{Limit: 50}

	if raw := q.Get("status"); raw != "" {
		status, err := domain.ParseJobStatus(raw)
		if err != nil {
			return f, fmt.Errorf("%w: status %q", domain.ErrInvalidArgument, raw)
		}
		f.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, fmt.Errorf("%w: limit %q", domain.ErrInvalidArgument, raw)
		}
		if n > 1000 {
			n = 1000
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: offset %q", domain.ErrInvalidArgument, raw)
		}
		f.Offset = n
	}
	if raw := q.Get("tab"); raw != "" {
		switch raw {
		case domain.TabRecent, domain.TabFailed, domain.TabAll:
			f.Tab = raw
		default:
			return f, fmt.Errorf("%w: tab %q", domain.ErrInvalidArgument, raw)
		}
	}
	return f, nil
}
