package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alephworks/alephauto/internal/domain"
	obsctx "github.com/alephworks/alephauto/internal/observability"
	"github.com/alephworks/alephauto/pkg/timex"
)

// Pipelines the scan endpoints feed. A single-repository scan runs the
// repomix generator; a multi-repository scan is one duplicate-detection job
// over the whole set.
const (
	scanPipeline      = "repomix"
	multiScanPipeline = "duplicate-detection"
)

// SubmitRouter routes a submission to a pipeline's worker.
type SubmitRouter interface {
	Submit(ctx context.Context, pipelineID, jobID string, data json.RawMessage) error
}

// ScanRequest is the POST /api/scans/start body.
type ScanRequest struct {
	RepositoryPath string         `json:"repository_path" validate:"required"`
	Options        map[string]any `json:"options,omitempty"`
}

// MultiScanRequest is the POST /api/scans/start-multi body.
type MultiScanRequest struct {
	RepositoryPaths []string       `json:"repository_paths" validate:"required,min=1,dive,required"`
	Options         map[string]any `json:"options,omitempty"`
}

// ScanReceipt is the 201 response for both scan starters.
type ScanReceipt struct {
	JobID           string `json:"job_id"`
	StatusURL       string `json:"status_url"`
	ResultsURL      string `json:"results_url"`
	Message         string `json:"message"`
	RepositoryCount int    `json:"repository_count,omitempty"`
	Timestamp       string `json:"timestamp"`
}

// ScanStatusView is the GET /api/scans/{id}/status response.
type ScanStatusView struct {
	JobID       string   `json:"job_id"`
	PipelineID  string   `json:"pipeline_id"`
	Status      string   `json:"status"`
	Progress    *float64 `json:"progress,omitempty"`
	CreatedAt   string   `json:"created_at"`
	StartedAt   *string  `json:"started_at,omitempty"`
	CompletedAt *string  `json:"completed_at,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

// ScanResultView is the GET /api/scans/{id}/results response. Result is set
// only for completed jobs and Error only for failed ones; other states carry
// just the status.
type ScanResultView struct {
	JobID     string           `json:"job_id"`
	Status    string           `json:"status"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     *domain.JobError `json:"error,omitempty"`
	Timestamp string           `json:"timestamp"`
}

// ScanService starts repository scans and reads their progress.
type ScanService struct {
	Jobs domain.JobRepository
	Pool SubmitRouter
}

func NewScanService(jobs domain.JobRepository, pool SubmitRouter) ScanService {
	return ScanService{Jobs: jobs, Pool: pool}
}

// Start queues a single-repository scan and returns the polling URLs.
func (s ScanService) Start(ctx domain.Context, req ScanRequest) (ScanReceipt, error) {
	if req.RepositoryPath == "" {
		return ScanReceipt{}, fmt.Errorf("op=scans.start: repository_path is required: %w", domain.ErrInvalidArgument)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return ScanReceipt{}, fmt.Errorf("op=scans.start: %w", err)
	}
	id := uuid.NewString()
	if err := s.submit(ctx, scanPipeline, id, data); err != nil {
		return ScanReceipt{}, err
	}
	obsctx.LoggerFromContext(ctx).Info("scan started",
		slog.String("job_id", id),
		slog.String("repository_path", req.RepositoryPath))
	return receiptFor(id, "scan started", 0), nil
}

// StartMulti queues one duplicate-detection job covering every listed
// repository.
func (s ScanService) StartMulti(ctx domain.Context, req MultiScanRequest) (ScanReceipt, error) {
	if len(req.RepositoryPaths) == 0 {
		return ScanReceipt{}, fmt.Errorf("op=scans.start_multi: repository_paths must not be empty: %w", domain.ErrInvalidArgument)
	}
	for i, p := range req.RepositoryPaths {
		if p == "" {
			return ScanReceipt{}, fmt.Errorf("op=scans.start_multi: repository_paths[%d] is empty: %w", i, domain.ErrInvalidArgument)
		}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return ScanReceipt{}, fmt.Errorf("op=scans.start_multi: %w", err)
	}
	id := uuid.NewString()
	if err := s.submit(ctx, multiScanPipeline, id, data); err != nil {
		return ScanReceipt{}, err
	}
	obsctx.LoggerFromContext(ctx).Info("multi-repository scan started",
		slog.String("job_id", id),
		slog.Int("repository_count", len(req.RepositoryPaths)))
	return receiptFor(id, "multi-repository scan started", len(req.RepositoryPaths)), nil
}

// Status reports the scan job's lifecycle state.
func (s ScanService) Status(ctx domain.Context, jobID string) (ScanStatusView, error) {
	j, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return ScanStatusView{}, err
	}
	return ScanStatusView{
		JobID:       j.ID,
		PipelineID:  j.PipelineID,
		Status:      string(j.Status),
		Progress:    j.Progress,
		CreatedAt:   timex.Format(j.CreatedAt),
		StartedAt:   formatOrNil(j.StartedAt),
		CompletedAt: formatOrNil(j.CompletedAt),
		Timestamp:   timex.Now(),
	}, nil
}

// Results returns the scan outcome. The call succeeds for every known job
// regardless of state; callers poll it until Status is terminal.
func (s ScanService) Results(ctx domain.Context, jobID string) (ScanResultView, error) {
	j, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return ScanResultView{}, err
	}
	view := ScanResultView{
		JobID:     j.ID,
		Status:    string(j.Status),
		Timestamp: timex.Now(),
	}
	switch j.Status {
	case domain.JobCompleted:
		view.Result = j.Result
	case domain.JobFailed:
		view.Error = j.Error
	}
	return view, nil
}

// submit distinguishes an unregistered pipeline (server misconfiguration)
// from submission errors the caller can act on.
func (s ScanService) submit(ctx domain.Context, pipelineID, id string, data json.RawMessage) error {
	if err := s.Pool.Submit(ctx, pipelineID, id, data); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=scans.submit: pipeline %s not registered: %w", pipelineID, domain.ErrInternal)
		}
		return err
	}
	return nil
}

func receiptFor(id, message string, repositoryCount int) ScanReceipt {
	return ScanReceipt{
		JobID:           id,
		StatusURL:       fmt.Sprintf("/api/scans/%s/status", id),
		ResultsURL:      fmt.Sprintf("/api/scans/%s/results", id),
		Message:         message,
		RepositoryCount: repositoryCount,
		Timestamp:       timex.Now(),
	}
}
