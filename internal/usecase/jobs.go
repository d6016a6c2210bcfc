package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alephworks/alephauto/internal/adapter/observability"
	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/event"
	obsctx "github.com/alephworks/alephauto/internal/observability"
	"github.com/alephworks/alephauto/pkg/timex"
)

// CancelRouter asks the worker pool to drop a queued job or cancel a running
// one.
type CancelRouter interface {
	CancelJob(ctx context.Context, pipelineID, jobID string) (bool, error)
}

// ChainCanceller voids a pending retry window for a job chain.
type ChainCanceller interface {
	CancelChain(ctx context.Context, jobID string) bool
}

// JobView is a job record shaped for JSON responses.
type JobView struct {
	ID          string           `json:"id"`
	PipelineID  string           `json:"pipeline_id"`
	Status      string           `json:"status"`
	CreatedAt   string           `json:"created_at"`
	StartedAt   *string          `json:"started_at,omitempty"`
	CompletedAt *string          `json:"completed_at,omitempty"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       *domain.JobError `json:"error,omitempty"`
	Git         *domain.GitMeta  `json:"git,omitempty"`
	Progress    *float64         `json:"progress,omitempty"`
}

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs    []JobView `json:"jobs"`
	Total   int       `json:"total"`
	HasMore bool      `json:"has_more"`
}

// JobService answers job queries and routes cancellations through the
// runtime, the retry controller and finally the store.
type JobService struct {
	Jobs    domain.JobRepository
	Pool    CancelRouter
	Retries ChainCanceller
	Bus     domain.Publisher
}

func NewJobService(jobs domain.JobRepository, pool CancelRouter, retries ChainCanceller, bus domain.Publisher) JobService {
	return JobService{Jobs: jobs, Pool: pool, Retries: retries, Bus: bus}
}

// List returns one page of jobs matching the filter. The store clamps limit
// to [1,1000] (default 50) and floors offset at zero; has_more reports
// whether another page exists beyond this one.
func (s JobService) List(ctx domain.Context, f domain.JobFilter) (JobPage, error) {
	if f.Offset < 0 {
		f.Offset = 0
	}
	jobs, total, err := s.Jobs.Query(ctx, f)
	if err != nil {
		return JobPage{}, err
	}
	page := JobPage{
		Jobs:    make([]JobView, 0, len(jobs)),
		Total:   total,
		HasMore: f.Offset+len(jobs) < total,
	}
	for _, j := range jobs {
		page.Jobs = append(page.Jobs, ViewOf(j))
	}
	return page, nil
}

// Get returns a single job record.
func (s JobService) Get(ctx domain.Context, id string) (JobView, error) {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return ViewOf(j), nil
}

// Cancel stops a job wherever it currently lives: the worker queue, a
// running handler, a pending retry window, or (for records orphaned by a
// crash) the store alone. Terminal jobs fail with domain.ErrConflict.
func (s JobService) Cancel(ctx domain.Context, id string) error {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("op=jobs.cancel: job %s already %s: %w", id, job.Status, domain.ErrConflict)
	}

	if s.Pool != nil {
		handled, err := s.Pool.CancelJob(ctx, job.PipelineID, id)
		if err != nil {
			return fmt.Errorf("op=jobs.cancel: %w", err)
		}
		if handled {
			obsctx.LoggerFromContext(ctx).Info("job cancel routed to worker",
				slog.String("job_id", id),
				slog.String("pipeline_id", job.PipelineID))
			return nil
		}
	}
	if s.Retries != nil && s.Retries.CancelChain(ctx, id) {
		obsctx.LoggerFromContext(ctx).Info("job cancel voided pending retry", slog.String("job_id", id))
		return nil
	}

	// Not in any runtime structure: a record left queued by a previous
	// process. Transition it directly.
	cancelled := domain.JobCancelled
	now := time.Now().UTC()
	updated, err := s.Jobs.Update(ctx, id, domain.JobPatch{Status: &cancelled, CompletedAt: &now})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return fmt.Errorf("op=jobs.cancel: job %s: %w", id, domain.ErrConflict)
		}
		return fmt.Errorf("op=jobs.cancel: %w", err)
	}
	if s.Bus != nil {
		s.Bus.Publish(event.JobCancelled, event.JobEvent{
			JobID:      updated.ID,
			PipelineID: updated.PipelineID,
			Status:     string(updated.Status),
			Timestamp:  timex.Now(),
		})
	}
	observability.CancelJob(updated.PipelineID)
	obsctx.LoggerFromContext(ctx).Info("orphaned job cancelled in store", slog.String("job_id", id))
	return nil
}

// ViewOf shapes a store record for JSON.
func ViewOf(j domain.Job) JobView {
	return JobView{
		ID:          j.ID,
		PipelineID:  j.PipelineID,
		Status:      string(j.Status),
		CreatedAt:   timex.Format(j.CreatedAt),
		StartedAt:   formatOrNil(j.StartedAt),
		CompletedAt: formatOrNil(j.CompletedAt),
		Data:        j.Data,
		Result:      j.Result,
		Error:       j.Error,
		Git:         j.Git,
		Progress:    j.Progress,
	}
}
