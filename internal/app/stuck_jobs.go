package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/alephworks/alephauto/internal/adapter/observability"
	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/event"
	"github.com/alephworks/alephauto/pkg/timex"
)

// StuckJobSweeper marks running jobs as failed once they exceed a maximum
// age. A crashed process leaves rows in running forever; startup recovery
// handles restarts, the sweeper handles everything that slips past it.
type StuckJobSweeper struct {
	jobs     domain.JobRepository
	bus      domain.Publisher
	maxAge   time.Duration
	interval time.Duration
}

func NewStuckJobSweeper(jobs domain.JobRepository, bus domain.Publisher, maxAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, bus: bus, maxAge: maxAge, interval: interval}
}

func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce scans the running jobs in pages and fails the stale ones.
func (s *StuckJobSweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.SweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.maxAge)
	const pageSize = 100
	span.SetAttributes(
		attribute.Int("jobs.page_size", pageSize),
		attribute.Float64("jobs.max_age_seconds", s.maxAge.Seconds()),
	)

	totalChecked := 0
	totalMarkedFailed := 0

	for offset := 0; ; offset += pageSize {
		jobs, _, err := s.jobs.Query(ctx, domain.JobFilter{
			Status: domain.JobRunning,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
			return
		}
		totalChecked += len(jobs)

		for _, j := range jobs {
			if !startedBefore(j, cutoff) {
				continue
			}
			if s.markFailed(ctx, j) {
				totalMarkedFailed++
			}
		}

		if len(jobs) < pageSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", totalChecked),
		attribute.Int("jobs.total_marked_failed", totalMarkedFailed),
	)
	if totalMarkedFailed > 0 {
		slog.Warn("stuck job sweep marked jobs failed",
			slog.Int("checked", totalChecked),
			slog.Int("marked_failed", totalMarkedFailed),
			slog.Duration("max_age", s.maxAge))
	}
}

func (s *StuckJobSweeper) markFailed(ctx context.Context, j domain.Job) bool {
	ctx, span := otel.Tracer("jobs.sweeper").Start(ctx, "StuckJobSweeper.markFailed")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.pipeline_id", j.PipelineID),
	)

	failed := domain.JobFailed
	now := time.Now().UTC()
	updated, err := s.jobs.Update(ctx, j.ID, domain.JobPatch{
		Status:      &failed,
		CompletedAt: &now,
		Error: &domain.JobError{
			Message:  fmt.Sprintf("job exceeded maximum running age %s; marked failed by sweeper", s.maxAge),
			Category: domain.CategoryTimeout,
		},
	})
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to update job",
			slog.String("job_id", j.ID), slog.Any("error", err))
		return false
	}

	if s.bus != nil {
		s.bus.Publish(event.JobFailed, event.JobEvent{
			JobID:      updated.ID,
			PipelineID: updated.PipelineID,
			Status:     string(updated.Status),
			Timestamp:  timex.Now(),
			Error:      updated.Error,
		})
	}
	observability.FailJob(updated.PipelineID)
	return true
}

// startedBefore reports whether the job has been running since before the
// cutoff. Jobs that never recorded a start fall back to their creation time.
func startedBefore(j domain.Job, cutoff time.Time) bool {
	started := j.CreatedAt
	if j.StartedAt != nil {
		started = *j.StartedAt
	}
	return started.Before(cutoff)
}
