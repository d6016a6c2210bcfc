// Package usecase composes the gateway's read and write operations from the
// job store, the worker pool, the retry controller and the activity feed.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alephworks/alephauto/internal/config"
	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/event"
	"github.com/alephworks/alephauto/internal/worker"
	"github.com/alephworks/alephauto/pkg/timex"
)

// statusActivityCount bounds the activity slice embedded in the status
// payload; the feed itself keeps more.
const statusActivityCount = 20

// Pipeline status values derived from store aggregates.
const (
	PipelineRunning = "running"
	PipelineFailing = "failing"
	PipelineIdle    = "idle"
)

// QueueSource reports aggregate worker load.
type QueueSource interface {
	QueueStats() worker.QueueStats
}

// RetrySource snapshots retry bookkeeping.
type RetrySource interface {
	Stats() worker.Stats
}

// ActivitySource returns recent activity newest-first.
type ActivitySource interface {
	Recent(n int) []event.Activity
}

// PipelineView is one derived pipeline row in the status payload.
type PipelineView struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	CompletedJobs int     `json:"completed_jobs"`
	FailedJobs    int     `json:"failed_jobs"`
	LastRun       *string `json:"last_run"`
	NextRun       *string `json:"next_run"`
}

// QueueView is the aggregate load block of the status payload.
type QueueView struct {
	Active      int     `json:"active"`
	Queued      int     `json:"queued"`
	CapacityPct float64 `json:"capacity_pct"`
}

// StatusView is the GET /api/status response body.
type StatusView struct {
	Timestamp      string           `json:"timestamp"`
	Pipelines      []PipelineView   `json:"pipelines"`
	Queue          QueueView        `json:"queue"`
	RetryMetrics   worker.Stats     `json:"retry_metrics"`
	RecentActivity []event.Activity `json:"recent_activity"`
}

// StatusService derives the dashboard snapshot. Pipelines come from the
// union of ids seen in the store and ids declared in configuration, so a
// freshly configured pipeline shows up idle before its first job and a
// decommissioned one keeps its history visible.
type StatusService struct {
	Jobs      domain.JobRepository
	Pipelines []config.PipelineSpec
	Queue     QueueSource
	Retries   RetrySource
	Activity  ActivitySource
}

func NewStatusService(jobs domain.JobRepository, pipelines []config.PipelineSpec, queue QueueSource, retries RetrySource, activity ActivitySource) StatusService {
	return StatusService{Jobs: jobs, Pipelines: pipelines, Queue: queue, Retries: retries, Activity: activity}
}

// Compose builds the status payload. It succeeds with empty collections on a
// store that has never seen a job.
func (s StatusService) Compose(ctx domain.Context) (StatusView, error) {
	ids, err := s.Jobs.ListPipelineIDs(ctx)
	if err != nil {
		return StatusView{}, fmt.Errorf("op=status.compose: %w", err)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, p := range s.Pipelines {
		if !seen[p.ID] {
			seen[p.ID] = true
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)

	pipelines := make([]PipelineView, 0, len(ids))
	for _, id := range ids {
		view, err := s.PipelineView(ctx, id)
		if err != nil {
			return StatusView{}, err
		}
		pipelines = append(pipelines, view)
	}

	view := StatusView{
		Timestamp:      timex.Now(),
		Pipelines:      pipelines,
		RecentActivity: []event.Activity{},
	}
	if s.Queue != nil {
		qs := s.Queue.QueueStats()
		view.Queue = QueueView{Active: qs.Active, Queued: qs.Queued, CapacityPct: qs.CapacityPct()}
	}
	if s.Retries != nil {
		view.RetryMetrics = s.Retries.Stats()
	} else {
		view.RetryMetrics = worker.Stats{Records: []worker.RecordView{}}
	}
	if s.Activity != nil {
		view.RecentActivity = s.Activity.Recent(statusActivityCount)
	}
	return view, nil
}

// PipelineView derives one pipeline's row: running iff any job is running,
// failing iff the latest job failed and failures have caught up with
// completions, idle otherwise.
func (s StatusService) PipelineView(ctx domain.Context, id string) (PipelineView, error) {
	counts, err := s.Jobs.CountByStatus(ctx, id)
	if err != nil {
		return PipelineView{}, fmt.Errorf("op=status.pipeline %s: %w", id, err)
	}

	status := PipelineIdle
	switch {
	case counts[domain.JobRunning] > 0:
		status = PipelineRunning
	default:
		last, err := s.Jobs.LastJob(ctx, id)
		switch {
		case err == nil:
			if last.Status == domain.JobFailed && counts[domain.JobFailed] >= counts[domain.JobCompleted] {
				status = PipelineFailing
			}
		case errors.Is(err, domain.ErrNotFound):
			// Configured pipeline with no jobs yet.
		default:
			return PipelineView{}, fmt.Errorf("op=status.pipeline %s: %w", id, err)
		}
	}

	lastRun, err := s.Jobs.LastRun(ctx, id)
	if err != nil {
		return PipelineView{}, fmt.Errorf("op=status.pipeline %s: %w", id, err)
	}

	return PipelineView{
		ID:            id,
		Name:          config.DisplayName(s.Pipelines, id),
		Status:        status,
		CompletedJobs: counts[domain.JobCompleted],
		FailedJobs:    counts[domain.JobFailed],
		LastRun:       formatOrNil(lastRun),
	}, nil
}

// StatusBroadcaster republishes a pipeline's derived status after every
// terminal job transition, so WS clients track pipeline health without
// polling /api/status.
type StatusBroadcaster struct {
	Status StatusService
	Bus    *event.Bus
}

const broadcasterClientID = "status-broadcaster"

// Run consumes terminal lifecycle events until ctx is cancelled or the bus
// closes.
func (b *StatusBroadcaster) Run(ctx context.Context) {
	ch := b.Bus.Subscribe(broadcasterClientID,
		event.JobCompleted, event.JobFailed, event.JobCancelled)
	defer b.Bus.Unsubscribe(broadcasterClientID)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			je, ok := ev.Payload.(event.JobEvent)
			if !ok {
				continue
			}
			b.publish(ctx, je.PipelineID)
		}
	}
}

func (b *StatusBroadcaster) publish(ctx context.Context, pipelineID string) {
	// Derivation is read-only; bound it so a wedged store cannot back the
	// event loop up forever.
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	view, err := b.Status.PipelineView(dctx, pipelineID)
	if err != nil {
		slog.Warn("pipeline status derivation failed",
			slog.String("pipeline_id", pipelineID),
			slog.Any("error", err))
		return
	}
	b.Bus.Publish(event.PipelineStatus, event.PipelineEvent{
		PipelineID: pipelineID,
		Status:     view.Status,
		Timestamp:  timex.Now(),
	})
}

func formatOrNil(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timex.Format(*t)
	return &s
}
