// Package scheduler fires cron triggers into pipeline workers.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Submitter is the slice of the worker runtime a trigger needs.
type Submitter interface {
	PipelineID() string
	Submit(ctx context.Context, id string, data json.RawMessage) error
}

// PayloadFactory builds the submission payload at fire time. Nil means an
// empty payload.
type PayloadFactory func() json.RawMessage

type trigger struct {
	name    string
	target  Submitter
	payload PayloadFactory
}

// Scheduler registers standard 5-field cron expressions, interpreted in the
// process's local time zone, and submits a job on every fire. Fires are not
// coalesced: a tick landing while earlier jobs are still queued appends to
// the worker's FIFO and the concurrency gate does the serialising.
type Scheduler struct {
	cron *cron.Cron

	mu       sync.Mutex
	entries  map[string]cron.EntryID
	startups []trigger
	started  bool
}

func New() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(time.Local)),
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule registers a recurring trigger. name keys the trigger (normally the
// pipeline id); scheduling the same name again replaces the earlier entry.
func (s *Scheduler) Schedule(name, expr string, target Submitter, payload PayloadFactory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddFunc(expr, func() { s.fire(name, target, payload) })
	if err != nil {
		return fmt.Errorf("op=scheduler.schedule: %s (%q): %w", name, expr, err)
	}
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	s.entries[name] = id
	slog.Info("schedule registered",
		slog.String("name", name),
		slog.String("cron", expr),
		slog.String("pipeline_id", target.PipelineID()))
	return nil
}

// RunOnStartup queues a once-off fire executed when Start is called.
func (s *Scheduler) RunOnStartup(name string, target Submitter, payload PayloadFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startups = append(s.startups, trigger{name: name, target: target, payload: payload})
}

// Start fires the startup triggers in registration order, then begins cron
// dispatch. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	startups := append([]trigger(nil), s.startups...)
	registered := len(s.entries)
	s.mu.Unlock()

	for _, tr := range startups {
		s.fire(tr.name, tr.target, tr.payload)
	}
	s.cron.Start()
	slog.Info("scheduler started",
		slog.Int("schedules", registered),
		slog.Int("startup_triggers", len(startups)))
}

// Stop ends firing and waits for callbacks already in flight, honouring the
// ctx deadline. Stopping never cancels jobs the triggers already submitted.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=scheduler.stop: %w", ctx.Err())
	}
}

// fire submits one job. A rejected submission (full queue, stopped worker,
// duplicate id) costs that tick only; the schedule keeps firing.
func (s *Scheduler) fire(name string, target Submitter, payload PayloadFactory) {
	var data json.RawMessage
	if payload != nil {
		data = payload()
	}
	id := fmt.Sprintf("%s-%d", target.PipelineID(), time.Now().UnixMilli())
	if err := target.Submit(context.Background(), id, data); err != nil {
		slog.Warn("scheduled submission rejected",
			slog.String("schedule", name),
			slog.String("pipeline_id", target.PipelineID()),
			slog.String("job_id", id),
			slog.Any("error", err))
		return
	}
	slog.Info("scheduled job submitted",
		slog.String("schedule", name),
		slog.String("job_id", id))
}
