package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alephworks/alephauto/internal/domain"
)

// QueueStats aggregates runtime load across all workers for the status
// endpoint.
type QueueStats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
	Slots  int `json:"-"`
}

// CapacityPct reports slot utilisation as a percentage. Zero slots means a
// fully paused runtime and reads as zero, not a division error.
func (s QueueStats) CapacityPct() float64 {
	if s.Slots <= 0 {
		return 0
	}
	return float64(s.Active) / float64(s.Slots) * 100
}

// Manager holds the per-pipeline workers. It only routes and aggregates;
// each worker schedules independently.
type Manager struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

func NewManager() *Manager {
	return &Manager{workers: make(map[string]*Worker)}
}

// Register adds a worker; the last registration for a pipeline id wins.
func (m *Manager) Register(w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.PipelineID()] = w
}

// Get returns the worker serving pipelineID.
func (m *Manager) Get(pipelineID string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[pipelineID]
	return w, ok
}

// All returns the workers sorted by pipeline id.
func (m *Manager) All() []*Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineID() < out[j].PipelineID() })
	return out
}

// StartAll launches every worker's dispatch loop under ctx.
func (m *Manager) StartAll(ctx context.Context) {
	for _, w := range m.All() {
		w.Start(ctx)
	}
}

// RecoverAll refills queues from jobs persisted as queued before the last
// shutdown.
func (m *Manager) RecoverAll(ctx context.Context) error {
	var errs []error
	for _, w := range m.All() {
		if err := w.Recover(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll quiesces every worker, sharing the ctx deadline.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, w := range m.All() {
		if err := w.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// QueueStats sums load over all workers.
func (m *Manager) QueueStats() QueueStats {
	var s QueueStats
	for _, w := range m.All() {
		queued, running, slots := w.Stats()
		s.Queued += queued
		s.Active += running
		s.Slots += slots
	}
	return s
}

// Submit routes a job to the pipeline's worker. Unknown pipelines fail with
// domain.ErrNotFound.
func (m *Manager) Submit(ctx context.Context, pipelineID, jobID string, data json.RawMessage) error {
	w, ok := m.Get(pipelineID)
	if !ok {
		return fmt.Errorf("op=manager.submit: pipeline %s: %w", pipelineID, domain.ErrNotFound)
	}
	return w.Submit(ctx, jobID, data)
}

// CancelJob routes a cancellation to the pipeline's worker. The boolean
// reports whether the worker knew the job.
func (m *Manager) CancelJob(ctx context.Context, pipelineID, jobID string) (bool, error) {
	w, ok := m.Get(pipelineID)
	if !ok {
		return false, nil
	}
	return w.Cancel(ctx, jobID)
}
