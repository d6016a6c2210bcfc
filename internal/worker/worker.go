// Package worker implements the per-pipeline job runtime: a bounded FIFO
// queue in front of a resizable slot gate, lifecycle persistence through the
// job store, event emission, and the retry handoff on handler failure.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alephworks/alephauto/internal/adapter/observability"
	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/event"
	"github.com/alephworks/alephauto/pkg/timex"
)

// DefaultQueueCapacity bounds the per-pipeline FIFO when the caller does not
// configure one.
const DefaultQueueCapacity = 256

// Options configures one Worker.
type Options struct {
	PipelineID    string
	Handler       domain.JobHandler
	MaxConcurrent int // 0 is valid and parks all submissions in the queue
	QueueCapacity int
	Git           *GitFlow // optional workflow hook wrapped around the handler
}

type queuedJob struct {
	id   string
	data json.RawMessage
}

// Worker owns job execution for a single pipeline. Submissions are persisted
// first, dispatched FIFO when a slot frees, and handed to the retry
// controller on failure. A worker never blocks its callers: Submit rejects
// with ErrQueueFull rather than waiting.
type Worker struct {
	pipelineID string
	handler    domain.JobHandler
	git        *GitFlow

	jobs    domain.JobRepository
	bus     domain.Publisher
	retries *Controller

	mu            sync.Mutex
	queue         []queuedJob
	capacity      int
	running       int
	maxConcurrent int
	cancels       map[string]context.CancelFunc
	stopped       bool

	kick chan struct{}
	wg   sync.WaitGroup
}

// NewWorker constructs a worker. MaxConcurrent 0 is accepted as-is: jobs
// stay queued until the value is raised.
func NewWorker(opts Options, jobs domain.JobRepository, bus domain.Publisher, retries *Controller) *Worker {
	capacity := opts.QueueCapacity
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent < 0 {
		maxConcurrent = 0
	}
	return &Worker{
		pipelineID:    opts.PipelineID,
		handler:       opts.Handler,
		git:           opts.Git,
		jobs:          jobs,
		bus:           bus,
		retries:       retries,
		capacity:      capacity,
		maxConcurrent: maxConcurrent,
		cancels:       make(map[string]context.CancelFunc),
		kick:          make(chan struct{}, 1),
	}
}

// PipelineID names the pipeline this worker serves.
func (w *Worker) PipelineID() string { return w.pipelineID }

// Start launches the dispatch loop. Jobs submitted before Start wait in the
// queue until the loop runs.
func (w *Worker) Start(ctx context.Context) {
	go w.dispatchLoop(ctx)
	w.kickDispatch()
}

// Submit persists a queued job, announces job:created and enqueues it for
// dispatch. It fails with domain.ErrQueueFull when the FIFO is at capacity
// and domain.ErrWorkerStopped after Stop.
func (w *Worker) Submit(ctx context.Context, id string, data json.RawMessage) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return fmt.Errorf("op=worker.submit: pipeline %s: %w", w.pipelineID, domain.ErrWorkerStopped)
	}
	if len(w.queue) >= w.capacity {
		w.mu.Unlock()
		return fmt.Errorf("op=worker.submit: pipeline %s: %w", w.pipelineID, domain.ErrQueueFull)
	}
	w.mu.Unlock()

	job := domain.Job{
		ID:         id,
		PipelineID: w.pipelineID,
		Status:     domain.JobQueued,
		CreatedAt:  time.Now().UTC(),
		Data:       data,
	}
	if err := w.jobs.Insert(ctx, job); err != nil {
		return err
	}
	w.bus.Publish(event.JobCreated, jobEventOf(job))

	w.mu.Lock()
	if w.stopped || len(w.queue) >= w.capacity {
		stopped := w.stopped
		w.mu.Unlock()
		// The record exists but cannot be dispatched; take it back out.
		w.persistCancelled(context.WithoutCancel(ctx), id)
		if stopped {
			return fmt.Errorf("op=worker.submit: pipeline %s: %w", w.pipelineID, domain.ErrWorkerStopped)
		}
		return fmt.Errorf("op=worker.submit: pipeline %s: %w", w.pipelineID, domain.ErrQueueFull)
	}
	w.queue = append(w.queue, queuedJob{id: id, data: data})
	depth := len(w.queue)
	w.mu.Unlock()

	observability.EnqueueJob(w.pipelineID)
	observability.SetQueueDepth(w.pipelineID, depth)
	slog.Info("job submitted",
		slog.String("pipeline_id", w.pipelineID),
		slog.String("job_id", id),
		slog.Int("queue_depth", depth))
	w.kickDispatch()
	return nil
}

// Recover reloads jobs that were persisted as queued but never dispatched,
// typically after a crash or restart, and puts them back in the FIFO oldest
// first.
func (w *Worker) Recover(ctx context.Context) error {
	jobs, _, err := w.jobs.Query(ctx, domain.JobFilter{
		PipelineID: w.pipelineID,
		Status:     domain.JobQueued,
		Limit:      1000,
	})
	if err != nil {
		return fmt.Errorf("op=worker.recover: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}
	w.mu.Lock()
	// Query returns newest first; refill oldest first to keep FIFO order.
	for i := len(jobs) - 1; i >= 0; i-- {
		if len(w.queue) >= w.capacity {
			break
		}
		w.queue = append(w.queue, queuedJob{id: jobs[i].ID, data: jobs[i].Data})
	}
	depth := len(w.queue)
	w.mu.Unlock()

	observability.SetQueueDepth(w.pipelineID, depth)
	slog.Info("recovered queued jobs",
		slog.String("pipeline_id", w.pipelineID),
		slog.Int("count", len(jobs)))
	w.kickDispatch()
	return nil
}

// SetMaxConcurrent resizes the slot gate. Raising it dispatches waiting jobs
// immediately; lowering it takes effect as running jobs finish.
func (w *Worker) SetMaxConcurrent(n int) {
	if n < 0 {
		n = 0
	}
	w.mu.Lock()
	w.maxConcurrent = n
	w.mu.Unlock()
	slog.Info("worker concurrency changed",
		slog.String("pipeline_id", w.pipelineID),
		slog.Int("max_concurrent", n))
	w.kickDispatch()
}

// Cancel removes a queued job or signals a running one. The boolean reports
// whether this worker knew the job; false means the caller should look
// elsewhere (retry window, store-only record).
func (w *Worker) Cancel(ctx context.Context, id string) (bool, error) {
	w.mu.Lock()
	for i, qj := range w.queue {
		if qj.id != id {
			continue
		}
		w.queue = append(w.queue[:i], w.queue[i+1:]...)
		depth := len(w.queue)
		w.mu.Unlock()
		observability.SetQueueDepth(w.pipelineID, depth)
		w.persistCancelled(ctx, id)
		return true, nil
	}
	cancel, ok := w.cancels[id]
	w.mu.Unlock()
	if ok {
		// The run goroutine persists the cancelled state on its way out.
		cancel()
		return true, nil
	}
	return false, nil
}

// Stats reports queue depth, running count and the current slot limit.
func (w *Worker) Stats() (queued, running, slots int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue), w.running, w.maxConcurrent
}

// Stop refuses further submissions and waits for in-flight handlers until
// ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=worker.stop: pipeline %s: %w", w.pipelineID, ctx.Err())
	}
}

func (w *Worker) kickDispatch() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Worker) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
			w.dispatch(ctx)
		}
	}
}

// dispatch pops jobs while slots are free. FIFO within the pipeline; each
// job runs in its own goroutine under a cancellable context.
func (w *Worker) dispatch(ctx context.Context) {
	for {
		w.mu.Lock()
		if w.stopped || len(w.queue) == 0 || w.running >= w.maxConcurrent {
			w.mu.Unlock()
			return
		}
		next := w.queue[0]
		w.queue = w.queue[1:]
		depth := len(w.queue)
		w.running++
		jobCtx, cancel := context.WithCancel(ctx)
		w.cancels[next.id] = cancel
		w.wg.Add(1)
		w.mu.Unlock()

		observability.SetQueueDepth(w.pipelineID, depth)
		go w.runJob(jobCtx, next)
	}
}

func (w *Worker) releaseSlot(id string) {
	w.mu.Lock()
	if cancel, ok := w.cancels[id]; ok {
		cancel()
		delete(w.cancels, id)
	}
	w.running--
	w.mu.Unlock()
	w.kickDispatch()
}

func (w *Worker) runJob(ctx context.Context, qj queuedJob) {
	defer w.wg.Done()
	defer w.releaseSlot(qj.id)

	if ctx.Err() != nil {
		w.persistCancelled(context.WithoutCancel(ctx), qj.id)
		return
	}

	started := time.Now().UTC()
	running := domain.JobRunning
	job, err := w.jobs.Update(ctx, qj.id, domain.JobPatch{Status: &running, StartedAt: &started})
	if err != nil {
		if ctx.Err() != nil {
			w.persistCancelled(context.WithoutCancel(ctx), qj.id)
			return
		}
		slog.Warn("job start transition failed",
			slog.String("pipeline_id", w.pipelineID),
			slog.String("job_id", qj.id),
			slog.Any("error", err))
		return
	}
	w.bus.Publish(event.JobStarted, jobEventOf(job))
	observability.StartProcessingJob(w.pipelineID)
	defer observability.EndProcessingJob(w.pipelineID)
	slog.Info("job started",
		slog.String("pipeline_id", w.pipelineID),
		slog.String("job_id", job.ID))

	result, gitMeta, err := w.invoke(ctx, job)
	observability.ObserveJobDuration(w.pipelineID, time.Since(started).Seconds())

	// Persistence after the handler must survive the job context.
	persistCtx := context.WithoutCancel(ctx)

	if err != nil && ctx.Err() != nil {
		w.persistCancelled(persistCtx, qj.id)
		return
	}
	if err == nil {
		w.completeJob(persistCtx, job, result, gitMeta)
		return
	}
	w.failOrRetry(persistCtx, job, err)
}

// invoke runs the handler, optionally wrapped in the git workflow, with a
// progress reporter on the context and panic containment.
func (w *Worker) invoke(ctx context.Context, job domain.Job) (result any, meta *domain.GitMeta, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			slog.Error("handler panicked",
				slog.String("pipeline_id", w.pipelineID),
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	ctx = withProgress(ctx, w.progressReporter(job.ID))
	if w.git != nil {
		return w.git.Run(ctx, job, w.handler)
	}
	result, err = w.handler(ctx, job)
	return result, nil, err
}

func (w *Worker) completeJob(ctx context.Context, job domain.Job, result any, meta *domain.GitMeta) {
	var resultJSON json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			w.failOrRetry(ctx, job, domain.NewPipelineError("EVALIDATION", fmt.Errorf("handler result not serialisable: %w", err)))
			return
		}
		resultJSON = b
	}
	completed := domain.JobCompleted
	now := time.Now().UTC()
	updated, err := w.jobs.Update(ctx, job.ID, domain.JobPatch{
		Status:      &completed,
		CompletedAt: &now,
		Result:      resultJSON,
		Git:         meta,
	})
	if err != nil {
		// A concurrent cancel can win the race; anything else is logged.
		if !errors.Is(err, domain.ErrInvalidTransition) {
			slog.Error("persist completed failed",
				slog.String("job_id", job.ID),
				slog.Any("error", err))
		}
		return
	}
	w.retries.OnSuccess(job.ID)
	w.bus.Publish(event.JobCompleted, jobEventOf(updated))
	observability.CompleteJob(w.pipelineID)
	slog.Info("job completed",
		slog.String("pipeline_id", w.pipelineID),
		slog.String("job_id", job.ID))
}

// failOrRetry hands the error to the retry controller. On a terminal verdict
// the job is persisted failed here; on a retry verdict the record stays
// running until the backoff timer fires.
func (w *Worker) failOrRetry(ctx context.Context, job domain.Job, cause error) {
	decision := w.retries.OnFailure(ctx, job, cause, w)
	if !decision.Terminal {
		return
	}
	w.persistFailed(ctx, job.ID, decision.Error)
}

func (w *Worker) persistFailed(ctx context.Context, id string, jobErr *domain.JobError) {
	failed := domain.JobFailed
	now := time.Now().UTC()
	updated, err := w.jobs.Update(ctx, id, domain.JobPatch{
		Status:      &failed,
		CompletedAt: &now,
		Error:       jobErr,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			slog.Error("persist failed state failed",
				slog.String("job_id", id),
				slog.Any("error", err))
		}
		return
	}
	w.bus.Publish(event.JobFailed, jobEventOf(updated))
	observability.FailJob(w.pipelineID)
	slog.Warn("job failed",
		slog.String("pipeline_id", w.pipelineID),
		slog.String("job_id", id),
		slog.String("error", jobErr.Message))
}

func (w *Worker) persistCancelled(ctx context.Context, id string) {
	cancelled := domain.JobCancelled
	now := time.Now().UTC()
	updated, err := w.jobs.Update(ctx, id, domain.JobPatch{Status: &cancelled, CompletedAt: &now})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrNotFound) {
			slog.Error("persist cancelled failed",
				slog.String("job_id", id),
				slog.Any("error", err))
		}
		return
	}
	w.retries.Forget(id)
	w.bus.Publish(event.JobCancelled, jobEventOf(updated))
	observability.CancelJob(w.pipelineID)
	slog.Info("job cancelled",
		slog.String("pipeline_id", w.pipelineID),
		slog.String("job_id", id))
}

func (w *Worker) progressReporter(id string) ProgressFunc {
	return func(p float64) {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		updated, err := w.jobs.Update(context.Background(), id, domain.JobPatch{Progress: &p})
		if err != nil {
			return
		}
		w.bus.Publish(event.JobProgress, jobEventOf(updated))
	}
}

// ProgressFunc reports handler progress in [0,1]; values are clamped.
type ProgressFunc func(float64)

type progressKey struct{}

func withProgress(ctx context.Context, f ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, f)
}

// ProgressFromContext returns the reporter installed by the runtime, or a
// no-op so handlers can call it unconditionally.
func ProgressFromContext(ctx context.Context) ProgressFunc {
	if f, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		return f
	}
	return func(float64) {}
}

func jobEventOf(j domain.Job) event.JobEvent {
	return event.JobEvent{
		JobID:      j.ID,
		PipelineID: j.PipelineID,
		Status:     string(j.Status),
		Timestamp:  timex.Now(),
		Progress:   j.Progress,
		Result:     j.Result,
		Error:      j.Error,
	}
}
