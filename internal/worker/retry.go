package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alephworks/alephauto/internal/adapter/observability"
	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/event"
	"github.com/alephworks/alephauto/pkg/timex"
)

// fallbackBaseDelay applies when neither the configuration nor the classifier
// suggests a backoff base.
const fallbackBaseDelay = 5 * time.Second

// Submitter re-enqueues retry attempts. *Worker implements it; the
// indirection keeps the controller testable without a full runtime.
type Submitter interface {
	PipelineID() string
	Submit(ctx context.Context, id string, data json.RawMessage) error
}

// Decision is the controller's verdict on one handler failure. Terminal means
// the worker must persist the failure now; otherwise the record stays running
// until the scheduled retry fires.
type Decision struct {
	Terminal       bool
	Error          *domain.JobError
	Classification domain.Classification
}

type pendingRetry struct {
	timer   *time.Timer
	jobID   string // the failed attempt, still running in the store
	retryID string
}

// Controller owns per-chain attempt bookkeeping and backoff timers. All
// attempt counts are keyed by the suffix-stripped original id, so
// j2, j2-retry1 and j2-retry2 share one record. The absolute cap of
// domain.AbsoluteMaxAttempts executions is enforced here regardless of
// configuration.
type Controller struct {
	cfg  domain.RetryConfig
	jobs domain.JobRepository
	bus  domain.Publisher

	mu      sync.Mutex
	records map[string]*domain.RetryRecord
	pending map[string]*pendingRetry
	stopped bool
}

// NewController constructs a retry controller. cfg.MaxAttempts is clamped to
// the absolute cap.
func NewController(cfg domain.RetryConfig, jobs domain.JobRepository, bus domain.Publisher) *Controller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = domain.DefaultRetryConfig().MaxAttempts
	}
	if cfg.MaxAttempts > domain.AbsoluteMaxAttempts {
		cfg.MaxAttempts = domain.AbsoluteMaxAttempts
	}
	return &Controller{
		cfg:     cfg,
		jobs:    jobs,
		bus:     bus,
		records: make(map[string]*domain.RetryRecord),
		pending: make(map[string]*pendingRetry),
	}
}

// OnFailure classifies the error and either reports a terminal verdict or
// schedules the next attempt with exponential backoff. The failing record is
// left running through the backoff window; the timer transitions it to
// failed just before submitting the retry, so observers see a retrying chain
// as one continuously running job.
func (c *Controller) OnFailure(ctx context.Context, job domain.Job, cause error, w Submitter) Decision {
	cls := domain.Classify(cause)
	jobErr := jobErrorOf(cause, cls)
	originalID := domain.OriginalID(job.ID)

	if !cls.Retryable {
		c.destroy(originalID)
		slog.Info("error not retryable, failing terminally",
			slog.String("job_id", job.ID),
			slog.String("category", string(cls.Category)),
			slog.String("code", cls.Code))
		return Decision{Terminal: true, Error: jobErr, Classification: cls}
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return Decision{Terminal: true, Error: jobErr, Classification: cls}
	}
	rec, ok := c.records[originalID]
	if !ok {
		base := c.cfg.BaseDelay
		if base <= 0 {
			base = cls.BaseDelay
		}
		if base <= 0 {
			base = fallbackBaseDelay
		}
		rec = &domain.RetryRecord{
			OriginalID:  originalID,
			PipelineID:  job.PipelineID,
			MaxAttempts: c.cfg.MaxAttempts,
			BaseDelay:   base,
		}
		c.records[originalID] = rec
	}
	rec.Attempts++
	rec.LastAttemptAt = time.Now().UTC()
	attempts, maxAttempts, baseDelay := rec.Attempts, rec.MaxAttempts, rec.BaseDelay
	c.mu.Unlock()

	if attempts >= domain.AbsoluteMaxAttempts {
		c.destroy(originalID)
		slog.Error("circuit breaker tripped: absolute attempt cap reached",
			slog.String("original_id", originalID),
			slog.Int("attempts", attempts))
		c.publishExhausted(job, originalID, attempts, maxAttempts, "absolute attempt cap reached")
		return Decision{Terminal: true, Error: jobErr, Classification: cls}
	}
	if attempts >= maxAttempts {
		c.destroy(originalID)
		slog.Warn("configured attempt cap reached",
			slog.String("original_id", originalID),
			slog.Int("attempts", attempts),
			slog.Int("max_attempts", maxAttempts))
		c.publishExhausted(job, originalID, attempts, maxAttempts, "configured attempt cap reached")
		return Decision{Terminal: true, Error: jobErr, Classification: cls}
	}
	if attempts >= domain.WarnAttemptThreshold {
		slog.Warn("job approaching retry limit",
			slog.String("original_id", originalID),
			slog.Int("attempts", attempts),
			slog.Int("max_attempts", maxAttempts))
	}

	delay := domain.BackoffDelay(baseDelay, attempts)
	retryID := domain.RetryJobID(originalID, attempts)
	data := job.Data

	c.mu.Lock()
	rec.NextRetryAt = time.Now().UTC().Add(delay)
	p := &pendingRetry{jobID: job.ID, retryID: retryID}
	p.timer = time.AfterFunc(delay, func() { c.fire(originalID, jobErr, data, w) })
	c.pending[originalID] = p
	c.mu.Unlock()

	c.bus.Publish(event.RetryScheduled, event.RetryEvent{
		JobID:       job.ID,
		RetryJobID:  retryID,
		OriginalID:  originalID,
		PipelineID:  job.PipelineID,
		Attempt:     attempts,
		MaxAttempts: maxAttempts,
		DelayMS:     delay.Milliseconds(),
		Timestamp:   timex.Now(),
	})
	observability.RetryScheduled(job.PipelineID)
	slog.Info("retry scheduled",
		slog.String("job_id", job.ID),
		slog.String("retry_job_id", retryID),
		slog.Int("attempt", attempts),
		slog.Int("max_attempts", maxAttempts),
		slog.Duration("delay", delay))
	return Decision{Terminal: false, Error: jobErr, Classification: cls}
}

// fire runs when a backoff timer elapses: the failed attempt becomes visible
// as failed and the next attempt is submitted with the original payload.
func (c *Controller) fire(originalID string, jobErr *domain.JobError, data json.RawMessage, w Submitter) {
	c.mu.Lock()
	p, ok := c.pending[originalID]
	if !ok || c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.pending, originalID)
	c.mu.Unlock()

	ctx := context.Background()
	failed := domain.JobFailed
	now := time.Now().UTC()
	updated, err := c.jobs.Update(ctx, p.jobID, domain.JobPatch{
		Status:      &failed,
		CompletedAt: &now,
		Error:       jobErr,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			// The attempt was cancelled or removed while waiting.
			c.destroy(originalID)
			return
		}
		slog.Error("persist failed attempt before retry",
			slog.String("job_id", p.jobID),
			slog.Any("error", err))
	} else {
		c.bus.Publish(event.JobFailed, jobEventOf(updated))
		observability.FailJob(updated.PipelineID)
	}

	if err := w.Submit(ctx, p.retryID, data); err != nil {
		slog.Error("retry submission failed",
			slog.String("retry_job_id", p.retryID),
			slog.Any("error", err))
		c.destroy(originalID)
		return
	}
	slog.Info("retry attempt submitted",
		slog.String("job_id", p.jobID),
		slog.String("retry_job_id", p.retryID))
}

// OnSuccess retires the chain's bookkeeping after a completed attempt.
func (c *Controller) OnSuccess(jobID string) {
	c.destroy(domain.OriginalID(jobID))
}

// Forget drops bookkeeping for a cancelled chain member.
func (c *Controller) Forget(jobID string) {
	c.destroy(domain.OriginalID(jobID))
}

// CancelChain voids a pending retry timer for the chain of jobID, persists
// the waiting attempt as cancelled and destroys the record. It reports false
// when no retry was pending, so callers can try the worker or the store.
func (c *Controller) CancelChain(ctx context.Context, jobID string) bool {
	originalID := domain.OriginalID(jobID)
	c.mu.Lock()
	p, ok := c.pending[originalID]
	if ok {
		p.timer.Stop()
		delete(c.pending, originalID)
		delete(c.records, originalID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	cancelled := domain.JobCancelled
	now := time.Now().UTC()
	updated, err := c.jobs.Update(ctx, p.jobID, domain.JobPatch{Status: &cancelled, CompletedAt: &now})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrNotFound) {
			slog.Error("persist cancelled retry attempt",
				slog.String("job_id", p.jobID),
				slog.Any("error", err))
		}
		return true
	}
	c.bus.Publish(event.JobCancelled, jobEventOf(updated))
	observability.CancelJob(updated.PipelineID)
	slog.Info("pending retry cancelled",
		slog.String("job_id", p.jobID),
		slog.String("original_id", originalID))
	return true
}

// Stop cancels every pending timer. Records survive for late Stats reads
// during shutdown.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}
}

func (c *Controller) destroy(originalID string) {
	c.mu.Lock()
	if p, ok := c.pending[originalID]; ok {
		p.timer.Stop()
		delete(c.pending, originalID)
	}
	delete(c.records, originalID)
	c.mu.Unlock()
}

func (c *Controller) publishExhausted(job domain.Job, originalID string, attempts, maxAttempts int, reason string) {
	c.bus.Publish(event.RetryMaxAttempts, event.RetryEvent{
		JobID:       job.ID,
		OriginalID:  originalID,
		PipelineID:  job.PipelineID,
		Attempt:     attempts,
		MaxAttempts: maxAttempts,
		Reason:      reason,
		Timestamp:   timex.Now(),
	})
	observability.RetryExhausted(job.PipelineID)
}

// MaxAttempts reports the effective configured cap after clamping.
func (c *Controller) MaxAttempts() int { return c.cfg.MaxAttempts }

// Stats is the retry_metrics block exposed by the status endpoint.
type Stats struct {
	Tracked int          `json:"tracked"`
	Pending int          `json:"pending"`
	Records []RecordView `json:"records"`
}

// RecordView is one chain's attempt bookkeeping, shaped for JSON.
type RecordView struct {
	OriginalID  string `json:"original_id"`
	PipelineID  string `json:"pipeline_id"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	BaseDelayMS int64  `json:"base_delay_ms"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
}

// Stats snapshots the live records, sorted by original id for deterministic
// payloads.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Tracked: len(c.records),
		Pending: len(c.pending),
		Records: make([]RecordView, 0, len(c.records)),
	}
	for _, rec := range c.records {
		v := RecordView{
			OriginalID:  rec.OriginalID,
			PipelineID:  rec.PipelineID,
			Attempts:    rec.Attempts,
			MaxAttempts: rec.MaxAttempts,
			BaseDelayMS: rec.BaseDelay.Milliseconds(),
		}
		if _, ok := c.pending[rec.OriginalID]; ok {
			v.NextRetryAt = timex.Format(rec.NextRetryAt)
		}
		s.Records = append(s.Records, v)
	}
	sort.Slice(s.Records, func(i, j int) bool { return s.Records[i].OriginalID < s.Records[j].OriginalID })
	return s
}

func jobErrorOf(cause error, cls domain.Classification) *domain.JobError {
	return &domain.JobError{
		Message:  cause.Error(),
		Code:     cls.Code,
		Category: cls.Category,
	}
}
