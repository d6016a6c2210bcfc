package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQueueFull         = errors.New("queue full")
	ErrWorkerStopped     = errors.New("worker stopped")
	ErrInternal          = errors.New("internal error")
)

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=Publisher --with-expecter --filename=publisher_mock.go

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether the status DAG permits moving from s to to.
// Legal edges: queued -> running, queued -> cancelled,
// running -> {completed, failed, cancelled}. Terminal states have no edges.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobQueued:
		return to == JobRunning || to == JobCancelled
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobCancelled
	default:
		return false
	}
}

// ParseJobStatus validates a status value received from the outside.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobQueued, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return JobStatus(s), nil
	}
	return "", ErrInvalidArgument
}

// JobError is the structured failure payload persisted with a failed job.
type JobError struct {
	Message  string        `json:"message"`
	Code     string        `json:"code,omitempty"`
	Category ErrorCategory `json:"category"`
	Stack    string        `json:"stack,omitempty"`
}

// GitMeta records what the git-workflow hook did on behalf of a job.
type GitMeta struct {
	Branch         string   `json:"branch"`
	OriginalBranch string   `json:"original_branch"`
	CommitSHA      string   `json:"commit_sha,omitempty"`
	PRURL          string   `json:"pr_url,omitempty"`
	ChangedFiles   []string `json:"changed_files,omitempty"`
}

// Job is the unit of execution.
// Invariants: Status follows the DAG above; StartedAt <= CompletedAt when both
// set; Result and Error are mutually exclusive; ID is unique in the store.
type Job struct {
	ID          string
	PipelineID  string
	Status      JobStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Data        json.RawMessage
	Result      json.RawMessage
	Error       *JobError
	Git         *GitMeta
	Progress    *float64
}

// JobPatch is an atomic partial update applied by JobRepository.Update.
// Nil fields are left untouched.
type JobPatch struct {
	Status      *JobStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      json.RawMessage
	Error       *JobError
	Git         *GitMeta
	Progress    *float64
}

// Tab is a convenience filter over job queries.
const (
	TabRecent = "recent"
	TabFailed = "failed"
	TabAll    = "all"
)

// JobFilter narrows a paginated job query. Zero values mean "no filter".
type JobFilter struct {
	PipelineID string
	Status     JobStatus
	Tab        string
	Limit      int
	Offset     int
}

// Repositories (ports)

type JobRepository interface {
	Insert(ctx Context, j Job) error
	Update(ctx Context, id string, patch JobPatch) (Job, error)
	Get(ctx Context, id string) (Job, error)
	CountByStatus(ctx Context, pipelineID string) (map[JobStatus]int, error)
	// LastJob returns the most recently created job of a pipeline.
	LastJob(ctx Context, pipelineID string) (Job, error)
	// LastRun returns the completion time of the most recent terminal job,
	// or nil when the pipeline has never finished a job.
	LastRun(ctx Context, pipelineID string) (*time.Time, error)
	Query(ctx Context, f JobFilter) ([]Job, int, error)
	ListPipelineIDs(ctx Context) ([]string, error)
}

// Publisher (port)
// Publish is fire-and-forget: it never blocks and never returns an error.

type Publisher interface {
	Publish(channel string, payload any)
}

// JobHandler is the opaque pipeline body invoked for each job. The returned
// value is JSON-marshalled into the job's result on success.

type JobHandler func(ctx Context, job Job) (any, error)

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through unchanged.

type Context = context.Context
