// Package event provides the in-process pub/sub bus that fans lifecycle
// events out to the activity feed and WebSocket clients, plus the bounded
// activity ring the dashboard hydrates from.
package event

import (
	"encoding/json"
	"time"

	"github.com/alephworks/alephauto/internal/domain"
)

// Channel names published on the bus.
const (
	JobCreated   = "job:created"
	JobStarted   = "job:started"
	JobProgress  = "job:progress"
	JobCompleted = "job:completed"
	JobFailed    = "job:failed"
	JobCancelled = "job:cancelled"

	RetryScheduled   = "retry:scheduled"
	RetryMaxAttempts = "retry:max-attempts"

	PipelineStatus = "pipeline:status"
	SystemStatus   = "system:status"
	ActivityNew    = "activity:new"
)

// Wildcard subscribes a client to every channel.
const Wildcard = "*"

// Event is one frame on the bus.
type Event struct {
	Channel   string
	Timestamp time.Time
	Payload   any
}

// JobEvent is the payload for the job:* channels.
type JobEvent struct {
	JobID      string           `json:"job_id"`
	PipelineID string           `json:"pipeline_id"`
	Status     string           `json:"status"`
	Timestamp  string           `json:"timestamp"`
	Progress   *float64         `json:"progress,omitempty"`
	Result     json.RawMessage  `json:"result,omitempty"`
	Error      *domain.JobError `json:"error,omitempty"`
}

// RetryEvent is the payload for the retry:* channels.
type RetryEvent struct {
	JobID       string `json:"job_id"`
	RetryJobID  string `json:"retry_job_id,omitempty"`
	OriginalID  string `json:"original_id"`
	PipelineID  string `json:"pipeline_id"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	DelayMS     int64  `json:"delay_ms,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// PipelineEvent is the payload for pipeline:status.
type PipelineEvent struct {
	PipelineID string `json:"pipeline_id"`
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
}

// SystemEvent is the payload for system:status.
type SystemEvent struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}
