// Package domain defines the job model, error taxonomy and retry entities.
package domain

import (
	"fmt"
	"regexp"
	"time"
)

// AbsoluteMaxAttempts is the hard ceiling on total executions of one logical
// job, regardless of the configured cap. Non-overridable.
const AbsoluteMaxAttempts = 5

// WarnAttemptThreshold is the attempt count at which an approaching-limit
// warning is emitted without aborting the retry chain.
const WarnAttemptThreshold = 3

// RetryConfig defines retry behaviour for job processing.
type RetryConfig struct {
	// MaxAttempts is the configured cap on total executions. It is clamped
	// to AbsoluteMaxAttempts by the controller.
	MaxAttempts int
	// BaseDelay is the explicit backoff base. Zero means "let the
	// classifier suggest one per error category".
	BaseDelay time.Duration
}

// DefaultRetryConfig returns the documented default configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 2}
}

// RetryRecord tracks attempts for one original job id. It lives only in the
// controller's memory and is destroyed on success, terminal failure or cap
// breach.
type RetryRecord struct {
	OriginalID    string
	PipelineID    string
	Attempts      int
	MaxAttempts   int
	BaseDelay     time.Duration
	LastAttemptAt time.Time
	NextRetryAt   time.Time
}

var retrySuffixRe = regexp.MustCompile(`-retry\d+`)

// OriginalID strips every -retry<N> suffix from a job id chain, yielding the
// key under which attempts are aggregated. Stable under repeated application.
func OriginalID(id string) string {
	return retrySuffixRe.ReplaceAllString(id, "")
}

// RetryJobID derives the id for the next attempt of an original job.
func RetryJobID(originalID string, attempt int) string {
	return fmt.Sprintf("%s-retry%d", originalID, attempt)
}

// BackoffDelay computes the scheduled delay for the given attempt number:
// exactly base * 2^(attempts-1). Attempts below 1 are treated as 1.
func BackoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base * time.Duration(1<<uint(attempts-1))
}
