package config

import (
	"github.com/alephworks/alephauto/internal/domain"
)

// GetRetryConfig builds the domain retry configuration from env-configured
// values. The configured cap is clamped to the absolute maximum so a
// misconfigured RETRY_MAX_ATTEMPTS can never exceed the circuit breaker.
func (c Config) GetRetryConfig() domain.RetryConfig {
	maxAttempts := c.RetryMaxAttempts
	if maxAttempts > domain.AbsoluteMaxAttempts {
		maxAttempts = domain.AbsoluteMaxAttempts
	}
	return domain.RetryConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   c.RetryBaseDelay(),
	}
}
