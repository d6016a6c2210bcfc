package domain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"
)

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "dial tcp: i/o problem" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return true }

func TestClassifyStructured(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  ErrorCategory
		retryable bool
		baseDelay time.Duration
	}{
		{"nil", nil, CategoryUnknown, false, 0},
		{"code ETIMEDOUT", &PipelineError{Code: "ETIMEDOUT"}, CategoryTimeout, true, 5 * time.Second},
		{"code lower case", &PipelineError{Code: "econnrefused"}, CategoryNetwork, true, 5 * time.Second},
		{"code ECONNRESET", &PipelineError{Code: "ECONNRESET"}, CategoryNetwork, true, 5 * time.Second},
		{"code ENOENT", &PipelineError{Code: "ENOENT"}, CategoryFilesystem, false, 0},
		{"code EACCES", &PipelineError{Code: "EACCES"}, CategoryFilesystem, false, 0},
		{"status 429", &PipelineError{Status: 429, Msg: "slow down"}, CategoryRateLimit, true, 60 * time.Second},
		{"status 408", &PipelineError{Status: 408}, CategoryTimeout, true, 5 * time.Second},
		{"status 503", &PipelineError{Status: 503}, CategoryServer, true, 10 * time.Second},
		{"status 400", &PipelineError{Status: 400}, CategoryClient, false, 0},
		{"deadline exceeded", context.DeadlineExceeded, CategoryTimeout, true, 5 * time.Second},
		{"wrapped deadline", fmt.Errorf("op=scan: %w", context.DeadlineExceeded), CategoryTimeout, true, 5 * time.Second},
		{"fs not exist", fs.ErrNotExist, CategoryFilesystem, false, 0},
		{"fs permission", fs.ErrPermission, CategoryFilesystem, false, 0},
		{"invalid argument sentinel", fmt.Errorf("%w: bad path", ErrInvalidArgument), CategoryValidation, false, 0},
		{"net timeout", fakeNetErr{timeout: true}, CategoryTimeout, true, 5 * time.Second},
		{"net other", fakeNetErr{timeout: false}, CategoryNetwork, true, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			if c.Category != tt.category {
				t.Errorf("category = %s, want %s (reason %q)", c.Category, tt.category, c.Reason)
			}
			if c.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", c.Retryable, tt.retryable)
			}
			if c.BaseDelay != tt.baseDelay {
				t.Errorf("base delay = %v, want %v", c.BaseDelay, tt.baseDelay)
			}
		})
	}
}

func TestClassifyMessageFallback(t *testing.T) {
	tests := []struct {
		name      string
		msg       string
		category  ErrorCategory
		retryable bool
	}{
		{"timeout", "request timed out after 30s", CategoryTimeout, true},
		{"rate limit", "upstream rate limit exceeded", CategoryRateLimit, true},
		{"too many requests", "got 429 Too Many Requests", CategoryRateLimit, true},
		{"connection refused", "dial tcp 127.0.0.1:9000: connection refused", CategoryNetwork, true},
		{"no such host", "lookup api.example.test: no such host", CategoryNetwork, true},
		{"server 502", "upstream returned bad gateway", CategoryServer, true},
		{"service unavailable", "503 service unavailable", CategoryServer, true},
		{"filesystem", "open /tmp/x: no such file or directory", CategoryFilesystem, false},
		{"permission", "mkdir /etc/x: permission denied", CategoryFilesystem, false},
		{"validation", "validation failed on field repository_path", CategoryValidation, false},
		{"unknown", "something odd happened", CategoryUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(errors.New(tt.msg))
			if c.Category != tt.category {
				t.Errorf("category = %s, want %s", c.Category, tt.category)
			}
			if c.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", c.Retryable, tt.retryable)
			}
		})
	}
}

func TestClassifyRetryableSet(t *testing.T) {
	// Retryable iff category is one of network, timeout, rate_limit, server.
	retryable := map[ErrorCategory]bool{
		CategoryNetwork:   true,
		CategoryTimeout:   true,
		CategoryRateLimit: true,
		CategoryServer:    true,
	}
	samples := []error{
		&PipelineError{Code: "ETIMEDOUT"},
		&PipelineError{Code: "ECONNREFUSED"},
		&PipelineError{Status: 429},
		&PipelineError{Status: 500},
		&PipelineError{Status: 404},
		&PipelineError{Code: "ENOENT"},
		errors.New("validation failed"),
		errors.New("???"),
	}
	for _, err := range samples {
		c := Classify(err)
		if c.Retryable != retryable[c.Category] {
			t.Errorf("Classify(%v): retryable=%v inconsistent with category %s", err, c.Retryable, c.Category)
		}
	}
}

func TestPipelineErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	pe := NewPipelineError("ETIMEDOUT", inner)
	if !errors.Is(pe, inner) {
		t.Fatalf("expected PipelineError to unwrap to inner error")
	}
	if pe.Error() != "boom" {
		t.Fatalf("Error() = %q", pe.Error())
	}
	coded := &PipelineError{Code: "ENOENT"}
	if coded.Error() != "ENOENT" {
		t.Fatalf("Error() = %q", coded.Error())
	}
}
