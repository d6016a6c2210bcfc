package domain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorCategory buckets a handler failure for retry decisions.
type ErrorCategory string

const (
	CategoryNetwork    ErrorCategory = "network"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryServer     ErrorCategory = "server"
	CategoryClient     ErrorCategory = "client"
	CategoryFilesystem ErrorCategory = "filesystem"
	CategoryValidation ErrorCategory = "validation"
	CategoryUnknown    ErrorCategory = "unknown"
)

// Suggested base delays per retryable category, before exponential scaling.
const (
	networkBaseDelay   = 5 * time.Second
	timeoutBaseDelay   = 5 * time.Second
	rateLimitBaseDelay = 60 * time.Second
	serverBaseDelay    = 10 * time.Second
)

// Classification is the classifier verdict for a single error value.
type Classification struct {
	Category  ErrorCategory
	Retryable bool
	Code      string
	BaseDelay time.Duration
	Reason    string
}

// PipelineError is the structured error pipeline handlers should return when
// they know more than a bare message: a stable code (ETIMEDOUT, ENOENT, ...)
// and/or an upstream HTTP status.
type PipelineError struct {
	Code   string
	Status int
	Msg    string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError builds a coded pipeline error wrapping err.
func NewPipelineError(code string, err error) *PipelineError {
	return &PipelineError{Code: code, Err: err}
}

// Classify maps any error to a category, a retry verdict and a suggested base
// delay. It is total and deterministic: structured fields (code, status,
// wrapped sentinels) are checked first, message substrings as a fallback, and
// anything unrecognised comes back as unknown/non-retryable.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Retryable: false, Reason: "no error"}
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		if c, ok := classifyCode(pe.Code); ok {
			c.Reason = fmt.Sprintf("code %s", pe.Code)
			return c
		}
		if c, ok := classifyHTTPStatus(pe.Status); ok {
			c.Code = pe.Code
			c.Reason = fmt.Sprintf("status %d", pe.Status)
			return c
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: CategoryTimeout, Retryable: true, Code: "ETIMEDOUT", BaseDelay: timeoutBaseDelay, Reason: "deadline exceeded"}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Classification{Category: CategoryFilesystem, Retryable: false, Code: "ENOENT", Reason: "file not found"}
	}
	if errors.Is(err, fs.ErrPermission) {
		return Classification{Category: CategoryFilesystem, Retryable: false, Code: "EACCES", Reason: "permission denied"}
	}
	if errors.Is(err, ErrInvalidArgument) {
		return Classification{Category: CategoryValidation, Retryable: false, Code: "EINVAL", Reason: "invalid argument"}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if c, ok := classifyErrno(errno); ok {
			c.Reason = "syscall errno"
			return c
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{Category: CategoryTimeout, Retryable: true, Code: "ETIMEDOUT", BaseDelay: timeoutBaseDelay, Reason: "net timeout"}
		}
		return Classification{Category: CategoryNetwork, Retryable: true, Code: "ENETWORK", BaseDelay: networkBaseDelay, Reason: "net error"}
	}

	return classifyMessage(err.Error())
}

func classifyCode(code string) (Classification, bool) {
	switch strings.ToUpper(code) {
	case "ETIMEDOUT", "ESOCKETTIMEDOUT", "ERR_SOCKET_CONNECTION_TIMEOUT":
		return Classification{Category: CategoryTimeout, Retryable: true, Code: code, BaseDelay: timeoutBaseDelay}, true
	case "ECONNREFUSED", "ECONNRESET", "ENOTFOUND", "EAI_AGAIN", "EPIPE", "ENETUNREACH", "EHOSTUNREACH":
		return Classification{Category: CategoryNetwork, Retryable: true, Code: code, BaseDelay: networkBaseDelay}, true
	case "ENOENT", "EACCES", "EPERM", "EISDIR", "ENOTDIR", "EMFILE", "ENOSPC":
		return Classification{Category: CategoryFilesystem, Retryable: false, Code: code}, true
	case "EVALIDATION", "EINVAL":
		return Classification{Category: CategoryValidation, Retryable: false, Code: code}, true
	}
	return Classification{}, false
}

func classifyHTTPStatus(status int) (Classification, bool) {
	switch {
	case status == 0:
		return Classification{}, false
	case status == 429:
		return Classification{Category: CategoryRateLimit, Retryable: true, BaseDelay: rateLimitBaseDelay}, true
	case status == 408:
		return Classification{Category: CategoryTimeout, Retryable: true, BaseDelay: timeoutBaseDelay}, true
	case status >= 500:
		return Classification{Category: CategoryServer, Retryable: true, BaseDelay: serverBaseDelay}, true
	case status >= 400:
		return Classification{Category: CategoryClient, Retryable: false}, true
	}
	return Classification{}, false
}

func classifyErrno(errno syscall.Errno) (Classification, bool) {
	switch errno {
	case syscall.ETIMEDOUT:
		return Classification{Category: CategoryTimeout, Retryable: true, Code: "ETIMEDOUT", BaseDelay: timeoutBaseDelay}, true
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
		return Classification{Category: CategoryNetwork, Retryable: true, Code: "ENETWORK", BaseDelay: networkBaseDelay}, true
	case syscall.ENOENT, syscall.EACCES, syscall.EPERM:
		return Classification{Category: CategoryFilesystem, Retryable: false, Code: "ENOENT"}, true
	}
	return Classification{}, false
}

// classifyMessage is the substring fallback for errors that carry no
// structured fields. Mirrors the order of the structured checks so the two
// paths agree on ambiguous inputs.
func classifyMessage(msg string) Classification {
	s := strings.ToLower(strings.TrimSpace(msg))
	if s == "" {
		return Classification{Category: CategoryUnknown, Retryable: false, Reason: "empty message"}
	}

	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "timed out"),
		strings.Contains(s, "deadline exceeded"):
		return Classification{Category: CategoryTimeout, Retryable: true, BaseDelay: timeoutBaseDelay, Reason: "message match"}
	case strings.Contains(s, "rate limit"),
		strings.Contains(s, "too many requests"):
		return Classification{Category: CategoryRateLimit, Retryable: true, BaseDelay: rateLimitBaseDelay, Reason: "message match"}
	case strings.Contains(s, "connection refused"),
		strings.Contains(s, "connection reset"),
		strings.Contains(s, "broken pipe"),
		strings.Contains(s, "no such host"),
		strings.Contains(s, "network is unreachable"):
		return Classification{Category: CategoryNetwork, Retryable: true, BaseDelay: networkBaseDelay, Reason: "message match"}
	case strings.Contains(s, "internal server error"),
		strings.Contains(s, "bad gateway"),
		strings.Contains(s, "service unavailable"):
		return Classification{Category: CategoryServer, Retryable: true, BaseDelay: serverBaseDelay, Reason: "message match"}
	case strings.Contains(s, "no such file"),
		strings.Contains(s, "permission denied"),
		strings.Contains(s, "is a directory"),
		strings.Contains(s, "not a directory"):
		return Classification{Category: CategoryFilesystem, Retryable: false, Reason: "message match"}
	case strings.Contains(s, "validation"),
		strings.Contains(s, "invalid argument"),
		strings.Contains(s, "invalid json"),
		strings.Contains(s, "schema"):
		return Classification{Category: CategoryValidation, Retryable: false, Reason: "message match"}
	default:
		return Classification{Category: CategoryUnknown, Retryable: false, Reason: "unrecognised"}
	}
}
