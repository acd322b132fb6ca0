package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies a failure into the taxonomy the worker uses to
// decide retryability and user messaging.
type ErrorCode string

const (
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeRateLimited   ErrorCode = "RATE_LIMITED"
	CodeAuth          ErrorCode = "AUTH"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeInvalidParams ErrorCode = "INVALID_PARAMS"
	CodeUnavailable   ErrorCode = "UNAVAILABLE"
	CodeCancelled     ErrorCode = "CANCELLED"
	CodeInternal      ErrorCode = "INTERNAL"
)

// Retryable reports whether a failure with this code may be retried.
// Timeouts, rate limits and unavailability are transient; the rest are not.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeTimeout, CodeRateLimited, CodeUnavailable:
		return true
	}
	return false
}

// UserMessage returns the user-facing message template for the code.
func (c ErrorCode) UserMessage() string {
	switch c {
	case CodeTimeout:
		return "The task timed out"
	case CodeRateLimited:
		return "The service is rate limited, please retry later"
	case CodeAuth:
		return "Authentication failed"
	case CodeNotFound:
		return "The requested service or task was not found"
	case CodeInvalidParams:
		return "Invalid task parameters"
	case CodeUnavailable:
		return "The service is temporarily unavailable"
	case CodeCancelled:
		return "The task was cancelled"
	default:
		return "An internal error occurred"
	}
}

// CodedError attaches an ErrorCode to an underlying error.
type CodedError struct {
	Code ErrorCode
	err  error
}

func (e *CodedError) Error() string {
	return e.err.Error()
}

func (e *CodedError) Unwrap() error {
	return e.err
}

// WithCode wraps err with an explicit error code. Services use this to
// signal classification to the worker; unwrapping is preserved.
func WithCode(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, err: err}
}

// Errorf builds a coded error from a format string.
func Errorf(code ErrorCode, format string, args ...any) error {
	return &CodedError{Code: code, err: fmt.Errorf(format, args...)}
}

// Classify maps an error to its ErrorCode. Explicitly coded errors win;
// context errors map to TIMEOUT/CANCELLED; anything else is matched on
// well-known substrings and falls back to INTERNAL.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return CodeRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return CodeTimeout
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "authentication"):
		return CodeAuth
	case strings.Contains(msg, "not found"):
		return CodeNotFound
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "malformed"):
		return CodeInvalidParams
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "no servers available"):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// IsRetryable reports whether err classifies to a retryable code.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}
