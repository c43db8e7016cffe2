package client

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric and log labels.
const (
	ErrorCategoryTimeout          ErrorCategory = "timeout"
	ErrorCategoryNetwork          ErrorCategory = "network"
	ErrorCategoryLocationNotFound ErrorCategory = "location_not_found"
	ErrorCategoryRateLimited      ErrorCategory = "rate_limited"
	ErrorCategoryUpstream         ErrorCategory = "upstream"
	ErrorCategoryParsing          ErrorCategory = "parsing"
	ErrorCategoryCanceled         ErrorCategory = "canceled"
	ErrorCategoryUnknown          ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	case errors.Is(err, ErrLocationNotFound):
		return ErrorCategoryLocationNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	}

	errStr := err.Error()
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") || errors.Is(err, errEmptyPayload) {
		return ErrorCategoryParsing
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "no such host") {
		return ErrorCategoryNetwork
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return ErrorCategoryUpstream
	}
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	return ErrorCategoryUnknown
}

// Retryable reports whether another attempt could succeed. Not-found is a
// definitive answer; cancellation means the caller is gone.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLocationNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
