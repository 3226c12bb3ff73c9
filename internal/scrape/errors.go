package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode is the machine-readable failure code reported by the
// collaborator.
type ErrorCode string

// Collaborator error codes.
const (
	CodeUnsupportedJurisdiction ErrorCode = "UNSUPPORTED_JURISDICTION"
	CodeSiteUnavailable         ErrorCode = "SITE_UNAVAILABLE"
	CodeTimeout                 ErrorCode = "TIMEOUT"
	CodeMalformedResponse       ErrorCode = "MALFORMED_RESPONSE"
)

// ErrNotFound is returned by store lookups when no row exists.
var ErrNotFound = errors.New("not found")

// CollaboratorError wraps a failure reported by (or while reaching) the
// scrape collaborator. Any error without an explicit non-retryable code
// is treated as retryable.
type CollaboratorError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *CollaboratorError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("collaborator: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("collaborator: %s", e.Code)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *CollaboratorError) Retryable() bool {
	return e.Code != CodeUnsupportedJurisdiction
}

// IsRetryable classifies an error from the scrape path. Context
// cancellation from shutdown is not retryable here; the message is simply
// released for redelivery by the caller.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var cerr *CollaboratorError
	if errors.As(err, &cerr) {
		return cerr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}
