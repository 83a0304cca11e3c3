// Package upstream provides the session-stateful HTTP client for the CAD
// catalog API, with automatic retry, rate limiting, and error
// classification. Queries are relative to in-session cursors (current
// directory path, selected project, selected phase, selected elevation);
// the Session type owns those cursors.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for upstream failure classification.
// Use errors.Is(err, upstream.ErrNotFound) to check.
var (
	ErrBadRequest     = errors.New("upstream: bad request")
	ErrAuthFailed     = errors.New("upstream: authentication failed")
	ErrSessionCorrupt = errors.New("upstream: session corrupt")
	ErrNotFound       = errors.New("upstream: not found")
	ErrThrottled      = errors.New("upstream: throttled")
	ErrServerError    = errors.New("upstream: server error")
	ErrEmptyBlob      = errors.New("upstream: parts blob empty")
	ErrCursorUnset    = errors.New("upstream: required session cursor not set")
)

// Category buckets upstream failures for retry policy, sync-attempt
// recording, and alert counters. The taxonomy is fixed; syncers branch on
// the category, never on raw errors.
type Category string

const (
	CategoryTransport  Category = "transport"
	CategoryTimeout    Category = "timeout"
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryNotFound   Category = "not_found"
	CategoryServer     Category = "server"
	CategoryBusiness   Category = "business_logic"
	CategorySystem     Category = "system"
)

// Retriable reports whether failures in this category may succeed on retry.
func (c Category) Retriable() bool {
	return c == CategoryTransport || c == CategoryTimeout || c == CategoryServer
}

// CallError wraps a sentinel error with the HTTP status, upstream request
// id, and response body excerpt for debugging.
type CallError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *CallError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("upstream: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("upstream: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrSessionCorrupt
	case http.StatusForbidden:
		return ErrAuthFailed
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrSessionCorrupt
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryableStatus reports whether the given HTTP status should be retried
// inside the client. 401 is deliberately absent: a corrupt session never
// heals by retrying the same call.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Categorize maps any error returned by this package to its Category.
// Unrecognized errors are CategorySystem.
func Categorize(err error) Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrSessionCorrupt):
		return CategoryAuth
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrEmptyBlob), errors.Is(err, ErrCursorUnset):
		return CategoryValidation
	case errors.Is(err, ErrServerError), errors.Is(err, ErrThrottled):
		return CategoryServer
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case isTimeout(err):
		return CategoryTimeout
	case isConnectionError(err):
		return CategoryTransport
	default:
		return CategorySystem
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// url.Error wraps most transport failures; treat any remaining net
	// error as a connection problem.
	var netErr net.Error

	return errors.As(err, &netErr)
}
