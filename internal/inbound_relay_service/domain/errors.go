package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound indicates that a requested record does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrTerminalState is returned when a ledger mutation targets a record that already left pending.
	ErrTerminalState = errors.New("sync record is in a terminal state")
)

// ConfigError reports a missing or invalid required setting. Never retried.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Key, e.Reason)
}

// ValidationError reports a malformed inbound payload. Recorded as a routing failure, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// UpstreamError is a failed CRM call. StatusCode is 0 when no HTTP response was received.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return "upstream error: " + e.Message
	}
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

// TimeoutError is a CRM call that exceeded its deadline. It is classified like a retryable UpstreamError.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsPermanentDeliveryError reports whether retrying a delivery cannot succeed: missing configuration
// on our side, or the CRM answering 424 (missing OAuth scope / integration config).
func IsPermanentDeliveryError(err error) bool {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return true
	}
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode == http.StatusFailedDependency
	}
	return false
}

// UpstreamStatusCode returns the CRM status code carried by err, or 0.
func UpstreamStatusCode(err error) int {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode
	}
	return 0
}
