// Package failure defines the error taxonomy shared by the robots engine,
// aggregator, fetchers, and orchestrator.
package failure

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyDenied signals that robots.txt disallows the requested path.
	// It is not retried within a run; the source or authority is marked skipped.
	ErrPolicyDenied = errors.New("denied by robots policy")
	// ErrConnectivity aborts a scheduled run before any source is attempted.
	ErrConnectivity = errors.New("no network connectivity")
	// ErrRunInProgress is returned internally when a run is already executing.
	// Callers treat it as a no-op.
	ErrRunInProgress = errors.New("update run already in progress")
	// ErrAllAuthoritiesFailed is returned when no authority produced data and
	// partial results were not requested.
	ErrAllAuthoritiesFailed = errors.New("all authorities failed")
)

// NetworkError wraps timeouts, DNS and connection failures, and unexpected
// HTTP statuses. It is retried only at the next scheduled interval.
type NetworkError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Err != nil && e.Status > 0:
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	default:
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.Status)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError reports a response whose shape did not match expectations.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s response: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsNetwork reports whether err carries a NetworkError.
func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsParse reports whether err carries a ParseError.
func IsParse(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}

// Kind returns a short label used for metrics and history entries.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrPolicyDenied):
		return "policy_denied"
	case errors.Is(err, ErrConnectivity):
		return "connectivity"
	case errors.Is(err, ErrRunInProgress):
		return "run_in_progress"
	case IsParse(err):
		return "parse"
	case IsNetwork(err):
		return "network"
	default:
		return "other"
	}
}
