package client

import (
	"fmt"
)

// ErrorKind classifies a request failure.
type ErrorKind string

const (
	// KindNetwork covers DNS, connect, and timeout failures.
	KindNetwork ErrorKind = "network"

	// KindHTTPStatus covers 4xx/5xx upstream responses.
	KindHTTPStatus ErrorKind = "http_status"

	// KindCircuitOpen is a fail-fast rejection while a domain's circuit
	// is open.
	KindCircuitOpen ErrorKind = "circuit_open"

	// KindRateLimited means the bucket wait was cancelled or the daily
	// quota is exhausted.
	KindRateLimited ErrorKind = "rate_limited"

	// KindOfflineBlocked means offline mode is on and the cache had no
	// entry for the request.
	KindOfflineBlocked ErrorKind = "offline_blocked"

	// KindParse means the response did not match the expected schema.
	KindParse ErrorKind = "parse_error"
)

// Error is the failure half of the request contract. The core returns
// it alongside a nil payload for every expected failure mode; it never
// panics for them.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Code is the HTTP status code, when one was received.
	Code int

	// Message is a short operator-facing description. Caller-facing
	// layers are expected to translate, not forward it.
	Message string

	// Retryable reports whether the orchestrator considered the failure
	// transient. Retries have already been spent by the time a caller
	// sees the error.
	Retryable bool

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Kind == t.Kind
}

// retryableStatus reports whether an HTTP status is worth retrying:
// 429 and all 5xx. Other 4xx responses are never retried.
func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}

func networkError(err error) *Error {
	return &Error{
		Kind:      KindNetwork,
		Message:   "network request failed",
		Retryable: true,
		Err:       err,
	}
}

func httpError(code int, message string) *Error {
	if message == "" {
		message = "upstream returned error status"
	}
	return &Error{
		Kind:      KindHTTPStatus,
		Code:      code,
		Message:   message,
		Retryable: retryableStatus(code),
	}
}

func circuitOpenError(domain string, err error) *Error {
	return &Error{
		Kind:    KindCircuitOpen,
		Message: fmt.Sprintf("circuit open for domain %s", domain),
		Err:     err,
	}
}

func rateLimitedError(domain string, err error) *Error {
	return &Error{
		Kind:    KindRateLimited,
		Message: fmt.Sprintf("rate limited for domain %s", domain),
		Err:     err,
	}
}

func offlineBlockedError() *Error {
	return &Error{
		Kind:    KindOfflineBlocked,
		Message: "offline mode enabled and response not cached",
	}
}

func parseError(err error) *Error {
	return &Error{
		Kind:    KindParse,
		Message: "response did not match expected schema",
		Err:     err,
	}
}
