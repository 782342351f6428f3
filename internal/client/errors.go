// Package client implements the ServiceClient family: a shared base for
// outbound calls providing header injection, rate limiting, circuit
// breaking, retry, and typed error classification.
package client

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds a ServiceClient call can surface.
type Kind string

const (
	// KindValidation covers malformed requests or configuration; never
	// retryable.
	KindValidation Kind = "validation"
	// KindTransient covers network errors and timeouts where no HTTP
	// status is available; retryable up to max_retries.
	KindTransient Kind = "transient"
	// KindRateLimited is an HTTP 429 from the remote service; retryable.
	KindRateLimited Kind = "rate_limited"
	// KindUnauthenticated is an HTTP 401/403: the credentials were
	// rejected; never retryable.
	KindUnauthenticated Kind = "unauthenticated"
	// KindClientError is any other 4xx, carrying the response payload;
	// never retryable.
	KindClientError Kind = "client_error"
	// KindServerError is a 5xx from the remote service; retryable.
	KindServerError Kind = "server_error"
	// KindConverterFailure is a media converter failure, recovered
	// locally by skipping the affected diagram.
	KindConverterFailure Kind = "converter_failure"
	// KindAggregatorIncomplete marks a workflow that failed to complete
	// before its deadline.
	KindAggregatorIncomplete Kind = "aggregator_incomplete"
)

// Error is the typed error surfaced by ServiceClient calls and classified
// by the worker base layer's retry policy.
type Error struct {
	Kind       Kind
	Service    string
	Operation  string
	StatusCode int
	Message    string
	RequestID  string
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: http %d (%s): %s", e.Service, e.Operation, e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Service, e.Operation, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewFromStatus classifies an HTTP response status into a typed Error:
// 429 is rate-limited (retryable), 401/403 is unauthenticated, 5xx is a
// server error (retryable), and any other 4xx is a client error
// carrying the response payload in Message.
func NewFromStatus(service, operation string, status int, message string, requestID string) *Error {
	e := &Error{Service: service, Operation: operation, StatusCode: status, Message: message, RequestID: requestID}
	switch {
	case status == 429:
		e.Kind = KindRateLimited
		e.Retryable = true
	case status == 401 || status == 403:
		e.Kind = KindUnauthenticated
	case status >= 500:
		e.Kind = KindServerError
		e.Retryable = true
	default:
		e.Kind = KindClientError
	}
	return e
}

// NewTransient wraps a network/timeout failure (no HTTP status available)
// as a retryable transient error.
func NewTransient(service, operation string, cause error) *Error {
	return &Error{Kind: KindTransient, Service: service, Operation: operation, Message: cause.Error(), Retryable: true, Cause: cause}
}

// NewValidation wraps a non-retryable validation failure.
func NewValidation(service, operation, message string) *Error {
	return &Error{Kind: KindValidation, Service: service, Operation: operation, Message: message}
}

// AsError reports whether err (or a wrapped cause) is a *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsRateLimited reports whether err is a 429 classification.
func IsRateLimited(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindRateLimited
}

// IsUnauthenticated reports whether err is a 401/403 classification.
func IsUnauthenticated(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindUnauthenticated
}

// Retryable classifies err for the retry package: true for rate-limit,
// server-error, and transient classifications (including circuit
// breaker open, which is itself transient by nature), false otherwise.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := AsError(err); ok {
		return ce.Retryable
	}
	return errors.Is(err, ErrCircuitOpen)
}
