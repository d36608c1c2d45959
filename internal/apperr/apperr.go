// Copyright 2025 James Ross
package apperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy of spec.md §7. Retry and
// circuit-breaker logic switches on Kind rather than on Go error types or
// exceptions, per the re-architecture note in spec.md §9.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUpstreamClient
	KindUpstreamRateLimit
	KindUpstreamServer
	KindUpstreamTimeout
	KindNetwork
	KindCircuitOpen
	KindStoreUnavailable
	KindWebhookDeliveryFailed
	KindJobTimeout
	KindQueueTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "ConflictError"
	case KindUpstreamClient:
		return "UpstreamClientError"
	case KindUpstreamRateLimit:
		return "UpstreamRateLimit"
	case KindUpstreamServer:
		return "UpstreamServerError"
	case KindUpstreamTimeout:
		return "UpstreamTimeout"
	case KindNetwork:
		return "NetworkError"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindStoreUnavailable:
		return "StoreUnavailable"
	case KindWebhookDeliveryFailed:
		return "WebhookDeliveryFailed"
	case KindJobTimeout:
		return "JobTimeout"
	case KindQueueTimeout:
		return "QueueTimeout"
	default:
		return "Unknown"
	}
}

// Retryable reports whether a transient-failure retry policy should retry
// an error of this kind. Permanent client errors (validation, not-found,
// conflict, 4xx-other-than-429) are never retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindUpstreamRateLimit, KindUpstreamServer, KindUpstreamTimeout, KindNetwork:
		return true
	default:
		return false
	}
}

// Error carries a Kind plus a message, an optional cause, and optional
// structured details (e.g. Retry-After seconds, current instance status).
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Details   map[string]any
	RequestID string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func WithDetails(err *Error, details map[string]any) *Error {
	err.Details = details
	return err
}

// As extracts an *Error from err, the way callers are expected to branch on
// Kind instead of matching concrete Go error types.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else
// KindUnknown.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindUnknown
}
