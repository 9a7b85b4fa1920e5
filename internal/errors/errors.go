// Package errors defines the structured error taxonomy shared by the
// source adapters, the backend clients, and the generation engine.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorizes errors across the documentation pipeline. Adapter-side
// kinds abort a run before generation starts; backend-side kinds are scoped
// to a single node and drive the engine's retry and failover policy.
type Kind string

const (
	// Adapter-side (fatal to the run).
	KindConnection        Kind = "connection"
	KindPermission        Kind = "permission"
	KindUnsupportedSchema Kind = "unsupported_schema"

	// Backend-side (node-scoped).
	KindRateLimited    Kind = "rate_limited"
	KindTransient      Kind = "transient"
	KindInvalidRequest Kind = "invalid_request"
	KindAuth           Kind = "auth"
	KindUnavailable    Kind = "unavailable"
	KindPromptTooLarge Kind = "prompt_too_large"

	KindConfig   Kind = "config"
	KindInternal Kind = "internal"
)

// Error is a structured error carrying a Kind plus optional retry advice.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// RetryAfter is a backend-provided wait hint, set only for
	// KindRateLimited when the server sent one.
	RetryAfter time.Duration

	// CapacityLimited marks an invalid_request rejection caused by the
	// backend's context window rather than the request's structure. The
	// engine may fail over once to a larger-capacity backend.
	CapacityLimited bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new structured error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new structured error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a kind and context message.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var structErr *Error
	if errors.As(err, &structErr) {
		return structErr.Kind == kind
	}

	return false
}

// GetKind returns the error kind, or KindInternal for unstructured errors.
func GetKind(err error) Kind {
	var structErr *Error
	if errors.As(err, &structErr) {
		return structErr.Kind
	}

	return KindInternal
}

// RetryAfter returns the backend's wait hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var structErr *Error
	if errors.As(err, &structErr) && structErr.RetryAfter > 0 {
		return structErr.RetryAfter, true
	}

	return 0, false
}

// IsCapacityLimited reports whether err is an invalid_request rejection that
// a backend with a larger context window could still accept.
func IsCapacityLimited(err error) bool {
	var structErr *Error
	if errors.As(err, &structErr) {
		return structErr.Kind == KindInvalidRequest && structErr.CapacityLimited
	}

	return false
}

// Retryable reports whether the same backend should be retried after backoff.
func Retryable(err error) bool {
	switch GetKind(err) {
	case KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

// Fatal reports whether err is an adapter-side error that aborts the run.
func Fatal(err error) bool {
	switch GetKind(err) {
	case KindConnection, KindPermission, KindUnsupportedSchema:
		return true
	default:
		return false
	}
}
