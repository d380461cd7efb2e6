// Package errors provides the structured error taxonomy for contextmcp.
// Every error that crosses a component boundary carries a Kind so callers
// can branch on failure class without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds are part of the public API surface:
// transports map them onto their own error vocabularies.
type Kind string

const (
	// KindValidation indicates bad input: missing scope, relative path, illegal URL.
	KindValidation Kind = "VALIDATION"
	// KindNotFound indicates an absent project, dataset, job, or collection.
	KindNotFound Kind = "NOT_FOUND"
	// KindAlreadyExists indicates an idempotent create hit conflicting prior state.
	KindAlreadyExists Kind = "ALREADY_EXISTS"
	// KindAlreadyWatching indicates a duplicate watcher registration.
	KindAlreadyWatching Kind = "ALREADY_WATCHING"
	// KindUnauthorized indicates a source requires credentials that were not provided.
	KindUnauthorized Kind = "UNAUTHORIZED"
	// KindConflict indicates an optimistic concurrency failure; callers may retry.
	KindConflict Kind = "CONFLICT"
	// KindTimeout indicates a deadline exceeded on an external call.
	KindTimeout Kind = "TIMEOUT"
	// KindBackpressure indicates a saturated external service; callers should back off.
	KindBackpressure Kind = "BACKPRESSURE"
	// KindIO indicates a filesystem or network failure.
	KindIO Kind = "IO"
	// KindDimensionMismatch indicates an embedding/collection dimension conflict.
	// Fatal to the affected batch, never retried.
	KindDimensionMismatch Kind = "DIMENSION_MISMATCH"
	// KindCorruptSnapshot indicates a sync snapshot that cannot be deserialized.
	// Callers should retry with a full rescan.
	KindCorruptSnapshot Kind = "CORRUPT_SNAPSHOT"
	// KindCancelled indicates the caller asked for cancellation.
	KindCancelled Kind = "CANCELLED"
	// KindInternal indicates a violated invariant in the core.
	KindInternal Kind = "INTERNAL"
)

// retryableKinds are the failure classes worth retrying with backoff.
var retryableKinds = map[Kind]bool{
	KindTimeout:      true,
	KindBackpressure: true,
	KindConflict:     true,
	KindIO:           true,
}

// Error is the structured error type carried across component boundaries.
type Error struct {
	// Kind is the failure class.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Resource identifies the affected resource (project, dataset, job id)
	// where applicable.
	Resource string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (%s)", e.Kind, e.Message, e.Resource)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by Kind so errors.Is works across wrapping.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithResource attaches the affected resource id. Returns the error for chaining.
func (e *Error) WithResource(id string) *Error {
	e.Resource = id
	return e
}

// WithDetail adds a key-value detail. Returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a structured error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a structured error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error under a kind. Returns nil for a nil cause.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from an error chain.
// Plain errors and nil report KindInternal and an empty kind respectively.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain contains the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the failure class is worth retrying.
// Validation, dimension-mismatch, not-found, unauthorized, and cancelled
// failures are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return retryableKinds[KindOf(err)]
}
