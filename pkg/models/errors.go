package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies task and pool failures so callers can tell
// caller-fixable problems (a bad action script) from infrastructure
// issues (exhausted capacity, a browser that would not start).
type ErrorKind string

const (
	// KindResourceExhausted means no display or session capacity is left.
	// Retryable by the caller after backoff.
	KindResourceExhausted ErrorKind = "resource_exhausted"
	// KindLaunchFailure means the browser process could not start.
	KindLaunchFailure ErrorKind = "launch_failure"
	// KindActionFailure means a scripted step failed (navigation error,
	// script error, element not found). Surfaced with partial results.
	KindActionFailure ErrorKind = "action_failure"
	// KindPoolTimeout means the caller's deadline elapsed while queued
	// for a session.
	KindPoolTimeout ErrorKind = "pool_timeout"
	// KindTaskTimeout means the task deadline elapsed mid-execution.
	KindTaskTimeout ErrorKind = "task_timeout"
	// KindCancelled means the caller withdrew the request. A distinct
	// terminal status, not an error condition.
	KindCancelled ErrorKind = "cancelled"
	// KindInvalidRequest means the submitted payload failed validation.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindInternal is the fallback for unclassified failures.
	KindInternal ErrorKind = "internal"
)

// Error attaches an ErrorKind to an underlying cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error from a format string.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an existing error, keeping it unwrappable.
func WrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the ErrorKind carried by err, or KindInternal when err
// carries no classification.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
