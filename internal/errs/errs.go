// Package errs defines the error taxonomy shared by the engine packages.
//
// Every error that crosses a package boundary is an *Error carrying a Kind.
// Callers dispatch on the kind with errors.As via the Is* helpers; the
// underlying cause, when present, stays reachable through Unwrap.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes engine errors.
type Kind string

const (
	// KindNotFound indicates an unknown entity id, revision, or cache key.
	KindNotFound Kind = "NOT_FOUND"

	// KindInvalidField indicates a field validation or type-map failure.
	KindInvalidField Kind = "INVALID_FIELD"

	// KindInvalidSchema indicates the loader rejected a declaration file.
	KindInvalidSchema Kind = "INVALID_SCHEMA"

	// KindConflict indicates a duplicate id or an unresolvable count-check mismatch.
	KindConflict Kind = "CONFLICT"

	// KindStorage indicates an underlying database or KV failure.
	KindStorage Kind = "STORAGE"

	// KindAuditFailure indicates an audit append or chain verification failed.
	KindAuditFailure Kind = "AUDIT_FAILURE"

	// KindConfiguration indicates a missing env var, bad secret, or overlapping paths.
	KindConfiguration Kind = "CONFIGURATION"
)

// Error is the structured error type surfaced by the engine packages.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Message is a human-readable description.
	Message string

	// Field identifies the offending field for INVALID_FIELD errors.
	Field string

	// Path is the file path for INVALID_SCHEMA errors.
	Path string

	// Line and Column locate the offending token for INVALID_SCHEMA errors.
	// Zero means unknown.
	Line   int
	Column int

	// Retryable marks transient STORAGE errors (timeout, lock contention).
	Retryable bool

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Kind == KindInvalidSchema && e.Path != "" && e.Line > 0:
		return fmt.Sprintf("%s: %s:%d:%d: %s", e.Kind, e.Path, e.Line, e.Column, e.Message)
	case e.Kind == KindInvalidField && e.Field != "":
		return fmt.Sprintf("%s: field %q: %s", e.Kind, e.Field, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// NotFound creates a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidField creates an INVALID_FIELD error for the named field.
func InvalidField(field, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidField, Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidSchema creates an INVALID_SCHEMA error located at path:line:column.
func InvalidSchema(path string, line, column int, format string, args ...any) *Error {
	return &Error{
		Kind:    KindInvalidSchema,
		Path:    path,
		Line:    line,
		Column:  column,
		Message: fmt.Sprintf(format, args...),
	}
}

// Conflict creates a CONFLICT error.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps a database or KV failure. retryable marks transient conditions.
func Storage(retryable bool, msg string, err error) *Error {
	return &Error{Kind: KindStorage, Message: msg, Retryable: retryable, Err: err}
}

// Audit wraps an audit log failure. Audit failures are fatal for the
// triggering operation.
func Audit(msg string, err error) *Error {
	return &Error{Kind: KindAuditFailure, Message: msg, Err: err}
}

// Configuration creates a CONFIGURATION error.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a CONFLICT error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsRetryable reports whether err is a STORAGE error marked retryable.
// Only the coordinator may act on this; validation and schema errors are
// never retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindStorage && e.Retryable
	}
	return false
}
