package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusSessionObsoleted is the non-standard HTTP status used on the wire to
// tell an Agent that its session no longer exists server-side. Agents react
// by recreating the session immediately, without backoff.
const StatusSessionObsoleted = 419

// Error is a Tidemark error with a stable machine-readable kind and an HTTP
// status mapping used at the API boundary.
type Error struct {
	kind   string
	status int
	detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.detail, e.cause)
	}
	return e.detail
}

// Kind returns the machine-readable error kind, e.g. "not_found".
func (e *Error) Kind() string { return e.kind }

// Status returns the HTTP status the API layer maps this error to.
func (e *Error) Status() int { return e.status }

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two errdefs errors by kind, so sentinel comparisons like
// errors.Is(err, errdefs.SessionObsoleted("")) work across instances.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.kind == te.kind
	}
	return false
}

func newError(kind string, status int, detail string, cause error) *Error {
	return &Error{kind: kind, status: status, detail: detail, cause: cause}
}

// Config reports invalid or inconsistent configuration. The affected pipeline
// refuses to start; peers are unaffected.
func Config(format string, args ...any) *Error {
	return newError("config", http.StatusBadRequest, fmt.Sprintf(format, args...), nil)
}

// NotFound reports a referenced id that does not exist.
func NotFound(format string, args ...any) *Error {
	return newError("not_found", http.StatusNotFound, fmt.Sprintf(format, args...), nil)
}

// Conflict reports a duplicate create or a rejected concurrent operation.
func Conflict(format string, args ...any) *Error {
	return newError("conflict", http.StatusConflict, fmt.Sprintf(format, args...), nil)
}

// StateConflict reports an operation attempted in the wrong state.
func StateConflict(format string, args ...any) *Error {
	return newError("state_conflict", http.StatusConflict, fmt.Sprintf(format, args...), nil)
}

// Driver reports an underlying I/O or protocol failure. Retryable unless the
// surrounding context says otherwise.
func Driver(detail string, cause error) *Error {
	return newError("driver", http.StatusInternalServerError, detail, cause)
}

// SessionObsoleted reports that a session no longer exists server-side.
// Mapped to wire code 419; triggers session recreation without backoff.
func SessionObsoleted(format string, args ...any) *Error {
	return newError("session_obsoleted", StatusSessionObsoleted, fmt.Sprintf(format, args...), nil)
}

// Validation reports a malformed request body. Per-row failures are dropped
// with a count; the batch is still accepted.
func Validation(format string, args ...any) *Error {
	return newError("validation", http.StatusUnprocessableEntity, fmt.Sprintf(format, args...), nil)
}

// TransientBufferFull reports that the event bus cannot buffer more events
// from a transient source. Triggers split or position-loss handling.
func TransientBufferFull(format string, args ...any) *Error {
	return newError("transient_buffer_full", http.StatusServiceUnavailable, fmt.Sprintf(format, args...), nil)
}

// Unavailable reports that a view is not yet initialized. Mapped to 503 with
// a Retry-After header.
func Unavailable(format string, args ...any) *Error {
	return newError("unavailable", http.StatusServiceUnavailable, fmt.Sprintf(format, args...), nil)
}

// IsSessionObsoleted reports whether err is (or wraps) a session-obsoleted
// error.
func IsSessionObsoleted(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == "session_obsoleted"
}

// IsConflict reports whether err is a conflict or state-conflict error.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && (e.kind == "conflict" || e.kind == "state_conflict")
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == "not_found"
}

// IsUnavailable reports whether err is an unavailable error.
func IsUnavailable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == "unavailable"
}

// IsTransientBufferFull reports whether err is a transient-buffer-full error.
func IsTransientBufferFull(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == "transient_buffer_full"
}

// HTTPStatus resolves the status code for any error: errdefs errors map to
// their own status, everything else to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.status
	}
	return http.StatusInternalServerError
}

// KindOf returns the kind for any error, or "internal" for unknown errors.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return "internal"
}
