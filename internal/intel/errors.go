package intel

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can tell caller mistakes apart from
// transient infrastructure failures.
type Kind string

const (
	KindConfig        Kind = "config"
	KindValidation    Kind = "validation"
	KindConcurrentRun Kind = "concurrent_run"
	KindEmptyBatch    Kind = "empty_batch"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindParse         Kind = "parse"
	KindFetch         Kind = "fetch"
	KindInternal      Kind = "internal"
)

// Error is a kinded domain error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// against wrapped, message-specific errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is checks.
var (
	ErrConfig        = &Error{Kind: KindConfig}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrConcurrentRun = &Error{Kind: KindConcurrentRun}
	ErrEmptyBatch    = &Error{Kind: KindEmptyBatch}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrParse         = &Error{Kind: KindParse}
)

// ConfigError reports a bad feed or source configuration.
func ConfigError(format string, args ...any) error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports a malformed indicator record.
func ValidationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ConcurrentRunError reports that a feed already has a run in progress.
func ConcurrentRunError(feedID string) error {
	return &Error{Kind: KindConcurrentRun, Message: fmt.Sprintf("feed %s already has a running update", feedID)}
}

// EmptyBatchError reports an import that produced no records.
func EmptyBatchError() error {
	return &Error{Kind: KindEmptyBatch, Message: "import contains no records"}
}

// NotFoundError reports a missing entity.
func NotFoundError(entity, id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// ConflictError reports a uniqueness violation.
func ConflictError(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// ParseError reports an import payload that could not be read at all.
func ParseError(format string, args ...any) error {
	return &Error{Kind: KindParse, Message: fmt.Sprintf(format, args...)}
}

// FetchReason distinguishes fetch failures by their retry policy.
type FetchReason string

const (
	FetchUnreachable       FetchReason = "unreachable"
	FetchAuthRejected      FetchReason = "auth_rejected"
	FetchMalformedResponse FetchReason = "malformed_response"
)

// FetchError is returned by feed adapters when a feed cannot be read.
type FetchError struct {
	Reason FetchReason
	Feed   string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Feed, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the next scheduled run should try again.
func (e *FetchError) Retryable() bool { return e.Reason == FetchUnreachable }

// Unreachable wraps a transport-level failure.
func Unreachable(feed string, err error) *FetchError {
	return &FetchError{Reason: FetchUnreachable, Feed: feed, Err: err}
}

// AuthRejected wraps a credential rejection.
func AuthRejected(feed string, err error) *FetchError {
	return &FetchError{Reason: FetchAuthRejected, Feed: feed, Err: err}
}

// MalformedResponse wraps an unreadable provider response.
func MalformedResponse(feed string, err error) *FetchError {
	return &FetchError{Reason: FetchMalformedResponse, Feed: feed, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return KindFetch
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
