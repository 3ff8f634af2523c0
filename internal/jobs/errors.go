package jobs

import (
	"errors"
	"fmt"
)

// Kind buckets every failure the core can surface.
type Kind string

// Error kinds.
const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindTransient    Kind = "transient"
	KindFatal        Kind = "fatal"
	KindCancelled    Kind = "cancelled"
)

// Error is the typed error carried across component boundaries. Reason is a
// short machine-readable code (e.g. "scheme", "loopback" for URL rejections).
type Error struct {
	Kind   Kind
	Reason string
	Msg    string
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// Invalid builds an InvalidInput error with a reason code.
func Invalid(reason, format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundErr builds a NotFound error for the named entity.
func NotFoundErr(entity, id string) error {
	return &Error{Kind: KindNotFound, Reason: entity, Msg: fmt.Sprintf("%s %s not found", entity, id)}
}

// ConflictErr marks an optimistic-concurrency clash.
func ConflictErr(msg string, err error) error {
	return &Error{Kind: KindConflict, Msg: msg, Err: err}
}

// Transient wraps a retryable failure.
func Transient(msg string, err error) error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// Fatal wraps a non-retryable failure with a classification reason.
func Fatal(reason, msg string, err error) error {
	return &Error{Kind: KindFatal, Reason: reason, Msg: msg, Err: err}
}

// CancelledErr marks user- or supervisor-initiated cancellation.
func CancelledErr(msg string) error {
	return &Error{Kind: KindCancelled, Msg: msg}
}

// KindOf extracts the Kind from an error chain; unknown errors are Fatal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// ReasonOf extracts the reason code from an error chain, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
