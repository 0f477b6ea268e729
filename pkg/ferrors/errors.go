// Package ferrors defines the Fabric's error kinds (spec.md §7): a small
// set of error types every core package returns instead of bare fmt.Errorf,
// so a command handler can tell a ShardBusy retry from a GroupError abort
// without string-matching. Each kind wraps an optional cause and supports
// errors.Is/errors.As.
//
// Grounded on original_source's mysql.hub.errors module, whose
// NotEventError, NotCallableError, UnknownCallableError, and DatabaseError
// are asserted on directly in the original test suite (test_events.py).
package ferrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories of spec.md §7.
type Kind string

const (
	KindService       Kind = "ServiceError"
	KindConfiguration Kind = "ConfigurationError"
	KindNotEvent      Kind = "NotEvent"
	KindNotCallable   Kind = "NotCallable"
	KindUnknownCallable Kind = "UnknownCallable"
	KindTimeout       Kind = "TimeoutError"
	KindSharding      Kind = "ShardingError"
	KindGroup         Kind = "GroupError"
	KindServer        Kind = "ServerError"
	KindDatabase      Kind = "DatabaseError"
	KindShardBusy     Kind = "ShardBusy"
	KindConnect       Kind = "ConnectError"
	KindAuth          Kind = "AuthError"
)

// Error is the concrete type returned by every core package. Two Errors
// are errors.Is-equal when their Kind matches, regardless of message or
// cause — command handlers branch on Kind, not on message text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is implements errors.Is semantics keyed on Kind so that
// errors.Is(err, ferrors.New(ferrors.KindGroup, "")) matches any GroupError.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is (or wraps) an Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is an Error, and KindService
// (the catch-all) otherwise — used by the executor to classify an
// opaque action error in a failed step's diagnosis.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindService
}
