// Package errs classifies failures of remote and local operations into the
// four kinds the sync engine reacts to differently.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the machine-readable failure class.
type Kind string

const (
	// Transient failures (network, timeout, 5xx) are retried by the outbox
	// synchronizer or on the next reconnect signal.
	Transient Kind = "TRANSIENT"

	// Conflict means the write was an idempotent duplicate. Callers treat it
	// as success and never surface it.
	Conflict Kind = "CONFLICT"

	// Authorization means the user is not (or no longer) allowed to see or
	// write the scope. Events of this kind are dropped silently.
	Authorization Kind = "AUTHORIZATION"

	// Permanent failures (malformed payload, rejected row) mark the message
	// failed and are never retried automatically.
	Permanent Kind = "PERMANENT"
)

// Error carries a Kind alongside the operation that failed and its cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap creates an Error wrapping cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf reports the classification of err. Deadline and cancellation
// errors are transient, and so is anything unclassified (disk, I/O).
// A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == Transient
}

// IsConflict reports whether err is an idempotent duplicate.
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == Conflict
}

// IsAuthorization reports whether err is a membership/permission failure.
func IsAuthorization(err error) bool {
	return err != nil && KindOf(err) == Authorization
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
