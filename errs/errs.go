// Package errs defines the error taxonomy shared by every bitharbor package.
//
// Errors fall into four kinds. Callers branch on the kind with errors.Is:
//
//   - ErrTransient: retriable (embedding timeouts, storage hiccups)
//   - ErrData: the input is bad and retrying will not help
//   - ErrConsistency: an internal invariant does not hold; needs operator attention
//   - ErrNotFound: a lookup missed; not an error condition for logging
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrTransient   = errors.New("transient failure")
	ErrData        = errors.New("invalid data")
	ErrConsistency = errors.New("consistency violation")
	ErrNotFound    = errors.New("not found")
)

// ErrChecksum reports stored bytes whose checksum or digest no longer
// matches. Shared by the id-map, snapshot files and CAS objects.
var ErrChecksum = New(ErrConsistency, "checksum mismatch")

// New returns a sentinel error classified under kind.
//
//	var ErrDegenerateVector = errs.New(errs.ErrData, "degenerate vector")
//
// errors.Is matches both the sentinel itself and its kind.
func New(kind error, msg string) error {
	return &sentinel{kind: kind, msg: msg}
}

type sentinel struct {
	kind error
	msg  string
}

func (s *sentinel) Error() string { return s.msg }
func (s *sentinel) Unwrap() error { return s.kind }

// Error classifies an underlying cause under a kind and records the
// operation that failed.
type Error struct {
	Kind  error
	Op    string
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	if e.Op == "" {
		return e.cause.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.cause)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.cause}
}

func wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		if op == "" {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: kind, Op: op, cause: err}
}

// Transient classifies err as retriable. A nil err stays nil.
func Transient(op string, err error) error { return wrap(ErrTransient, op, err) }

// Data classifies err as a data error. A nil err stays nil.
func Data(op string, err error) error { return wrap(ErrData, op, err) }

// Consistency classifies err as a consistency violation. A nil err stays nil.
func Consistency(op string, err error) error { return wrap(ErrConsistency, op, err) }

// NotFound classifies err as a miss. A nil err stays nil.
func NotFound(op string, err error) error { return wrap(ErrNotFound, op, err) }

func IsTransient(err error) bool   { return errors.Is(err, ErrTransient) }
func IsData(err error) bool        { return errors.Is(err, ErrData) }
func IsConsistency(err error) bool { return errors.Is(err, ErrConsistency) }
func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }

// DimensionMismatchError reports a vector whose length differs from the
// store's dimension. It is a data error.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrData }
