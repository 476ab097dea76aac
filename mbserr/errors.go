// Package mbserr defines the error taxonomy shared across the orchestrator.
// Validation, ambiguity and conflict errors are surfaced to the submission
// caller; everything else is recorded on the build itself.
package mbserr

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed or disallowed manifest.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// StreamAmbiguousError reports that stream expansion produced more than one
// candidate without the caller authorizing ambiguity.
type StreamAmbiguousError struct {
	Msg string
}

func (e *StreamAmbiguousError) Error() string { return e.Msg }

// StreamAmbiguousf builds a StreamAmbiguousError with a formatted message.
func StreamAmbiguousf(format string, args ...any) error {
	return &StreamAmbiguousError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports an NSVC collision with an existing non-failed build.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// Conflictf builds a ConflictError with a formatted message.
func Conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// TransientError reports a resolver or builder failure that may succeed on
// retry. Handlers retry these with bounded attempts.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for the given operation.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStreamAmbiguous reports whether err is a StreamAmbiguousError.
func IsStreamAmbiguous(err error) bool {
	var se *StreamAmbiguousError
	return errors.As(err, &se)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
