// Package errors defines sentinel errors used across fsamem and the
// stable codes they are reported under.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for delta application.
var (
	// ErrInvalidOperation indicates a malformed delta operation.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrTypeConflict indicates INC or PUSH against an incompatible existing value.
	ErrTypeConflict = errors.New("type conflict")
)

// Sentinel errors for state lookups and writes.
var (
	// ErrNotFound indicates an unknown state key or version.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates the append lost the race for the next version.
	// Callers should re-read the latest version and retry.
	ErrVersionConflict = errors.New("version conflict")
)

// Sentinel errors for merge requests.
var (
	// ErrInsufficientInputs indicates fewer than two snapshots were given to merge.
	ErrInsufficientInputs = errors.New("merge requires at least two inputs")

	// ErrUnknownStrategy indicates an unrecognized merge strategy name.
	ErrUnknownStrategy = errors.New("unknown merge strategy")
)

// Sentinel errors for connection/lifecycle.
var (
	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates an operation timed out or was cancelled.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidArgs indicates wrong or malformed arguments.
	ErrInvalidArgs = errors.New("invalid arguments")
)

// Stable error codes reported to API callers.
const (
	CodeInvalidOperation   = "INVALID_OPERATION"
	CodeTypeConflict       = "TYPE_CONFLICT"
	CodeNotFound           = "NOT_FOUND"
	CodeInsufficientInputs = "INSUFFICIENT_INPUTS"
	CodeUnknownStrategy    = "UNKNOWN_STRATEGY"
	CodeVersionConflict    = "VERSION_CONFLICT"
	CodeTimeout            = "TIMEOUT"
	CodeClosed             = "CLOSED"
	CodeInvalidArgs        = "INVALID_ARGS"
	CodeInternal           = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidOperation, CodeInvalidOperation},
	{ErrTypeConflict, CodeTypeConflict},
	{ErrNotFound, CodeNotFound},
	{ErrInsufficientInputs, CodeInsufficientInputs},
	{ErrUnknownStrategy, CodeUnknownStrategy},
	{ErrVersionConflict, CodeVersionConflict},
	{ErrTimeout, CodeTimeout},
	{ErrClosed, CodeClosed},
	{ErrInvalidArgs, CodeInvalidArgs},
}

// Code returns the stable code for err. Unclassified errors map to CodeInternal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTimeout
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromContext converts a context error into ErrTimeout, keeping the cause.
// Other errors are returned unchanged.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }
