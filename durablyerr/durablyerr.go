// Package durablyerr defines the error taxonomy shared by storage,
// the step context, the executor and the worker, so every layer tags
// failures with the same vocabulary instead of inventing ad hoc sentinels.
package durablyerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code standardizes failure semantics across the engine.
type Code string

const (
	CodeInputValidation       Code = "input_validation"
	CodeOutputValidation      Code = "output_validation"
	CodeStepFailure           Code = "step_failure"
	CodeDuplicateStepName     Code = "duplicate_step_name"
	CodeInvalidTransition     Code = "invalid_transition"
	CodeStorageFault          Code = "storage_fault"
	CodeCancelled             Code = "cancelled"
	CodeSubscriberBackpressure Code = "subscriber_backpressure"
	CodeNotFound              Code = "not_found"
)

// Error is the canonical engine error wrapper.
type Error struct {
	Code    Code
	Op      string
	Message string
	// FailedStep carries the name of the step that failed, when known.
	FailedStep string
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with an explicit code and operation name.
func New(code Code, op, message string) error {
	return &Error{Code: code, Op: strings.TrimSpace(op), Message: strings.TrimSpace(message)}
}

// Wrap annotates an existing error with a code and operation name.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: strings.TrimSpace(op), Message: err.Error(), Cause: err}
}

// WithFailedStep attaches the failing step's name to an existing Error.
func WithFailedStep(err error, step string) error {
	var e *Error
	if errors.As(err, &e) {
		e.FailedStep = step
		return e
	}
	return err
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// CodeOf extracts the code carried by err, or "" if err isn't an *Error.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// FailedStepOf extracts the failing step name carried by err, if any.
func FailedStepOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.FailedStep
}

// Cancelled is the internal sentinel a step.Context returns once a run's
// cancellation flag has been observed; it is never shown to end users as
// a "failure"; the executor maps it to a cancel_run transition.
var Cancelled = New(CodeCancelled, "", "run cancelled")

// IsCancelled reports whether err is (or wraps) the Cancelled sentinel.
func IsCancelled(err error) bool {
	return Is(err, CodeCancelled)
}
