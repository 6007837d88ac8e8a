package ir

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for the retry policy and for restart
// diagnostics. The string form is persisted on ExecutionRecords.
type ErrorKind string

const (
	// KindNone marks the absence of an error.
	KindNone ErrorKind = ""

	// TemporarilyUnavailable means the source data is not ready yet
	// (offline, embargoed). Long-horizon retry.
	TemporarilyUnavailable ErrorKind = "TEMPORARILY_UNAVAILABLE"

	// TransientInfra covers storage/transaction contention and network blips.
	// Bounded retry.
	TransientInfra ErrorKind = "TRANSIENT_INFRA"

	// ValidationError means a malformed activity or args. Never retried.
	ValidationError ErrorKind = "VALIDATION_ERROR"

	// ProcessingFailure means the stage body reported a hard failure.
	ProcessingFailure ErrorKind = "PROCESSING_FAILURE"

	// ConfigurationError covers missing provider bindings, unknown activity
	// types and missing stage bodies. Fails fast, never retried.
	ConfigurationError ErrorKind = "CONFIGURATION_ERROR"
)

// Retryable reports whether the retry policy may recover this kind locally.
func (k ErrorKind) Retryable() bool {
	return k == TemporarilyUnavailable || k == TransientInfra
}

// Error is the classified error type used across scenepipe.
type Error struct {
	// Kind identifies the error category.
	Kind ErrorKind

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// NewError builds a classified error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Offline reports that sceneID is not available from a provider yet.
func Offline(sceneID string, err error) *Error {
	return NewError(TemporarilyUnavailable, fmt.Sprintf("scene %s is offline", sceneID), err)
}

// Transient wraps an infrastructure error as retryable.
func Transient(message string, err error) *Error {
	return NewError(TransientInfra, message, err)
}

// Invalid builds a ValidationError.
func Invalid(format string, args ...any) *Error {
	return NewError(ValidationError, fmt.Sprintf(format, args...), nil)
}

// Misconfigured builds a ConfigurationError.
func Misconfigured(format string, args ...any) *Error {
	return NewError(ConfigurationError, fmt.Sprintf(format, args...), nil)
}

// Failed wraps a stage body failure.
func Failed(message string, err error) *Error {
	return NewError(ProcessingFailure, message, err)
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are treated as ProcessingFailure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ProcessingFailure
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
