package delivery

import (
	"errors"
	"fmt"
)

// Kind classifies a delivery failure by how the pipeline reacts to it
type Kind string

const (
	// KindValidation is a structural or requirement failure found before any external call
	KindValidation Kind = "validation"
	// KindTransient covers network faults, timeouts and 5xx responses
	KindTransient Kind = "transient"
	// KindPermanent is a 4xx or an explicit rejection; it still consumes a queue attempt
	KindPermanent Kind = "permanent"
	// KindConfiguration is an unsupported channel or a missing endpoint/address
	KindConfiguration Kind = "configuration"
)

// Error is the failure type returned by adapters and the registry
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the retry queue should schedule another attempt
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindPermanent
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Transient builds a retryable network-level failure
func Transient(cause error, format string, args ...any) *Error {
	return newError(KindTransient, cause, format, args...)
}

// Permanent builds a failure the adapter will not retry itself
func Permanent(cause error, format string, args ...any) *Error {
	return newError(KindPermanent, cause, format, args...)
}

// Configuration builds a failure caused by recipient or channel setup
func Configuration(format string, args ...any) *Error {
	return newError(KindConfiguration, nil, format, args...)
}

// Validation builds a failure raised before any delivery attempt
func Validation(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

// KindOf extracts the failure kind; errors from outside the adapter set count as transient
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// IsRetryable reports whether err should be retried by the queue
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return true
}
