// Package errors provides the classified error handling used across commbridge.
// It defines the sentinel errors for every failure the messaging core can report,
// plus helpers that wrap an error with the component and operation it came from.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// Wire codec
	ErrEncodeOutOfSpace = errors.New("encode out of space")
	ErrDecodeTruncated  = errors.New("decode truncated")
	ErrWrongDataType    = errors.New("wrong data type for accessor")
	ErrInvalidPacket    = errors.New("invalid packet")

	// Session policy and transport
	ErrSkewedMessage      = errors.New("message timestamp skewed")
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrNotConnected       = errors.New("not connected")
	ErrOutboxFull         = errors.New("outbox full")
	ErrProtocolMismatch   = errors.New("protocol version mismatch")
	ErrPoisoned           = errors.New("connection poisoned by peer")
	ErrBadPattern         = errors.New("malformed wildcard pattern")

	// Bridge configuration and routing
	ErrUnresolvedAlias  = errors.New("unresolved alias")
	ErrRuleParse        = errors.New("rule parse error")
	ErrLoopbackRejected = errors.New("loopback rule rejected")
	ErrNoDatagramTarget = errors.New("no datagram target")

	// Lifecycle
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrClosed         = errors.New("closed")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is, As and New re-export the standard library helpers so callers only need one errors import.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func classify(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return classify(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return classify(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return classify(ErrorFatal, err, component, method, action)
}

// IsTransient checks if an error is transient and may be retried on a later cycle
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	return errors.Is(err, ErrSessionUnavailable) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrOutboxFull) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrEncodeOutOfSpace) ||
		errors.Is(err, ErrDecodeTruncated) ||
		errors.Is(err, ErrInvalidPacket) ||
		errors.Is(err, ErrRuleParse) ||
		errors.Is(err, ErrLoopbackRejected) ||
		errors.Is(err, ErrWrongDataType) ||
		errors.Is(err, ErrInvalidConfig)
}

// IsFatal checks if an error is fatal and should stop processing.
// Only a failed protocol handshake is fatal for a session.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrProtocolMismatch)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	switch {
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}
