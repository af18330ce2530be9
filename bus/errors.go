package bus

import (
	"errors"
	"fmt"
)

// ErrorClass partitions bus failures for retry policy: validation
// failures are never retried, connectivity failures are retried per the
// queue's backoff, protocol failures abort the current round and wait
// for the next cycle.
type ErrorClass uint8

const (
	ClassValidation ErrorClass = iota
	ClassConnectivity
	ClassProtocol
)

// String returns the taxonomy name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassConnectivity:
		return "connectivity"
	case ClassProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

var (
	// ErrEmptyMessage indicates a send with no content.
	ErrEmptyMessage = errors.New("message content cannot be empty")
	// ErrMessageTooLarge indicates content above the configured bound.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	// ErrEmptySession indicates a send without a session id.
	ErrEmptySession = errors.New("session id cannot be empty")
	// ErrDisconnected indicates an operation on a disconnected bus.
	ErrDisconnected = errors.New("bus is disconnected")
	// ErrDeliveryFailed indicates retries were exhausted; the message
	// remains recorded in the queue's failed set for diagnostics.
	ErrDeliveryFailed = errors.New("delivery failed after exhausting retries")
)

// Error is a classified bus failure.
type Error struct {
	Class ErrorClass
	Op    string
	Err   error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Class, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

func validationErr(op string, err error) *Error {
	return &Error{Class: ClassValidation, Op: op, Err: err}
}

func connectivityErr(op string, err error) *Error {
	return &Error{Class: ClassConnectivity, Op: op, Err: err}
}

// Classify returns the class of err, defaulting to connectivity for
// unclassified failures since those come from the transport.
func Classify(err error) ErrorClass {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	return ClassConnectivity
}
