package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHandler means no handler is registered for a single-handler message
	ErrNoHandler = errors.New("routing: no handler registered")
	// ErrAmbiguousHandler means more than one handler is registered for a single-handler message
	ErrAmbiguousHandler = errors.New("routing: multiple handlers registered")
	// ErrNotInvokable means an event was passed to Invoke
	ErrNotInvokable = errors.New("routing: events are published, not invoked")
	// ErrKindMismatch means an operation was given a message of the wrong kind
	ErrKindMismatch = errors.New("routing: message kind not accepted by this operation")

	// ErrInvalidMessage marks a message whose content can never be processed. Consumers
	// reject it instead of requeueing.
	ErrInvalidMessage = errors.New("message failed validation")

	// ErrDuplicateSuppressed signals that inbox deduplication short-circuited processing.
	// It is never returned to callers as a failure.
	ErrDuplicateSuppressed = errors.New("inbox: duplicate suppressed")
)

// RoutingError reports that a message could not be routed to its handler(s)
type RoutingError struct {
	MessageType string
	Kind        Kind
	Handlers    int
	Err         error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing %s %s (handlers=%d): %v", e.Kind, e.MessageType, e.Handlers, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a failed atomic commit or an unavailable store.
// Callers must assume the operation had no effect.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// TransportError reports a failed send or acknowledgment
type TransportError struct {
	Destination string
	EnvelopeID  string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: sending %s to %q failed: %v", e.EnvelopeID, e.Destination, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a business failure surfaced by a handler
type HandlerError struct {
	MessageType string
	Handler     string
	Err         error
}

func (e *HandlerError) Error() string {
	if e.Handler != "" {
		return fmt.Sprintf("handler %s for %s failed: %v", e.Handler, e.MessageType, e.Err)
	}
	return fmt.Sprintf("handler for %s failed: %v", e.MessageType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsRoutingError reports whether err is or wraps a RoutingError
func IsRoutingError(err error) bool {
	var re *RoutingError
	return errors.As(err, &re)
}

// IsInvalidMessage reports whether err wraps ErrInvalidMessage
func IsInvalidMessage(err error) bool {
	return errors.Is(err, ErrInvalidMessage)
}

// IsPersistenceError reports whether err is or wraps a PersistenceError
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// AsHandlerError wraps err in a HandlerError unless it already is one of the
// core error kinds, which propagate unmodified.
func AsHandlerError(messageType, handler string, err error) error {
	if err == nil {
		return nil
	}
	var (
		he *HandlerError
		re *RoutingError
		pe *PersistenceError
	)
	if errors.As(err, &he) || errors.As(err, &re) || errors.As(err, &pe) {
		return err
	}
	return &HandlerError{MessageType: messageType, Handler: handler, Err: err}
}
