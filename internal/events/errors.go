package events

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueClosed is returned by Enqueue after the queue stopped accepting
	// events, and by Dequeue once a closed queue is empty.
	ErrQueueClosed = errors.New("event queue closed")
	// ErrHandlerTimeout marks a handler that did not return within the
	// per-handler timeout.
	ErrHandlerTimeout = errors.New("handler timed out")
	// ErrHandlerFailure matches every HandlerError.
	ErrHandlerFailure = errors.New("handler failed")
	// ErrShuttingDown completes events that could not be dispatched before
	// shutdown.
	ErrShuttingDown = errors.New("dispatcher shutting down")
	// ErrRegistrationClosed is returned when registering after dispatch started.
	ErrRegistrationClosed = errors.New("handler registration closed")
)

// HandlerError records a single handler's failure on a dispatched event.
type HandlerError struct {
	Handler string
	Kind    Kind
	Server  string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s event for server %s: %v", e.Handler, e.Kind, e.Server, e.Err)
}

// Unwrap exposes both ErrHandlerFailure and the underlying cause.
func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandlerFailure, e.Err}
}
