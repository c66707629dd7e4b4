package party

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol failures.
type ErrorKind string

const (
	KindAuthentication     ErrorKind = "authentication"
	KindNotFound           ErrorKind = "not_found"
	KindCapacity           ErrorKind = "capacity"
	KindPermission         ErrorKind = "permission"
	KindEmptyQueue         ErrorKind = "empty_queue"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindInvalidRequest     ErrorKind = "invalid_request"
)

var (
	ErrAuthentication     = errors.New("party: authentication failed")
	ErrNotFound           = errors.New("party: session not found")
	ErrCapacity           = errors.New("party: session is full")
	ErrPermission         = errors.New("party: permission denied")
	ErrEmptyQueue         = errors.New("party: queue is empty")
	ErrBackendUnavailable = errors.New("party: backend unavailable")
	ErrInvalidRequest     = errors.New("party: invalid request")
)

var kindSentinels = map[ErrorKind]error{
	KindAuthentication:     ErrAuthentication,
	KindNotFound:           ErrNotFound,
	KindCapacity:           ErrCapacity,
	KindPermission:         ErrPermission,
	KindEmptyQueue:         ErrEmptyQueue,
	KindBackendUnavailable: ErrBackendUnavailable,
	KindInvalidRequest:     ErrInvalidRequest,
}

// EventError is reported only to the connection that triggered it. Message is user-facing.
type EventError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func newEventError(kind ErrorKind, message string, cause error) *EventError {
	return &EventError{Kind: kind, Message: message, cause: cause}
}

func (e *EventError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
}

func (e *EventError) Unwrap() error {
	return e.cause
}

// Is matches the sentinel of the error's kind.
func (e *EventError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func asEventError(err error, fallback string) *EventError {
	var eventErr *EventError
	if errors.As(err, &eventErr) {
		return eventErr
	}
	return newEventError(KindBackendUnavailable, fallback, err)
}
