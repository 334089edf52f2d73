package status

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownEventType   = errors.New("event: unknown event type")
	ErrInvalidTransition  = errors.New("session: invalid transition")
	ErrPinMismatch        = errors.New("pin: pin mismatch")
	ErrSessionLocked      = errors.New("session: session locked")
	ErrSessionNotFound    = errors.New("session: session not found")
	ErrInvalidPayload     = errors.New("event: invalid payload")
	ErrBackendUnavailable = errors.New("backend: backend unavailable")
	ErrRateLimited        = errors.New("request: rate limited")
)

const (
	CodeUnknownEventType   = "UNKNOWN_EVENT_TYPE"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodePinMismatch        = "PIN_MISMATCH"
	CodeSessionLocked      = "SESSION_LOCKED"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL"
)

// TransitionError names the rejected event and the state it hit.
type TransitionError struct {
	Event string
	State string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: invalid transition: %s not allowed in state %s", e.Event, e.State)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type PinMismatchError struct {
	Remaining int
}

func (e *PinMismatchError) Error() string {
	return fmt.Sprintf("pin: pin mismatch, %d attempts remaining", e.Remaining)
}

func (e *PinMismatchError) Is(target error) bool {
	return target == ErrPinMismatch
}

// BackendError is returned once every retry attempt has failed.
type BackendError struct {
	Attempts int
	Cause    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend: backend unavailable after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Code maps an error onto the stable code returned to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBackendUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, ErrUnknownEventType):
		return CodeUnknownEventType
	case errors.Is(err, ErrSessionLocked):
		return CodeSessionLocked
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrPinMismatch):
		return CodePinMismatch
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// IsDomain reports whether err is an expected client-side condition that is
// folded into a result instead of being returned.
func IsDomain(err error) bool {
	switch Code(err) {
	case CodeUnknownEventType, CodeInvalidTransition, CodePinMismatch,
		CodeSessionLocked, CodeSessionNotFound, CodeInvalidPayload, CodeRateLimited:
		return true
	}
	return false
}
