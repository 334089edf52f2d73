package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, ""},
		{"unknown event", fmt.Errorf("dispatch: %w", ErrUnknownEventType), CodeUnknownEventType},
		{"transition", &TransitionError{Event: "queue.issue", State: "locked"}, CodeInvalidTransition},
		{"mismatch", &PinMismatchError{Remaining: 1}, CodePinMismatch},
		{"locked", ErrSessionLocked, CodeSessionLocked},
		{"not found", ErrSessionNotFound, CodeSessionNotFound},
		{"payload", fmt.Errorf("%w: clinic_id required", ErrInvalidPayload), CodeInvalidPayload},
		{"backend", &BackendError{Attempts: 3, Cause: errors.New("dial tcp: refused")}, CodeBackendUnavailable},
		{"rate limited", fmt.Errorf("pin throttle: %w", ErrRateLimited), CodeRateLimited},
		{"other", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Code(tt.err))
		})
	}
}

func TestTransitionError_NamesEventAndState(t *testing.T) {
	err := &TransitionError{Event: "pin.verify", State: "locked"}

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "pin.verify")
	assert.Contains(t, err.Error(), "locked")
}

func TestBackendError_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("save session: %w", &BackendError{Attempts: 3, Cause: cause})

	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, cause)

	var be *BackendError
	assert.True(t, errors.As(err, &be))
	assert.Equal(t, 3, be.Attempts)
}

func TestIsDomain(t *testing.T) {
	assert.True(t, IsDomain(ErrSessionLocked))
	assert.True(t, IsDomain(&PinMismatchError{Remaining: 2}))
	assert.False(t, IsDomain(&BackendError{Attempts: 1, Cause: errors.New("x")}))
	assert.False(t, IsDomain(errors.New("boom")))
	assert.False(t, IsDomain(nil))
}
