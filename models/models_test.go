package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventType(t *testing.T) {
	tests := []struct {
		raw      string
		expected EventType
		ok       bool
	}{
		{"session.start", EventSessionStart, true},
		{"pin.verify", EventPinVerify, true},
		{"queue.issue", EventQueueIssue, true},
		{"clinic.enter", EventClinicEnter, true},
		{"notify.info", EventNotifyInfo, true},
		{"session.complete", EventUnknown, false},
		{"", EventUnknown, false},
		{"SESSION.START", EventUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseEventType(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEventTypes_RoundTripNames(t *testing.T) {
	for _, et := range EventTypes() {
		parsed, ok := ParseEventType(et.String())
		require.True(t, ok, et.String())
		assert.Equal(t, et, parsed)
	}
	assert.Len(t, EventTypes(), 5)
}

func TestEventType_JSON(t *testing.T) {
	data, err := json.Marshal(EventQueueIssue)
	require.NoError(t, err)
	assert.Equal(t, `"queue.issue"`, string(data))

	var et EventType
	require.NoError(t, json.Unmarshal([]byte(`"clinic.enter"`), &et))
	assert.Equal(t, EventClinicEnter, et)

	assert.Error(t, json.Unmarshal([]byte(`"clinic.exit"`), &et))
}

func TestSessionState_Terminal(t *testing.T) {
	terminal := []SessionState{SessionCompleted, SessionLocked, SessionExpired}
	active := []SessionState{SessionCreated, SessionPinPending, SessionVerified, SessionQueued, SessionInService}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestSessionState_AtLeast(t *testing.T) {
	assert.True(t, SessionQueued.AtLeast(SessionQueued))
	assert.True(t, SessionInService.AtLeast(SessionQueued))
	assert.True(t, SessionCompleted.AtLeast(SessionQueued))
	assert.False(t, SessionVerified.AtLeast(SessionQueued))
	assert.False(t, SessionLocked.AtLeast(SessionQueued))
	assert.False(t, SessionExpired.AtLeast(SessionCreated))
}

func TestSession_IsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := Session{ExpiresAt: now}

	assert.False(t, s.IsExpired(now))
	assert.True(t, s.IsExpired(now.Add(time.Nanosecond)))
}

func TestSession_NilTicketOmitted(t *testing.T) {
	s := Session{ID: "s-1", State: SessionVerified}

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ticket_id")

	var back Session
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Nil(t, back.TicketID)
	assert.Nil(t, back.VerifiedAt)
}

func TestResult_OmitsPinWhenEmpty(t *testing.T) {
	remaining := 2
	res := Result{OK: false, Event: "pin.verify", State: SessionPinPending, RemainingAttempts: &remaining,
		Error: &ResultError{Code: "PIN_MISMATCH", Message: "pin mismatch"}}

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"pin"`)
	assert.Contains(t, string(data), `"remaining_attempts":2`)
}
