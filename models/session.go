package models

import (
	"time"
)

type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionPinPending SessionState = "pin_pending"
	SessionVerified   SessionState = "verified"
	SessionQueued     SessionState = "queued"
	SessionInService  SessionState = "in_service"
	SessionCompleted  SessionState = "completed"
	SessionLocked     SessionState = "locked"
	SessionExpired    SessionState = "expired"
)

// stateRank orders the main lifecycle; terminal branches have no rank.
var stateRank = map[SessionState]int{
	SessionCreated:    0,
	SessionPinPending: 1,
	SessionVerified:   2,
	SessionQueued:     3,
	SessionInService:  4,
	SessionCompleted:  5,
}

func (s SessionState) IsTerminal() bool {
	return s == SessionCompleted || s == SessionLocked || s == SessionExpired
}

// AtLeast reports whether s has reached other on the main lifecycle.
func (s SessionState) AtLeast(other SessionState) bool {
	a, ok := stateRank[s]
	if !ok {
		return false
	}
	b, ok := stateRank[other]
	return ok && a >= b
}

type Visitor struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	ArrivedAt   time.Time `json:"arrived_at"`
}

type Session struct {
	ID           string       `json:"id"`
	VisitorID    string       `json:"visitor_id"`
	ClinicID     string       `json:"clinic_id"`
	State        SessionState `json:"state"`
	PinHash      string       `json:"pin_hash,omitempty"`
	PinAttempts  int          `json:"pin_attempts"`
	TicketID     *string      `json:"ticket_id,omitempty"`
	TicketNumber int64        `json:"ticket_number,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	VerifiedAt   *time.Time   `json:"verified_at,omitempty"`
	EnteredAt    *time.Time   `json:"entered_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

func (s *Session) IsActive() bool {
	return !s.State.IsTerminal()
}

func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
