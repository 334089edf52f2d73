package services

import (
	"fmt"
	"time"

	"clinic-flow/internal/status"
	"clinic-flow/models"
	"clinic-flow/utils"

	"github.com/google/uuid"
)

type sessionAction string

const (
	actionIssuePin     sessionAction = "issue_pin"
	actionVerifyPin    sessionAction = "pin.verify"
	actionAttachTicket sessionAction = "queue.issue"
	actionEnter        sessionAction = "clinic.enter"
	actionComplete     sessionAction = "session.complete"
	actionResetLock    sessionAction = "session.reset"
)

// transitionMap lists the states each action may start from.
var transitionMap = map[sessionAction][]models.SessionState{
	actionIssuePin:     {models.SessionCreated},
	actionVerifyPin:    {models.SessionPinPending},
	actionAttachTicket: {models.SessionVerified},
	actionEnter:        {models.SessionQueued, models.SessionInService},
	actionComplete:     {models.SessionInService},
	actionResetLock:    {models.SessionLocked},
}

func validTransition(action sessionAction, from models.SessionState) bool {
	for _, s := range transitionMap[action] {
		if s == from {
			return true
		}
	}
	return false
}

type SessionConfig struct {
	TTL            time.Duration
	PinLength      int
	MaxPinAttempts int
}

// PinOutcome describes what a verification attempt did to the session.
type PinOutcome struct {
	Matched   bool
	Remaining int
	Mutated   bool
}

// SessionMachine applies lifecycle transitions to sessions in memory. The
// caller loads and persists them and holds the session lock throughout.
type SessionMachine struct {
	cfg  SessionConfig
	pins *PinVerifier
	now  func() time.Time
}

func NewSessionMachine(cfg SessionConfig, pins *PinVerifier) *SessionMachine {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.PinLength <= 0 {
		cfg.PinLength = 4
	}
	if cfg.MaxPinAttempts <= 0 {
		cfg.MaxPinAttempts = 3
	}
	return &SessionMachine{cfg: cfg, pins: pins, now: time.Now}
}

func (m *SessionMachine) MaxPinAttempts() int {
	return m.cfg.MaxPinAttempts
}

// Start builds a new session for the visitor and issues its PIN. The clear
// PIN is returned once and only its hash is kept on the session.
func (m *SessionMachine) Start(visitorID, clinicID string) (*models.Session, string, error) {
	now := m.now()
	session := &models.Session{
		ID:        uuid.NewString(),
		VisitorID: visitorID,
		ClinicID:  clinicID,
		State:     models.SessionCreated,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}

	pin, err := m.issuePin(session)
	if err != nil {
		return nil, "", err
	}
	return session, pin, nil
}

func (m *SessionMachine) issuePin(session *models.Session) (string, error) {
	if !validTransition(actionIssuePin, session.State) {
		return "", &status.TransitionError{Event: string(actionIssuePin), State: string(session.State)}
	}

	pin, err := utils.GeneratePIN(m.cfg.PinLength)
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	hash, err := m.pins.Hash(pin)
	if err != nil {
		return "", err
	}

	session.PinHash = hash
	session.PinAttempts = 0
	session.State = models.SessionPinPending
	session.UpdatedAt = m.now()
	return pin, nil
}

// VerifyPin checks a submitted PIN. A match verifies the session and burns
// the PIN; a miss counts an attempt and locks the session at the limit.
func (m *SessionMachine) VerifyPin(session *models.Session, submitted string) (PinOutcome, error) {
	if !validTransition(actionVerifyPin, session.State) {
		return PinOutcome{}, &status.TransitionError{Event: string(actionVerifyPin), State: string(session.State)}
	}

	now := m.now()
	if session.PinAttempts >= m.cfg.MaxPinAttempts {
		session.State = models.SessionLocked
		session.PinAttempts = m.cfg.MaxPinAttempts
		session.UpdatedAt = now
		return PinOutcome{Mutated: true}, status.ErrSessionLocked
	}

	if m.pins.Verify(session, submitted) {
		session.State = models.SessionVerified
		session.PinHash = ""
		session.VerifiedAt = &now
		session.UpdatedAt = now
		return PinOutcome{Matched: true, Remaining: m.cfg.MaxPinAttempts - session.PinAttempts, Mutated: true}, nil
	}

	session.PinAttempts++
	session.UpdatedAt = now
	remaining := m.cfg.MaxPinAttempts - session.PinAttempts
	if remaining <= 0 {
		session.State = models.SessionLocked
		return PinOutcome{Mutated: true}, status.ErrSessionLocked
	}
	return PinOutcome{Remaining: remaining, Mutated: true}, &status.PinMismatchError{Remaining: remaining}
}

// CanAttachTicket reports whether a ticket may be issued for the session.
func (m *SessionMachine) CanAttachTicket(session *models.Session) error {
	if !validTransition(actionAttachTicket, session.State) {
		return &status.TransitionError{Event: string(actionAttachTicket), State: string(session.State)}
	}
	return nil
}

func (m *SessionMachine) AttachTicket(session *models.Session, ticket *models.Ticket) error {
	if err := m.CanAttachTicket(session); err != nil {
		return err
	}
	id := ticket.ID
	session.TicketID = &id
	session.TicketNumber = ticket.Number
	session.State = models.SessionQueued
	session.UpdatedAt = m.now()
	return nil
}

// Enter moves a queued session into service. Entering twice is a no-op and
// reports changed=false.
func (m *SessionMachine) Enter(session *models.Session) (bool, error) {
	if !validTransition(actionEnter, session.State) {
		return false, &status.TransitionError{Event: string(actionEnter), State: string(session.State)}
	}
	if session.State == models.SessionInService {
		return false, nil
	}

	now := m.now()
	session.State = models.SessionInService
	session.EnteredAt = &now
	session.UpdatedAt = now
	return true, nil
}

func (m *SessionMachine) Complete(session *models.Session) error {
	if !validTransition(actionComplete, session.State) {
		return &status.TransitionError{Event: string(actionComplete), State: string(session.State)}
	}

	now := m.now()
	session.State = models.SessionCompleted
	session.CompletedAt = &now
	session.UpdatedAt = now
	return nil
}

// ResetLock reopens a locked session with a fresh PIN, a clean attempt count
// and a new expiry window.
func (m *SessionMachine) ResetLock(session *models.Session) (string, error) {
	if !validTransition(actionResetLock, session.State) {
		return "", &status.TransitionError{Event: string(actionResetLock), State: string(session.State)}
	}

	session.State = models.SessionCreated
	pin, err := m.issuePin(session)
	if err != nil {
		session.State = models.SessionLocked
		return "", err
	}
	session.ExpiresAt = m.now().Add(m.cfg.TTL)
	return pin, nil
}

// Expire marks a non-terminal session past its deadline as expired and
// reports whether it did so.
func (m *SessionMachine) Expire(session *models.Session) bool {
	if session.State.IsTerminal() || !session.IsExpired(m.now()) {
		return false
	}
	session.State = models.SessionExpired
	session.PinHash = ""
	session.UpdatedAt = m.now()
	return true
}
