package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of events the dispatcher accepts.
type EventType int

const (
	EventUnknown EventType = iota
	EventSessionStart
	EventPinVerify
	EventQueueIssue
	EventClinicEnter
	EventNotifyInfo
)

var eventTypeNames = map[EventType]string{
	EventSessionStart: "session.start",
	EventPinVerify:    "pin.verify",
	EventQueueIssue:   "queue.issue",
	EventClinicEnter:  "clinic.enter",
	EventNotifyInfo:   "notify.info",
}

// EventTypes lists the supported events in lifecycle order.
func EventTypes() []EventType {
	return []EventType{EventSessionStart, EventPinVerify, EventQueueIssue, EventClinicEnter, EventNotifyInfo}
}

func ParseEventType(raw string) (EventType, bool) {
	for t, name := range eventTypeNames {
		if name == raw {
			return t, true
		}
	}
	return EventUnknown, false
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, ok := ParseEventType(raw)
	if !ok {
		return fmt.Errorf("unknown event type %q", raw)
	}
	*t = parsed
	return nil
}

// Envelope is an incoming request as the route handlers receive it.
type Envelope struct {
	Type          string          `json:"type"`
	ClinicID      string          `json:"clinic_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// EventPayload carries the fields of every event type; each event validates
// only the ones it needs.
type EventPayload struct {
	VisitorID     string `json:"visitor_id,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	ClinicID      string `json:"clinic_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Pin           string `json:"pin,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Result is the normalized response of the dispatcher.
type Result struct {
	OK                bool         `json:"ok"`
	Event             string       `json:"event"`
	SessionID         string       `json:"session_id,omitempty"`
	State             SessionState `json:"state,omitempty"`
	Pin               string       `json:"pin,omitempty"`
	Ticket            *Ticket      `json:"ticket,omitempty"`
	RemainingAttempts *int         `json:"remaining_attempts,omitempty"`
	Notified          bool         `json:"notified,omitempty"`
	CorrelationID     string       `json:"correlation_id,omitempty"`
	Replayed          bool         `json:"replayed,omitempty"`
	Error             *ResultError `json:"error,omitempty"`
}

type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Notification is published on the notification channel.
type Notification struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	ClinicID  string    `json:"clinic_id"`
	SessionID string    `json:"session_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// NotificationInfo is the only notification type published to the channel.
const NotificationInfo = "info"
