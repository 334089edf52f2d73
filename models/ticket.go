package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketState string

const (
	TicketWaiting   TicketState = "waiting"
	TicketCalled    TicketState = "called"
	TicketCompleted TicketState = "completed"
	TicketAbandoned TicketState = "abandoned"
)

type Ticket struct {
	ID          string      `json:"id"`
	ClinicID    string      `json:"clinic_id"`
	ServiceDay  string      `json:"service_day"`
	Number      int64       `json:"number"`
	SessionID   string      `json:"session_id"`
	State       TicketState `json:"state"` // waiting, called, completed, abandoned
	IssuedAt    time.Time   `json:"issued_at"`
	CalledAt    *time.Time  `json:"called_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`

	// Position is filled in on queue snapshots for waiting tickets only.
	Position int `json:"position,omitempty"`
}

type QueueSnapshot struct {
	ClinicID       string          `json:"clinic_id"`
	ServiceDay     string          `json:"service_day"`
	Waiting        int             `json:"waiting"`
	Called         int             `json:"called"`
	Completed      int             `json:"completed"`
	Abandoned      int             `json:"abandoned"`
	LastNumber     int64           `json:"last_number"`
	NowServing     int64           `json:"now_serving"`
	AvgWaitMinutes decimal.Decimal `json:"avg_wait_minutes"`
	Tickets        []Ticket        `json:"tickets"`
	GeneratedAt    time.Time       `json:"generated_at"`
}
