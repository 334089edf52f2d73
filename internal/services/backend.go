package services

import (
	"context"
	"fmt"
	"time"

	"clinic-flow/models"
)

// Backend is the persistence handle the engine is given on every call. Reads
// of missing entities return (nil, nil); any returned error is treated as a
// backend failure and retried.
type Backend interface {
	// SaveVisitor records a visitor once; later writes for the same id are ignored.
	SaveVisitor(ctx context.Context, visitor models.Visitor) error

	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	FindActiveSession(ctx context.Context, visitorID, clinicID string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error

	GetTicketBySession(ctx context.Context, sessionID string) (*models.Ticket, error)
	LastTicketNumber(ctx context.Context, clinicID, serviceDay string) (int64, error)
	// CreateTicket stores a new ticket and advances the clinic/day counter to
	// its number in one write.
	CreateTicket(ctx context.Context, ticket *models.Ticket) error
	SaveTicket(ctx context.Context, ticket *models.Ticket) error
	ListTickets(ctx context.Context, clinicID, serviceDay string) ([]models.Ticket, error)

	GetReplay(ctx context.Context, correlationID string) (*models.Result, error)
	SaveReplay(ctx context.Context, correlationID string, result *models.Result, ttl time.Duration) error
}

// activeKey identifies a (visitor, clinic) pair. The visitor id is length
// prefixed so ids containing ':' cannot collide across pairs.
func activeKey(visitorID, clinicID string) string {
	return fmt.Sprintf("%d:%s:%s", len(visitorID), visitorID, clinicID)
}
