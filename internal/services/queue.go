package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"clinic-flow/models"
	"clinic-flow/utils"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const serviceDayLayout = "2006-01-02"

// QueueManager numbers tickets per clinic and service day. Issuance for a
// clinic is serialized so numbers are handed out strictly in order.
type QueueManager struct {
	locks   *KeyedMutex
	retrier *utils.Retrier
	loc     *time.Location
	now     func() time.Time
}

func NewQueueManager(retrier *utils.Retrier, loc *time.Location) *QueueManager {
	if loc == nil {
		loc = time.UTC
	}
	return &QueueManager{
		locks:   NewKeyedMutex(),
		retrier: retrier,
		loc:     loc,
		now:     time.Now,
	}
}

// ServiceDay returns the clinic-local calendar day t falls on.
func (q *QueueManager) ServiceDay(t time.Time) string {
	return t.In(q.loc).Format(serviceDayLayout)
}

// IssueTicket returns the session's ticket, creating it with the next number
// for the clinic's current service day when none exists yet. created reports
// whether a new ticket was written.
func (q *QueueManager) IssueTicket(ctx context.Context, backend Backend, clinicID, sessionID string) (ticket *models.Ticket, created bool, err error) {
	unlock := q.locks.Lock("clinic:" + clinicID)
	defer unlock()

	existing, err := utils.CallWithRetry(ctx, q.retrier, "get_ticket", func(ctx context.Context) (*models.Ticket, error) {
		return backend.GetTicketBySession(ctx, sessionID)
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := q.now()
	day := q.ServiceDay(now)
	last, err := utils.CallWithRetry(ctx, q.retrier, "last_ticket_number", func(ctx context.Context) (int64, error) {
		return backend.LastTicketNumber(ctx, clinicID, day)
	})
	if err != nil {
		return nil, false, err
	}

	ticket = &models.Ticket{
		ID:         ulid.Make().String(),
		ClinicID:   clinicID,
		ServiceDay: day,
		Number:     last + 1,
		SessionID:  sessionID,
		State:      models.TicketWaiting,
		IssuedAt:   now,
	}
	if err := q.retrier.Do(ctx, "create_ticket", func(ctx context.Context) error {
		return backend.CreateTicket(ctx, ticket)
	}); err != nil {
		slog.Error("Ticket issuance failed", "clinic_id", clinicID, "number", ticket.Number, "error", err)
		return nil, false, fmt.Errorf("issue ticket %d for clinic %s: %w", ticket.Number, clinicID, err)
	}

	slog.Info("Ticket issued", "clinic_id", clinicID, "service_day", day, "number", ticket.Number, "session_id", sessionID)
	return ticket, true, nil
}

var ticketTransitions = map[models.TicketState][]models.TicketState{
	models.TicketCalled:    {models.TicketWaiting},
	models.TicketCompleted: {models.TicketWaiting, models.TicketCalled},
	models.TicketAbandoned: {models.TicketWaiting, models.TicketCalled},
}

// MarkTicket moves the session's ticket to state when that is a forward
// move. It returns the stored ticket, or nil when the session has none.
func (q *QueueManager) MarkTicket(ctx context.Context, backend Backend, sessionID string, state models.TicketState) (*models.Ticket, error) {
	ticket, err := utils.CallWithRetry(ctx, q.retrier, "get_ticket", func(ctx context.Context) (*models.Ticket, error) {
		return backend.GetTicketBySession(ctx, sessionID)
	})
	if err != nil || ticket == nil {
		return nil, err
	}

	allowed := false
	for _, from := range ticketTransitions[state] {
		if ticket.State == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return ticket, nil
	}

	now := q.now()
	ticket.State = state
	switch state {
	case models.TicketCalled:
		ticket.CalledAt = &now
	case models.TicketCompleted:
		if ticket.CalledAt == nil {
			ticket.CalledAt = &now
		}
		ticket.CompletedAt = &now
	}

	if err := q.retrier.Do(ctx, "save_ticket", func(ctx context.Context) error {
		return backend.SaveTicket(ctx, ticket)
	}); err != nil {
		return nil, err
	}
	return ticket, nil
}

// Snapshot reports the clinic's queue for the current service day.
func (q *QueueManager) Snapshot(ctx context.Context, backend Backend, clinicID string) (*models.QueueSnapshot, error) {
	now := q.now()
	day := q.ServiceDay(now)

	tickets, err := utils.CallWithRetry(ctx, q.retrier, "list_tickets", func(ctx context.Context) ([]models.Ticket, error) {
		return backend.ListTickets(ctx, clinicID, day)
	})
	if err != nil {
		return nil, err
	}
	last, err := utils.CallWithRetry(ctx, q.retrier, "last_ticket_number", func(ctx context.Context) (int64, error) {
		return backend.LastTicketNumber(ctx, clinicID, day)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Number < tickets[j].Number })

	snapshot := &models.QueueSnapshot{
		ClinicID:       clinicID,
		ServiceDay:     day,
		LastNumber:     last,
		AvgWaitMinutes: decimal.Zero,
		GeneratedAt:    now,
	}

	totalWait := decimal.Zero
	waited := 0
	for i := range tickets {
		t := &tickets[i]
		switch t.State {
		case models.TicketWaiting:
			snapshot.Waiting++
			t.Position = snapshot.Waiting
		case models.TicketCalled:
			snapshot.Called++
		case models.TicketCompleted:
			snapshot.Completed++
		case models.TicketAbandoned:
			snapshot.Abandoned++
		}
		if t.CalledAt != nil {
			if t.Number > snapshot.NowServing {
				snapshot.NowServing = t.Number
			}
			totalWait = totalWait.Add(decimal.NewFromFloat(t.CalledAt.Sub(t.IssuedAt).Minutes()))
			waited++
		}
	}
	if waited > 0 {
		snapshot.AvgWaitMinutes = totalWait.Div(decimal.NewFromInt(int64(waited))).Round(2)
	}
	snapshot.Tickets = tickets
	return snapshot, nil
}
