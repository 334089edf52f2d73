package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinic-flow/models"

	"github.com/redis/go-redis/v9"
)

// RedisBackend persists visitors, sessions, tickets and replay results in
// Redis. Multi-key writes go through MULTI/EXEC.
type RedisBackend struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisBackend(client *redis.Client, retention time.Duration) *RedisBackend {
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	return &RedisBackend{client: client, retention: retention}
}

func visitorKey(id string) string {
	return fmt.Sprintf("visitor:%s", id)
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

func activeSessionKey(visitorID, clinicID string) string {
	return "session:active:" + activeKey(visitorID, clinicID)
}

func ticketKey(sessionID string) string {
	return fmt.Sprintf("ticket:session:%s", sessionID)
}

func sequenceKey(clinicID, serviceDay string) string {
	return fmt.Sprintf("queue:seq:%s:%s", clinicID, serviceDay)
}

func queueKey(clinicID, serviceDay string) string {
	return fmt.Sprintf("queue:tickets:%s:%s", clinicID, serviceDay)
}

func replayKey(correlationID string) string {
	return fmt.Sprintf("replay:%s", correlationID)
}

func (r *RedisBackend) SaveVisitor(ctx context.Context, visitor models.Visitor) error {
	data, err := json.Marshal(visitor)
	if err != nil {
		return fmt.Errorf("marshal visitor: %w", err)
	}
	return r.client.SetNX(ctx, visitorKey(visitor.ID), data, r.retention).Err()
}

func (r *RedisBackend) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(data)
}

func (r *RedisBackend) FindActiveSession(ctx context.Context, visitorID, clinicID string) (*models.Session, error) {
	id, err := r.client.Get(ctx, activeSessionKey(visitorID, clinicID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session, err := r.GetSession(ctx, id)
	if err != nil || session == nil || !session.IsActive() {
		return nil, err
	}
	return session, nil
}

// SaveSession writes the session and keeps the active pointer for its
// visitor and clinic in step with its state.
func (r *RedisBackend) SaveSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(session.ID), data, r.retention)
		if session.IsActive() {
			pipe.Set(ctx, activeSessionKey(session.VisitorID, session.ClinicID), session.ID, r.retention)
		} else {
			pipe.Del(ctx, activeSessionKey(session.VisitorID, session.ClinicID))
		}
		return nil
	})
	return err
}

func (r *RedisBackend) GetTicketBySession(ctx context.Context, sessionID string) (*models.Ticket, error) {
	data, err := r.client.Get(ctx, ticketKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTicket(data)
}

func (r *RedisBackend) LastTicketNumber(ctx context.Context, clinicID, serviceDay string) (int64, error) {
	n, err := r.client.Get(ctx, sequenceKey(clinicID, serviceDay)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// CreateTicket stores the ticket, adds it to the day queue and moves the
// counter to its number in a single transaction.
func (r *RedisBackend) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	data, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}

	qKey := queueKey(ticket.ClinicID, ticket.ServiceDay)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ticketKey(ticket.SessionID), data, r.retention)
		pipe.ZAdd(ctx, qKey, redis.Z{Score: float64(ticket.Number), Member: ticket.SessionID})
		pipe.Expire(ctx, qKey, r.retention)
		pipe.Set(ctx, sequenceKey(ticket.ClinicID, ticket.ServiceDay), ticket.Number, r.retention)
		return nil
	})
	return err
}

func (r *RedisBackend) SaveTicket(ctx context.Context, ticket *models.Ticket) error {
	data, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	return r.client.Set(ctx, ticketKey(ticket.SessionID), data, r.retention).Err()
}

func (r *RedisBackend) ListTickets(ctx context.Context, clinicID, serviceDay string) ([]models.Ticket, error) {
	sessionIDs, err := r.client.ZRange(ctx, queueKey(clinicID, serviceDay), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(sessionIDs) == 0 {
		return []models.Ticket{}, nil
	}

	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = ticketKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	tickets := make([]models.Ticket, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		t, err := decodeTicket([]byte(raw))
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, nil
}

func (r *RedisBackend) GetReplay(ctx context.Context, correlationID string) (*models.Result, error) {
	data, err := r.client.Get(ctx, replayKey(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var result models.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *RedisBackend) SaveReplay(ctx context.Context, correlationID string, result *models.Result, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return r.client.Set(ctx, replayKey(correlationID), data, ttl).Err()
}
