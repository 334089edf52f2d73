package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"clinic-flow/models"
)

// MemoryBackend keeps everything in process memory. Values are stored as JSON
// so callers never share pointers with the store, the same way they would
// not with Redis. Used for local runs and tests.
type MemoryBackend struct {
	mu       sync.RWMutex
	now      func() time.Time
	visitors map[string][]byte
	sessions map[string][]byte
	active   map[string]string
	tickets  map[string][]byte // by session id
	seq      map[string]int64
	byDay    map[string][]string
	replays  map[string]replayEntry
}

type replayEntry struct {
	data      []byte
	expiresAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:      time.Now,
		visitors: make(map[string][]byte),
		sessions: make(map[string][]byte),
		active:   make(map[string]string),
		tickets:  make(map[string][]byte),
		seq:      make(map[string]int64),
		byDay:    make(map[string][]string),
		replays:  make(map[string]replayEntry),
	}
}

func (m *MemoryBackend) SaveVisitor(_ context.Context, visitor models.Visitor) error {
	data, err := json.Marshal(visitor)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.visitors[visitor.ID]; !ok {
		m.visitors[visitor.ID] = data
	}
	return nil
}

// GetVisitor is not part of Backend; tests use it to inspect stored visitors.
func (m *MemoryBackend) GetVisitor(id string) (*models.Visitor, bool) {
	m.mu.RLock()
	data, ok := m.visitors[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	var v models.Visitor
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return &v, true
}

func (m *MemoryBackend) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.RLock()
	data, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeSession(data)
}

func (m *MemoryBackend) FindActiveSession(ctx context.Context, visitorID, clinicID string) (*models.Session, error) {
	m.mu.RLock()
	id, ok := m.active[activeKey(visitorID, clinicID)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	session, err := m.GetSession(ctx, id)
	if err != nil || session == nil || !session.IsActive() {
		return nil, err
	}
	return session, nil
}

func (m *MemoryBackend) SaveSession(_ context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = data
	key := activeKey(session.VisitorID, session.ClinicID)
	if session.IsActive() {
		m.active[key] = session.ID
	} else if m.active[key] == session.ID {
		delete(m.active, key)
	}
	return nil
}

func (m *MemoryBackend) GetTicketBySession(_ context.Context, sessionID string) (*models.Ticket, error) {
	m.mu.RLock()
	data, ok := m.tickets[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeTicket(data)
}

func (m *MemoryBackend) LastTicketNumber(_ context.Context, clinicID, serviceDay string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq[dayKey(clinicID, serviceDay)], nil
}

func (m *MemoryBackend) CreateTicket(_ context.Context, ticket *models.Ticket) error {
	data, err := json.Marshal(ticket)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := dayKey(ticket.ClinicID, ticket.ServiceDay)
	if _, exists := m.tickets[ticket.SessionID]; !exists {
		m.byDay[key] = append(m.byDay[key], ticket.SessionID)
	}
	m.tickets[ticket.SessionID] = data
	if ticket.Number > m.seq[key] {
		m.seq[key] = ticket.Number
	}
	return nil
}

func (m *MemoryBackend) SaveTicket(_ context.Context, ticket *models.Ticket) error {
	data, err := json.Marshal(ticket)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[ticket.SessionID] = data
	return nil
}

func (m *MemoryBackend) ListTickets(_ context.Context, clinicID, serviceDay string) ([]models.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byDay[dayKey(clinicID, serviceDay)]
	tickets := make([]models.Ticket, 0, len(ids))
	for _, id := range ids {
		t, err := decodeTicket(m.tickets[id])
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Number < tickets[j].Number })
	return tickets, nil
}

func (m *MemoryBackend) GetReplay(_ context.Context, correlationID string) (*models.Result, error) {
	m.mu.RLock()
	entry, ok := m.replays[correlationID]
	m.mu.RUnlock()
	if !ok || m.now().After(entry.expiresAt) {
		return nil, nil
	}

	var result models.Result
	if err := json.Unmarshal(entry.data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (m *MemoryBackend) SaveReplay(_ context.Context, correlationID string, result *models.Result, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.replays[correlationID] = replayEntry{data: data, expiresAt: m.now().Add(ttl)}
	return nil
}

func dayKey(clinicID, serviceDay string) string {
	return clinicID + ":" + serviceDay
}

func decodeSession(data []byte) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeTicket(data []byte) (*models.Ticket, error) {
	var t models.Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
