package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"clinic-flow/config"
	"clinic-flow/internal/status"
	"clinic-flow/models"
	"clinic-flow/monitoring"
	"clinic-flow/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	eventSessionComplete = "session.complete"
	eventSessionReset    = "session.reset"
)

// Engine is the single entry point for visitor events. It serializes work
// per session, persists through the retrier and shapes every outcome into a
// models.Result. Session and ticket state is never cached between calls.
type Engine struct {
	machine  *SessionMachine
	queue    *QueueManager
	retrier  *utils.Retrier
	locks    *KeyedMutex
	notifier Notifier
	monitor  *monitoring.Monitor
	tracer   trace.Tracer

	replayTTL     time.Duration
	notifyTimeout time.Duration
	now           func() time.Time

	wg sync.WaitGroup
}

func NewEngine(cfg *config.Config, notifier Notifier, monitor *monitoring.Monitor) (*Engine, error) {
	loc, err := time.LoadLocation(cfg.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("load clinic timezone %q: %w", cfg.ClinicTimezone, err)
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}

	retrier := utils.NewRetrier(cfg.RetryDelays)
	machine := NewSessionMachine(SessionConfig{
		TTL:            cfg.SessionTTL,
		PinLength:      cfg.PinLength,
		MaxPinAttempts: cfg.MaxPinAttempts,
	}, NewPinVerifier(cfg.PinHashCost))

	notifyTimeout := cfg.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 5 * time.Second
	}

	return &Engine{
		machine:       machine,
		queue:         NewQueueManager(retrier, loc),
		retrier:       retrier,
		locks:         NewKeyedMutex(),
		notifier:      notifier,
		monitor:       monitor,
		tracer:        otel.Tracer("clinic-flow/engine"),
		replayTTL:     cfg.ReplayTTL,
		notifyTimeout: notifyTimeout,
		now:           time.Now,
	}, nil
}

// ProcessEvent validates and applies one event. Domain failures come back as
// a result with ok=false and a nil error; a nil result with an error means
// the backend stayed unavailable through every retry and nothing was
// committed.
func (e *Engine) ProcessEvent(ctx context.Context, eventType string, payload []byte, backend Backend) (*models.Result, error) {
	start := time.Now()

	et, ok := models.ParseEventType(eventType)
	if !ok {
		err := fmt.Errorf("%w: %q", status.ErrUnknownEventType, eventType)
		e.monitor.TrackEvent("unknown", status.Code(err), time.Since(start))
		return withError(eventType, nil, err), nil
	}
	event := et.String()

	ctx, span := e.tracer.Start(ctx, "engine.ProcessEvent", trace.WithAttributes(attribute.String("event.type", event)))
	defer span.End()

	var p models.EventPayload
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return e.finish(span, event, start, nil, fmt.Errorf("%w: %v", status.ErrInvalidPayload, err))
		}
	}

	// An event that was already started keeps going when the caller leaves.
	ctx = context.WithoutCancel(ctx)

	if p.CorrelationID != "" {
		unlock := e.locks.Lock("replay:" + p.CorrelationID)
		defer unlock()

		cached, err := utils.CallWithRetry(ctx, e.retrier, "get_replay", func(ctx context.Context) (*models.Result, error) {
			return backend.GetReplay(ctx, p.CorrelationID)
		})
		if err != nil {
			return e.finish(span, event, start, nil, err)
		}
		if cached != nil && cached.Event == event {
			cached.Replayed = true
			span.SetAttributes(attribute.Bool("event.replayed", true))
			return e.finish(span, event, start, cached, nil)
		}
	}

	res, err := e.dispatch(ctx, et, p, backend)
	res, err = e.finish(span, event, start, res, err)
	if err != nil {
		return nil, err
	}

	if p.CorrelationID != "" {
		res.CorrelationID = p.CorrelationID
		if err := e.retrier.Do(ctx, "save_replay", func(ctx context.Context) error {
			return backend.SaveReplay(ctx, p.CorrelationID, replayable(res), e.replayTTL)
		}); err != nil {
			slog.Warn("Replay result not stored", "event", event, "correlation_id", p.CorrelationID, "error", err)
		}
	}
	return res, nil
}

// replayable is the copy of res kept for correlation replay. The PIN is a
// one-time secret and is never written to the replay store.
func replayable(res *models.Result) *models.Result {
	stored := *res
	stored.Pin = ""
	return &stored
}

func (e *Engine) dispatch(ctx context.Context, et models.EventType, p models.EventPayload, backend Backend) (*models.Result, error) {
	event := et.String()
	switch et {
	case models.EventSessionStart:
		return e.startSession(ctx, event, p, backend)
	case models.EventPinVerify:
		if p.Pin == "" {
			return nil, fmt.Errorf("%w: pin is required", status.ErrInvalidPayload)
		}
		return e.withSession(ctx, event, p, backend, e.verifyPin)
	case models.EventQueueIssue:
		return e.withSession(ctx, event, p, backend, e.issueTicket)
	case models.EventClinicEnter:
		return e.withSession(ctx, event, p, backend, e.enterClinic)
	case models.EventNotifyInfo:
		return e.notifyInfo(event, p)
	}
	return nil, fmt.Errorf("%w: %s", status.ErrUnknownEventType, event)
}

// finish folds domain errors into the result and records the outcome.
func (e *Engine) finish(span trace.Span, event string, start time.Time, res *models.Result, err error) (*models.Result, error) {
	if err != nil && !status.IsDomain(err) {
		code := status.Code(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		e.monitor.TrackEvent(event, code, time.Since(start))
		slog.Error("Event failed", "event", event, "code", code, "error", err)
		return nil, err
	}

	if err != nil {
		res = withError(event, res, err)
	}
	outcome := "OK"
	if res.Error != nil {
		outcome = res.Error.Code
	}
	span.SetAttributes(attribute.String("event.outcome", outcome))
	e.monitor.TrackEvent(event, outcome, time.Since(start))
	return res, nil
}

func withError(event string, res *models.Result, err error) *models.Result {
	if res == nil {
		res = &models.Result{Event: event}
	}
	res.OK = false
	res.Pin = ""
	res.Error = &models.ResultError{Code: status.Code(err), Message: err.Error()}
	return res
}

func sessionResult(event string, s *models.Session) *models.Result {
	return &models.Result{
		OK:        true,
		Event:     event,
		SessionID: s.ID,
		State:     s.State,
	}
}

type sessionStep func(ctx context.Context, event string, s *models.Session, p models.EventPayload, backend Backend) (*models.Result, error)

// withSession resolves the target session, locks it, reloads it fresh,
// applies expiry and runs step.
func (e *Engine) withSession(ctx context.Context, event string, p models.EventPayload, backend Backend, step sessionStep) (*models.Result, error) {
	sessionID := p.SessionID
	if sessionID == "" {
		if p.VisitorID == "" || p.ClinicID == "" {
			return nil, fmt.Errorf("%w: session_id or visitor_id and clinic_id are required", status.ErrInvalidPayload)
		}
		active, err := utils.CallWithRetry(ctx, e.retrier, "find_active_session", func(ctx context.Context) (*models.Session, error) {
			return backend.FindActiveSession(ctx, p.VisitorID, p.ClinicID)
		})
		if err != nil {
			return nil, err
		}
		if active == nil {
			return nil, fmt.Errorf("%w: no active session for visitor %s at clinic %s", status.ErrSessionNotFound, p.VisitorID, p.ClinicID)
		}
		sessionID = active.ID
	}

	unlock := e.locks.Lock("session:" + sessionID)
	defer unlock()

	s, err := e.loadSession(ctx, backend, sessionID)
	if err != nil {
		return nil, err
	}
	if p.ClinicID != "" && p.ClinicID != s.ClinicID {
		return nil, fmt.Errorf("%w: session %s does not belong to clinic %s", status.ErrInvalidPayload, s.ID, p.ClinicID)
	}
	if p.VisitorID != "" && p.VisitorID != s.VisitorID {
		return nil, fmt.Errorf("%w: session %s does not belong to visitor %s", status.ErrInvalidPayload, s.ID, p.VisitorID)
	}

	expired, err := e.expire(ctx, backend, s)
	if err != nil {
		return nil, err
	}
	if expired {
		return sessionResult(event, s), &status.TransitionError{Event: event, State: string(s.State)}
	}
	return step(ctx, event, s, p, backend)
}

func (e *Engine) loadSession(ctx context.Context, backend Backend, sessionID string) (*models.Session, error) {
	s, err := utils.CallWithRetry(ctx, e.retrier, "get_session", func(ctx context.Context) (*models.Session, error) {
		return backend.GetSession(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", status.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (e *Engine) saveSession(ctx context.Context, backend Backend, s *models.Session, from models.SessionState) error {
	if err := e.retrier.Do(ctx, "save_session", func(ctx context.Context) error {
		return backend.SaveSession(ctx, s)
	}); err != nil {
		return err
	}
	if s.State != from {
		e.monitor.TrackTransition(string(s.State))
	}
	return nil
}

// expire persists the expiry of a lapsed session and abandons its ticket.
func (e *Engine) expire(ctx context.Context, backend Backend, s *models.Session) (bool, error) {
	from := s.State
	if !e.machine.Expire(s) {
		return false, nil
	}
	if err := e.saveSession(ctx, backend, s, from); err != nil {
		return false, err
	}
	slog.Info("Session expired", "session_id", s.ID, "clinic_id", s.ClinicID, "from", from)

	if s.TicketID != nil {
		if _, err := e.queue.MarkTicket(ctx, backend, s.ID, models.TicketAbandoned); err != nil {
			slog.Warn("Ticket not marked abandoned", "session_id", s.ID, "error", err)
		}
	}
	return true, nil
}

func (e *Engine) startSession(ctx context.Context, event string, p models.EventPayload, backend Backend) (*models.Result, error) {
	if p.VisitorID == "" || p.ClinicID == "" {
		return nil, fmt.Errorf("%w: visitor_id and clinic_id are required", status.ErrInvalidPayload)
	}

	unlock := e.locks.Lock("start:" + activeKey(p.VisitorID, p.ClinicID))
	defer unlock()

	blocking, err := e.activeSession(ctx, backend, p.VisitorID, p.ClinicID)
	if err != nil {
		return nil, err
	}
	if blocking != nil {
		return &models.Result{Event: event, State: blocking.State},
			&status.TransitionError{Event: event, State: string(blocking.State)}
	}

	visitor := models.Visitor{ID: p.VisitorID, DisplayName: p.DisplayName, ArrivedAt: e.now()}
	if err := e.retrier.Do(ctx, "save_visitor", func(ctx context.Context) error {
		return backend.SaveVisitor(ctx, visitor)
	}); err != nil {
		return nil, err
	}

	s, pin, err := e.machine.Start(p.VisitorID, p.ClinicID)
	if err != nil {
		return nil, err
	}
	if err := e.saveSession(ctx, backend, s, models.SessionCreated); err != nil {
		return nil, err
	}

	slog.Info("Session started", "session_id", s.ID, "visitor_id", s.VisitorID, "clinic_id", s.ClinicID, "pin", utils.MaskPIN(pin))
	e.notify(models.Notification{
		Type:      models.NotificationInfo,
		Message:   "Visitor checked in",
		ClinicID:  s.ClinicID,
		SessionID: s.ID,
	})

	res := sessionResult(event, s)
	res.Pin = pin
	return res, nil
}

// activeSession returns the visitor's live session at the clinic, expiring
// it first when it has lapsed. Caller holds the start lock.
func (e *Engine) activeSession(ctx context.Context, backend Backend, visitorID, clinicID string) (*models.Session, error) {
	found, err := utils.CallWithRetry(ctx, e.retrier, "find_active_session", func(ctx context.Context) (*models.Session, error) {
		return backend.FindActiveSession(ctx, visitorID, clinicID)
	})
	if err != nil || found == nil {
		return nil, err
	}

	unlock := e.locks.Lock("session:" + found.ID)
	defer unlock()

	s, err := utils.CallWithRetry(ctx, e.retrier, "get_session", func(ctx context.Context) (*models.Session, error) {
		return backend.GetSession(ctx, found.ID)
	})
	if err != nil {
		return nil, err
	}
	if s == nil || !s.IsActive() {
		return nil, nil
	}

	expired, err := e.expire(ctx, backend, s)
	if err != nil || expired {
		return nil, err
	}
	return s, nil
}

func (e *Engine) verifyPin(ctx context.Context, event string, s *models.Session, p models.EventPayload, backend Backend) (*models.Result, error) {
	from := s.State
	outcome, verifyErr := e.machine.VerifyPin(s, p.Pin)
	if outcome.Mutated {
		if err := e.saveSession(ctx, backend, s, from); err != nil {
			return nil, err
		}
	}

	res := sessionResult(event, s)
	switch {
	case verifyErr == nil:
		slog.Info("PIN verified", "session_id", s.ID, "clinic_id", s.ClinicID)
	case errors.Is(verifyErr, status.ErrPinMismatch):
		remaining := outcome.Remaining
		res.RemainingAttempts = &remaining
		slog.Info("PIN mismatch", "session_id", s.ID, "attempts", s.PinAttempts, "remaining", remaining)
	case errors.Is(verifyErr, status.ErrSessionLocked):
		remaining := 0
		res.RemainingAttempts = &remaining
		slog.Warn("Session locked", "session_id", s.ID, "clinic_id", s.ClinicID, "attempts", s.PinAttempts)
		e.notify(models.Notification{
			Type:      models.NotificationInfo,
			Message:   fmt.Sprintf("Session locked after %d failed PIN attempts", s.PinAttempts),
			ClinicID:  s.ClinicID,
			SessionID: s.ID,
		})
	}
	return res, verifyErr
}

func (e *Engine) issueTicket(ctx context.Context, event string, s *models.Session, _ models.EventPayload, backend Backend) (*models.Result, error) {
	if s.TicketID != nil && s.IsActive() && s.State.AtLeast(models.SessionQueued) {
		ticket, err := utils.CallWithRetry(ctx, e.retrier, "get_ticket", func(ctx context.Context) (*models.Ticket, error) {
			return backend.GetTicketBySession(ctx, s.ID)
		})
		if err != nil {
			return nil, err
		}
		if ticket != nil {
			res := sessionResult(event, s)
			res.Ticket = ticket
			return res, nil
		}
	}
	if err := e.machine.CanAttachTicket(s); err != nil {
		return sessionResult(event, s), err
	}

	ticket, created, err := e.queue.IssueTicket(ctx, backend, s.ClinicID, s.ID)
	if err != nil {
		return nil, err
	}

	from := s.State
	if err := e.machine.AttachTicket(s, ticket); err != nil {
		return sessionResult(event, s), err
	}
	if err := e.saveSession(ctx, backend, s, from); err != nil {
		return nil, err
	}

	if created {
		e.monitor.TrackTicket(s.ClinicID, ticket.Number)
		e.notify(models.Notification{
			Type:      models.NotificationInfo,
			Message:   fmt.Sprintf("Ticket %d issued", ticket.Number),
			ClinicID:  s.ClinicID,
			SessionID: s.ID,
		})
	}

	res := sessionResult(event, s)
	res.Ticket = ticket
	return res, nil
}

func (e *Engine) enterClinic(ctx context.Context, event string, s *models.Session, _ models.EventPayload, backend Backend) (*models.Result, error) {
	from := s.State
	changed, err := e.machine.Enter(s)
	if err != nil {
		return sessionResult(event, s), err
	}
	if changed {
		if err := e.saveSession(ctx, backend, s, from); err != nil {
			return nil, err
		}
	}

	// Also repairs a ticket left waiting by an earlier failed attempt.
	ticket, err := e.queue.MarkTicket(ctx, backend, s.ID, models.TicketCalled)
	if err != nil {
		return nil, err
	}

	if changed {
		e.notify(models.Notification{
			Type:      models.NotificationInfo,
			Message:   fmt.Sprintf("Ticket %d entered the clinic", s.TicketNumber),
			ClinicID:  s.ClinicID,
			SessionID: s.ID,
		})
	}

	res := sessionResult(event, s)
	res.Ticket = ticket
	return res, nil
}

func (e *Engine) notifyInfo(event string, p models.EventPayload) (*models.Result, error) {
	message := strings.TrimSpace(p.Message)
	if p.ClinicID == "" || message == "" {
		return nil, fmt.Errorf("%w: clinic_id and message are required", status.ErrInvalidPayload)
	}

	e.notify(models.Notification{
		Type:      models.NotificationInfo,
		Message:   message,
		ClinicID:  p.ClinicID,
		SessionID: p.SessionID,
	})
	return &models.Result{OK: true, Event: event, SessionID: p.SessionID, Notified: true}, nil
}

// CompleteSession finishes a visit that is in service and closes its ticket.
func (e *Engine) CompleteSession(ctx context.Context, sessionID string, backend Backend) (*models.Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.CompleteSession", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	if sessionID == "" {
		return e.finish(span, eventSessionComplete, start, nil, fmt.Errorf("%w: session_id is required", status.ErrInvalidPayload))
	}
	res, err := e.withSession(ctx, eventSessionComplete, models.EventPayload{SessionID: sessionID}, backend, e.completeSession)
	return e.finish(span, eventSessionComplete, start, res, err)
}

func (e *Engine) completeSession(ctx context.Context, event string, s *models.Session, _ models.EventPayload, backend Backend) (*models.Result, error) {
	from := s.State
	if err := e.machine.Complete(s); err != nil {
		return sessionResult(event, s), err
	}
	if err := e.saveSession(ctx, backend, s, from); err != nil {
		return nil, err
	}

	ticket, err := e.queue.MarkTicket(ctx, backend, s.ID, models.TicketCompleted)
	if err != nil {
		return nil, err
	}

	e.notify(models.Notification{
		Type:      models.NotificationInfo,
		Message:   fmt.Sprintf("Ticket %d completed", s.TicketNumber),
		ClinicID:  s.ClinicID,
		SessionID: s.ID,
	})

	res := sessionResult(event, s)
	res.Ticket = ticket
	return res, nil
}

// ResetSession reopens a locked session with a new PIN. It is refused when
// the visitor already started another session at the same clinic.
func (e *Engine) ResetSession(ctx context.Context, sessionID string, backend Backend) (*models.Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.ResetSession", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	if sessionID == "" {
		return e.finish(span, eventSessionReset, start, nil, fmt.Errorf("%w: session_id is required", status.ErrInvalidPayload))
	}

	s, err := e.loadSession(ctx, backend, sessionID)
	if err != nil {
		return e.finish(span, eventSessionReset, start, nil, err)
	}

	unlock := e.locks.Lock("start:" + activeKey(s.VisitorID, s.ClinicID))
	defer unlock()

	res, err := e.withSession(ctx, eventSessionReset, models.EventPayload{SessionID: sessionID}, backend, e.resetSession)
	return e.finish(span, eventSessionReset, start, res, err)
}

func (e *Engine) resetSession(ctx context.Context, event string, s *models.Session, _ models.EventPayload, backend Backend) (*models.Result, error) {
	other, err := utils.CallWithRetry(ctx, e.retrier, "find_active_session", func(ctx context.Context) (*models.Session, error) {
		return backend.FindActiveSession(ctx, s.VisitorID, s.ClinicID)
	})
	if err != nil {
		return nil, err
	}
	if other != nil && other.ID != s.ID {
		return sessionResult(event, s), &status.TransitionError{Event: event, State: string(s.State)}
	}

	from := s.State
	pin, err := e.machine.ResetLock(s)
	if err != nil {
		if status.IsDomain(err) {
			return sessionResult(event, s), err
		}
		return nil, err
	}
	if err := e.saveSession(ctx, backend, s, from); err != nil {
		return nil, err
	}

	slog.Info("Session lock reset", "session_id", s.ID, "clinic_id", s.ClinicID, "pin", utils.MaskPIN(pin))
	res := sessionResult(event, s)
	res.Pin = pin
	return res, nil
}

// QueueSnapshot reports the clinic's queue for today.
func (e *Engine) QueueSnapshot(ctx context.Context, clinicID string, backend Backend) (*models.QueueSnapshot, error) {
	if clinicID == "" {
		return nil, fmt.Errorf("%w: clinic_id is required", status.ErrInvalidPayload)
	}
	ctx, span := e.tracer.Start(ctx, "engine.QueueSnapshot", trace.WithAttributes(attribute.String("clinic.id", clinicID)))
	defer span.End()

	snapshot, err := e.queue.Snapshot(ctx, backend, clinicID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status.Code(err))
		return nil, err
	}
	return snapshot, nil
}

// notify publishes in the background. The event outcome never waits on it.
func (e *Engine) notify(n models.Notification) {
	n.SentAt = e.now()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()

		if err := e.notifier.Notify(ctx, n); err != nil {
			slog.Warn("Notification failed", "type", n.Type, "clinic_id", n.ClinicID, "session_id", n.SessionID, "error", err)
			e.monitor.TrackNotification("failed")
			return
		}
		e.monitor.TrackNotification("sent")
	}()
}

// Shutdown waits for in-flight notifications until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
