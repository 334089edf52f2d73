package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"clinic-flow/internal/services"
	"clinic-flow/internal/status"
	"clinic-flow/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

const maxBodyBytes = 64 << 10

const correlationHeader = "X-Correlation-ID"

type EventHandler struct {
	engine   *services.Engine
	backend  services.Backend
	resolver *services.RouteResolver
}

func NewEventHandler(engine *services.Engine, backend services.Backend, resolver *services.RouteResolver) *EventHandler {
	return &EventHandler{
		engine:   engine,
		backend:  backend,
		resolver: resolver,
	}
}

// SessionStart - POST /mw/session/start
func (h *EventHandler) SessionStart(e *core.RequestEvent) error {
	return h.handle(e, models.EventSessionStart.String())
}

// VerifyPin - POST /mw/pin/verify
func (h *EventHandler) VerifyPin(e *core.RequestEvent) error {
	return h.handle(e, models.EventPinVerify.String())
}

// IssueTicket - POST /mw/queue/issue
func (h *EventHandler) IssueTicket(e *core.RequestEvent) error {
	return h.handle(e, models.EventQueueIssue.String())
}

// EnterClinic - POST /mw/clinic/enter
func (h *EventHandler) EnterClinic(e *core.RequestEvent) error {
	return h.handle(e, models.EventClinicEnter.String())
}

// NotifyInfo - POST /mw/notify/info
func (h *EventHandler) NotifyInfo(e *core.RequestEvent) error {
	return h.handle(e, models.EventNotifyInfo.String())
}

// RoutedEvent - POST /mw/events/{routeKey}, resolved through the route map.
// The body is an envelope whose payload carries the event fields.
func (h *EventHandler) RoutedEvent(e *core.RequestEvent) error {
	body, err := readBody(e)
	if err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	code, res := h.routed(e.Request.Context(), e.Request.PathValue("routeKey"), body, e.Request.Header.Get(correlationHeader))
	return e.JSON(code, res)
}

func (h *EventHandler) handle(e *core.RequestEvent, event string) error {
	body, err := readBody(e)
	if err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	code, res := h.dispatch(e.Request.Context(), event, body, e.Request.Header.Get(correlationHeader))
	return e.JSON(code, res)
}

func readBody(e *core.RequestEvent) ([]byte, error) {
	if e.Request.Body == nil {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(e.Request.Body, maxBodyBytes))
}

// dispatch runs one event and maps the outcome to an HTTP status.
func (h *EventHandler) dispatch(ctx context.Context, event string, body []byte, correlationID string) (int, *models.Result) {
	if correlationID != "" {
		merged, err := withCorrelation(body, correlationID)
		if err != nil {
			return http.StatusBadRequest, errorResult(event, fmt.Errorf("%w: %v", status.ErrInvalidPayload, err))
		}
		body = merged
	}

	res, err := h.engine.ProcessEvent(ctx, event, body, h.backend)
	if err != nil {
		slog.Error("Event processing failed", "event", event, "error", err)
		return statusFor(status.Code(err)), errorResult(event, err)
	}
	if res.OK {
		return http.StatusOK, res
	}
	return statusFor(res.Error.Code), res
}

func (h *EventHandler) routed(ctx context.Context, routeKey string, body []byte, correlationID string) (int, *models.Result) {
	_, eventType, err := h.resolver.Resolve(ctx, routeKey)
	if err != nil {
		if errors.Is(err, status.ErrUnknownEventType) {
			return http.StatusNotFound, errorResult(routeKey, err)
		}
		slog.Error("Route map unavailable", "route_key", routeKey, "error", err)
		return http.StatusServiceUnavailable, errorResult(routeKey, fmt.Errorf("%w: route map unavailable", status.ErrBackendUnavailable))
	}
	event := eventType.String()

	payload, err := unwrapEnvelope(event, body)
	if err != nil {
		return http.StatusBadRequest, errorResult(event, err)
	}
	return h.dispatch(ctx, event, payload, correlationID)
}

// unwrapEnvelope returns the envelope payload with the envelope's clinic and
// correlation ids filled in where the payload has none.
func unwrapEnvelope(event string, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrInvalidPayload, err)
	}
	if env.Type != "" && env.Type != event {
		return nil, fmt.Errorf("%w: envelope type %q does not match route event %q", status.ErrInvalidPayload, env.Type, event)
	}

	var p models.EventPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", status.ErrInvalidPayload, err)
		}
	}
	if p.ClinicID == "" {
		p.ClinicID = env.ClinicID
	}
	if p.CorrelationID == "" {
		p.CorrelationID = env.CorrelationID
	}
	return json.Marshal(p)
}

func withCorrelation(body []byte, correlationID string) ([]byte, error) {
	var fields map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	if _, ok := fields["correlation_id"]; !ok {
		fields["correlation_id"] = correlationID
	}
	return json.Marshal(fields)
}

func errorResult(event string, err error) *models.Result {
	message := err.Error()
	code := status.Code(err)
	switch code {
	case status.CodeBackendUnavailable:
		message = "backend unavailable, retry later"
	case status.CodeInternal:
		message = "internal error"
	}
	return &models.Result{
		OK:    false,
		Event: event,
		Error: &models.ResultError{Code: code, Message: message},
	}
}

func statusFor(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case status.CodeInvalidPayload, status.CodeUnknownEventType, status.CodePinMismatch:
		return http.StatusBadRequest
	case status.CodeSessionNotFound:
		return http.StatusNotFound
	case status.CodeInvalidTransition:
		return http.StatusConflict
	case status.CodeSessionLocked:
		return http.StatusLocked
	case status.CodeRateLimited:
		return http.StatusTooManyRequests
	case status.CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
