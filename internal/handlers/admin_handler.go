package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"clinic-flow/internal/services"
	"clinic-flow/internal/status"
	"clinic-flow/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// AdminHandler serves staff operations that sit outside the visitor events.
type AdminHandler struct {
	engine   *services.Engine
	backend  services.Backend
	resolver *services.RouteResolver
}

func NewAdminHandler(engine *services.Engine, backend services.Backend, resolver *services.RouteResolver) *AdminHandler {
	return &AdminHandler{
		engine:   engine,
		backend:  backend,
		resolver: resolver,
	}
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

// CompleteSession - POST /mw/admin/session/complete
func (h *AdminHandler) CompleteSession(e *core.RequestEvent) error {
	var req sessionRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	code, res := h.complete(e.Request.Context(), req.SessionID)
	return e.JSON(code, res)
}

// ResetSession - POST /mw/admin/session/reset
func (h *AdminHandler) ResetSession(e *core.RequestEvent) error {
	var req sessionRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	code, res := h.reset(e.Request.Context(), req.SessionID)
	return e.JSON(code, res)
}

// GetQueue - GET /mw/admin/queue?clinic_id=
func (h *AdminHandler) GetQueue(e *core.RequestEvent) error {
	clinicID := e.Request.URL.Query().Get("clinic_id")
	if clinicID == "" {
		return apis.NewBadRequestError("Clinic ID required", nil)
	}

	code, body := h.queue(e.Request.Context(), clinicID)
	return e.JSON(code, body)
}

// GetRoutes - GET /mw/admin/routes
func (h *AdminHandler) GetRoutes(e *core.RequestEvent) error {
	code, body := h.routes(e.Request.Context())
	return e.JSON(code, body)
}

func (h *AdminHandler) complete(ctx context.Context, sessionID string) (int, *models.Result) {
	res, err := h.engine.CompleteSession(ctx, sessionID, h.backend)
	return shapeAdmin("session.complete", res, err)
}

func (h *AdminHandler) reset(ctx context.Context, sessionID string) (int, *models.Result) {
	res, err := h.engine.ResetSession(ctx, sessionID, h.backend)
	return shapeAdmin("session.reset", res, err)
}

func shapeAdmin(event string, res *models.Result, err error) (int, *models.Result) {
	if err != nil {
		slog.Error("Admin operation failed", "event", event, "error", err)
		return statusFor(status.Code(err)), errorResult(event, err)
	}
	if res.OK {
		return http.StatusOK, res
	}
	return statusFor(res.Error.Code), res
}

func (h *AdminHandler) queue(ctx context.Context, clinicID string) (int, any) {
	snapshot, err := h.engine.QueueSnapshot(ctx, clinicID, h.backend)
	if err != nil {
		slog.Error("Queue snapshot failed", "clinic_id", clinicID, "error", err)
		return statusFor(status.Code(err)), errorResult("queue.snapshot", err)
	}
	return http.StatusOK, snapshot
}

type routesResponse struct {
	Found    bool            `json:"found"`
	LoadedAt time.Time       `json:"loaded_at"`
	Routes   models.RouteMap `json:"routes"`
}

func (h *AdminHandler) routes(ctx context.Context) (int, any) {
	snapshot, err := h.resolver.GetRouteMap(ctx)
	if err != nil {
		slog.Error("Route map load failed", "error", err)
		return http.StatusServiceUnavailable, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, routesResponse{
		Found:    snapshot.Found(),
		LoadedAt: snapshot.LoadedAt(),
		Routes:   snapshot.Routes(),
	}
}
