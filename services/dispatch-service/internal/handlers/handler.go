package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/vdnkl/dispatch/libs/httpx"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/lifecycle"
)

// Handler is the JSON shell over the lifecycle engine.
type Handler struct {
	engine *lifecycle.Engine
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
}

func NewHandler(engine *lifecycle.Engine, logger *slog.Logger, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{engine: engine, logger: logger, loc: engine.Location(), now: now}
}

// RouteOptions are the per-route middlewares shared by every API endpoint.
type RouteOptions struct {
	JWTSecret string
	RateLimit httpx.Middleware
}

// Register mounts the API under /api/v1 on mux.
func (h *Handler) Register(mux *http.ServeMux, opts RouteOptions) {
	authn := RequireAuth(opts.JWTSecret, h.now)
	route := func(path string, fn http.HandlerFunc, roles ...string) {
		mux.Handle(path, httpx.Chain(fn, authn, opts.RateLimit, RequireRole(roles...)))
	}

	route("/api/v1/operator/schedule", h.Schedule, RoleOperator)
	route("/api/v1/operator/appointments", h.CreateAppointment, RoleOperator)
	route("/api/v1/operator/appointments/cancel", h.Cancel, RoleOperator)

	route("/api/v1/appointments", h.ListAppointments, RoleOperator, RoleField)
	route("/api/v1/appointments/card", h.Card, RoleOperator, RoleField)

	route("/api/v1/field/days", h.FieldDays, RoleField)
	route("/api/v1/field/accept", h.Accept, RoleField)
	route("/api/v1/field/status", h.ChangeStatus, RoleField)
	route("/api/v1/field/result", h.RecordResult, RoleField)
	route("/api/v1/field/reschedule", h.RequestReschedule, RoleField)
	route("/api/v1/field/extra/pin", h.VerifyExtraPIN, RoleField)
	route("/api/v1/field/extra", h.CreateExtra, RoleField)

	route("/api/v1/admin/settings", h.Settings, RoleAdmin)
	route("/api/v1/admin/day-settings", h.DaySettings, RoleAdmin)
	route("/api/v1/admin/slot-capacity", h.SlotCapacity, RoleAdmin)
	route("/api/v1/admin/assign", h.Assign, RoleAdmin)
	route("/api/v1/admin/reschedules", h.PendingReschedules, RoleAdmin)
	route("/api/v1/admin/reschedules/approve", h.ApproveReschedule, RoleAdmin)
	route("/api/v1/admin/reschedules/reject", h.RejectReschedule, RoleAdmin)
	route("/api/v1/admin/audit", h.Audit, RoleAdmin)
}

func (h *Handler) identity(r *http.Request) Identity {
	id, _ := IdentityFromContext(r.Context())
	return id
}
