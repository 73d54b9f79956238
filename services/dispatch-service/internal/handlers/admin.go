package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/lifecycle"
)

type settingsRequest struct {
	SlotMinutes     int    `json:"slot_minutes" validate:"min=1,max=240"`
	DefaultCapacity int    `json:"default_capacity" validate:"min=0"`
	PIN             string `json:"field_extra_pin" validate:"max=72"`
}

func (h *Handler) Settings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s, err := h.engine.Settings(r.Context())
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toSettingsItem(s, h.loc))
	case http.MethodPost:
		var req settingsRequest
		if !decodeValid(w, r, &req) {
			return
		}
		s, err := h.engine.UpdateSettings(r.Context(), h.identity(r).UserID, lifecycle.SettingsUpdate{
			SlotMinutes:     req.SlotMinutes,
			DefaultCapacity: req.DefaultCapacity,
			PIN:             req.PIN,
		})
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toSettingsItem(s, h.loc))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type daySettingRequest struct {
	Date                string `json:"date" validate:"required"`
	SelfAssignEnabled   bool   `json:"self_assign_enabled"`
	DayCapacityOverride *int   `json:"day_capacity_override" validate:"omitempty,min=0"`
}

type slotConfigItem struct {
	SlotStart string `json:"slot_start"`
	Override  *int   `json:"override,omitempty"`
	Effective int    `json:"effective"`
	Tier      string `json:"tier"`
}

type dayConfigResponse struct {
	Date                string           `json:"date"`
	Settings            settingsItem     `json:"settings"`
	SelfAssignEnabled   bool             `json:"self_assign_enabled"`
	DayCapacityOverride *int             `json:"day_capacity_override,omitempty"`
	Slots               []slotConfigItem `json:"slots"`
}

func (h *Handler) DaySettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		day, err := parseDay(r.URL.Query().Get("date"), h.loc, h.now())
		if err != nil {
			http.Error(w, "invalid date", http.StatusBadRequest)
			return
		}
		cfg, err := h.engine.DaySettings(r.Context(), day)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		resp := dayConfigResponse{
			Date:     cfg.Day.Format(dateLayout),
			Settings: toSettingsItem(cfg.Settings, h.loc),
			Slots:    make([]slotConfigItem, 0, len(cfg.Slots)),
		}
		if cfg.DaySetting != nil {
			resp.SelfAssignEnabled = cfg.DaySetting.SelfAssignEnabled
			resp.DayCapacityOverride = cfg.DaySetting.DayCapacityOverride
		}
		for _, s := range cfg.Slots {
			resp.Slots = append(resp.Slots, slotConfigItem{
				SlotStart: s.Start.In(h.loc).Format(time.RFC3339),
				Override:  s.Override,
				Effective: s.Effective,
				Tier:      string(s.Tier),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req daySettingRequest
		if !decodeValid(w, r, &req) {
			return
		}
		day, err := time.ParseInLocation(dateLayout, strings.TrimSpace(req.Date), h.loc)
		if err != nil {
			http.Error(w, "invalid date", http.StatusBadRequest)
			return
		}
		ds, err := h.engine.SetDaySetting(r.Context(), h.identity(r).UserID, lifecycle.DaySettingUpdate{
			Day:                 day,
			SelfAssignEnabled:   req.SelfAssignEnabled,
			DayCapacityOverride: req.DayCapacityOverride,
		})
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"date":                  ds.Date.Format(dateLayout),
			"self_assign_enabled":   ds.SelfAssignEnabled,
			"day_capacity_override": ds.DayCapacityOverride,
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type slotCapacityRequest struct {
	SlotStart string `json:"slot_start" validate:"required"`
	Capacity  int    `json:"capacity" validate:"min=0"`
}

func (h *Handler) SlotCapacity(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req slotCapacityRequest
	if !decodeValid(w, r, &req) {
		return
	}
	slot, err := parseSlot(req.SlotStart, h.loc)
	if err != nil {
		http.Error(w, "invalid slot_start", http.StatusBadRequest)
		return
	}

	sc, err := h.engine.SetSlotCapacity(r.Context(), h.identity(r).UserID, slot, req.Capacity)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slot_start": sc.SlotStart.In(h.loc).Format(time.RFC3339),
		"capacity":   sc.Capacity,
	})
}

type assignRequest struct {
	AppointmentIDs []int64 `json:"appointment_ids" validate:"min=1,max=500,dive,gt=0"`
	FieldUserID    int64   `json:"field_user_id" validate:"gt=0"`
}

// Assign lists assignable appointments on GET and assigns a batch on POST.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		appts, err := h.engine.Assignable(r.Context())
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"appointments": toAppointmentItems(appts, h.loc)})
	case http.MethodPost:
		var req assignRequest
		if !decodeValid(w, r, &req) {
			return
		}
		n, err := h.engine.AssignMany(r.Context(), req.AppointmentIDs, req.FieldUserID, h.identity(r).UserID)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"assigned": n})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) PendingReschedules(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	reqs, err := h.engine.PendingReschedules(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]rescheduleItem, 0, len(reqs))
	for _, rr := range reqs {
		out = append(out, toRescheduleItem(rr, h.loc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

type approveRequest struct {
	RequestID    int64  `json:"request_id" validate:"gt=0"`
	NewSlotStart string `json:"new_slot_start" validate:"required"`
}

func (h *Handler) ApproveReschedule(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req approveRequest
	if !decodeValid(w, r, &req) {
		return
	}
	slot, err := parseSlot(req.NewSlotStart, h.loc)
	if err != nil {
		http.Error(w, "invalid new_slot_start", http.StatusBadRequest)
		return
	}

	appt, err := h.engine.ApproveReschedule(r.Context(), req.RequestID, h.identity(r).UserID, slot)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentItem(appt, h.loc))
}

type rejectRequest struct {
	RequestID int64 `json:"request_id" validate:"gt=0"`
}

func (h *Handler) RejectReschedule(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req rejectRequest
	if !decodeValid(w, r, &req) {
		return
	}

	appt, err := h.engine.RejectReschedule(r.Context(), req.RequestID, h.identity(r).UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentItem(appt, h.loc))
}

type auditItem struct {
	ID         int64  `json:"id"`
	UserID     *int64 `json:"user_id,omitempty"`
	EventType  string `json:"event_type"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Details    string `json:"details"`
	CreatedAt  string `json:"created_at"`
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.engine.RecentAudit(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]auditItem, 0, len(events))
	for _, ev := range events {
		out = append(out, auditItem{
			ID:         ev.ID,
			UserID:     ev.UserID,
			EventType:  ev.EventType,
			EntityType: ev.EntityType,
			EntityID:   ev.EntityID,
			Details:    ev.Details,
			CreatedAt:  ev.CreatedAt.In(h.loc).Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
