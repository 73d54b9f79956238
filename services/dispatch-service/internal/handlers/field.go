package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
)

func (h *Handler) FieldDays(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	days, err := h.engine.FieldDays(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]string, 0, len(days))
	for _, d := range days {
		out = append(out, d.Format(dateLayout))
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": out})
}

type appointmentRef struct {
	AppointmentID int64 `json:"appointment_id" validate:"gt=0"`
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req appointmentRef
	if !decodeValid(w, r, &req) {
		return
	}

	ok, err := h.engine.AcceptSelfAssign(r.Context(), req.AppointmentID, h.identity(r).UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !ok {
		http.Error(w, "appointment cannot be accepted", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointment_id": req.AppointmentID, "status": model.StatusAccepted})
}

type changeStatusRequest struct {
	AppointmentID int64  `json:"appointment_id" validate:"gt=0"`
	Status        string `json:"status" validate:"required"`
	FieldNotes    string `json:"field_notes" validate:"max=2000"`
}

func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req changeStatusRequest
	if !decodeValid(w, r, &req) {
		return
	}
	status, ok := model.ParseStatus(strings.TrimSpace(req.Status))
	if !ok {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	change := h.engine.ChangeStatus
	if h.identity(r).Role == RoleAdmin {
		change = h.engine.ChangeStatusAsAdmin
	}
	appt, err := change(r.Context(), req.AppointmentID, h.identity(r).UserID, status, req.FieldNotes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentItem(appt, h.loc))
}

type recordResultRequest struct {
	AppointmentID int64       `json:"appointment_id" validate:"gt=0"`
	Meters        []meterItem `json:"meters" validate:"max=20"`
	Seals         []sealItem  `json:"seals" validate:"max=50"`
}

func (h *Handler) RecordResult(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req recordResultRequest
	if !decodeValid(w, r, &req) {
		return
	}

	meters := make([]model.Meter, 0, len(req.Meters))
	for _, m := range req.Meters {
		meters = append(meters, model.Meter{
			MeterNumber:              m.MeterNumber,
			MeterModel:               m.MeterModel,
			PassportVerificationDate: m.PassportVerificationDate,
			VerificationInterval:     m.VerificationInterval,
		})
	}
	seals := make([]model.Seal, 0, len(req.Seals))
	for _, s := range req.Seals {
		seals = append(seals, model.Seal{SealNumber: s.SealNumber})
	}

	if err := h.engine.RecordResult(r.Context(), req.AppointmentID, h.identity(r).UserID, meters, seals); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rescheduleRequest struct {
	AppointmentID int64  `json:"appointment_id" validate:"gt=0"`
	Reason        string `json:"reason" validate:"required,max=1000"`
}

func (h *Handler) RequestReschedule(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req rescheduleRequest
	if !decodeValid(w, r, &req) {
		return
	}

	rr, err := h.engine.RequestReschedule(r.Context(), req.AppointmentID, h.identity(r).UserID, req.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRescheduleItem(rr, h.loc))
}

type pinRequest struct {
	PIN string `json:"pin" validate:"required,max=72"`
}

func (h *Handler) VerifyExtraPIN(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req pinRequest
	if !decodeValid(w, r, &req) {
		return
	}

	exp, err := h.engine.VerifyExtraPIN(r.Context(), h.identity(r).UserID, req.PIN)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"expires_at": exp.In(h.loc).Format(time.RFC3339)})
}

func (h *Handler) CreateExtra(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req createAppointmentRequest
	if !decodeValid(w, r, &req) {
		return
	}
	slot, err := parseSlot(req.SlotStart, h.loc)
	if err != nil {
		http.Error(w, "invalid slot_start", http.StatusBadRequest)
		return
	}

	appt, err := h.engine.CreateExtraAppointment(r.Context(), req.toNew(slot, h.identity(r).UserID))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentItem(appt, h.loc))
}
