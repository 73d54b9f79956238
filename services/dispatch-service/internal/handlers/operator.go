package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/lifecycle"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
)

type slotLoadItem struct {
	SlotStart string `json:"slot_start"`
	SlotEnd   string `json:"slot_end"`
	Used      int    `json:"used"`
	Capacity  int    `json:"capacity"`
	Free      int    `json:"free"`
}

type scheduleResponse struct {
	Date  string         `json:"date"`
	Slots []slotLoadItem `json:"slots"`
}

func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	day, err := parseDay(r.URL.Query().Get("date"), h.loc, h.now())
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}

	loads, err := h.engine.Schedule(r.Context(), day)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp := scheduleResponse{Date: day.Format(dateLayout), Slots: make([]slotLoadItem, 0, len(loads))}
	for _, l := range loads {
		resp.Slots = append(resp.Slots, slotLoadItem{
			SlotStart: l.Start.In(h.loc).Format(time.RFC3339),
			SlotEnd:   l.End.In(h.loc).Format(time.RFC3339),
			Used:      l.Used,
			Capacity:  l.Capacity,
			Free:      l.Free(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type createAppointmentRequest struct {
	ServiceID       int64  `json:"service_id" validate:"gte=0"`
	FullName        string `json:"full_name" validate:"required,max=255"`
	AccountNumber   string `json:"account_number" validate:"required,max=64"`
	Phone           string `json:"phone" validate:"required,max=32"`
	Street          string `json:"street" validate:"max=255"`
	House           string `json:"house" validate:"max=32"`
	Apartment       string `json:"apartment" validate:"max=32"`
	AddressExtra    string `json:"address_extra" validate:"max=255"`
	SlotStart       string `json:"slot_start" validate:"required"`
	OperatorComment string `json:"operator_comment" validate:"max=1000"`
}

func (req createAppointmentRequest) toNew(slot time.Time, createdBy int64) model.NewAppointment {
	return model.NewAppointment{
		ServiceID:       req.ServiceID,
		FullName:        req.FullName,
		AccountNumber:   req.AccountNumber,
		Phone:           req.Phone,
		Street:          req.Street,
		House:           req.House,
		Apartment:       req.Apartment,
		AddressExtra:    req.AddressExtra,
		SlotStart:       slot,
		OperatorComment: req.OperatorComment,
		CreatedBy:       createdBy,
	}
}

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
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

	appt, err := h.engine.CreateAppointment(r.Context(), req.toNew(slot, h.identity(r).UserID))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentItem(appt, h.loc))
}

type cancelRequest struct {
	AppointmentID int64  `json:"appointment_id" validate:"gt=0"`
	Reason        string `json:"reason" validate:"required,max=1000"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req cancelRequest
	if !decodeValid(w, r, &req) {
		return
	}

	appt, err := h.engine.Cancel(r.Context(), req.AppointmentID, h.identity(r).UserID, req.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentItem(appt, h.loc))
}

// ListAppointments serves both the operator day list and the field lists
// (filter=new|mine|<status>).
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	day, err := parseDay(r.URL.Query().Get("date"), h.loc, h.now())
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}

	appts, err := h.engine.ListAppointments(r.Context(), lifecycle.ListQuery{
		Day:    day,
		Filter: strings.TrimSpace(r.URL.Query().Get("filter")),
		UserID: h.identity(r).UserID,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":         day.Format(dateLayout),
		"appointments": toAppointmentItems(appts, h.loc),
	})
}

func (h *Handler) Card(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id, ok := queryID(w, r, "id")
	if !ok {
		return
	}
	card, err := h.engine.Card(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toCardResponse(card, h.loc))
}
