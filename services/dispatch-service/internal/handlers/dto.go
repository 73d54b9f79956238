package handlers

import (
	"time"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/lifecycle"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
)

type appointmentItem struct {
	ID              int64  `json:"id"`
	ServiceID       int64  `json:"service_id"`
	Status          string `json:"status"`
	FullName        string `json:"full_name"`
	AccountNumber   string `json:"account_number"`
	Phone           string `json:"phone"`
	Street          string `json:"street"`
	House           string `json:"house"`
	Apartment       string `json:"apartment"`
	AddressExtra    string `json:"address_extra,omitempty"`
	SlotStart       string `json:"slot_start"`
	SlotEnd         string `json:"slot_end"`
	OperatorComment string `json:"operator_comment,omitempty"`
	FieldNotes      string `json:"field_notes,omitempty"`
	AssignedTo      *int64 `json:"assigned_to,omitempty"`
	CreatedBy       int64  `json:"created_by"`
	CancelledReason string `json:"cancelled_reason,omitempty"`
	IsExtra         bool   `json:"is_extra"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toAppointmentItem(a model.Appointment, loc *time.Location) appointmentItem {
	return appointmentItem{
		ID:              a.ID,
		ServiceID:       a.ServiceID,
		Status:          string(a.Status),
		FullName:        a.FullName,
		AccountNumber:   a.AccountNumber,
		Phone:           a.Phone,
		Street:          a.Street,
		House:           a.House,
		Apartment:       a.Apartment,
		AddressExtra:    a.AddressExtra,
		SlotStart:       a.SlotStart.In(loc).Format(time.RFC3339),
		SlotEnd:         a.SlotEnd.In(loc).Format(time.RFC3339),
		OperatorComment: a.OperatorComment,
		FieldNotes:      a.FieldNotes,
		AssignedTo:      a.AssignedTo,
		CreatedBy:       a.CreatedBy,
		CancelledReason: a.CancelledReason,
		IsExtra:         a.IsExtra,
		CreatedAt:       a.CreatedAt.In(loc).Format(time.RFC3339),
		UpdatedAt:       a.UpdatedAt.In(loc).Format(time.RFC3339),
	}
}

func toAppointmentItems(in []model.Appointment, loc *time.Location) []appointmentItem {
	out := make([]appointmentItem, 0, len(in))
	for _, a := range in {
		out = append(out, toAppointmentItem(a, loc))
	}
	return out
}

type historyItem struct {
	ID          int64  `json:"id"`
	UserID      *int64 `json:"user_id,omitempty"`
	EventType   string `json:"event_type"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

type meterItem struct {
	MeterNumber              string `json:"meter_number"`
	MeterModel               string `json:"meter_model,omitempty"`
	PassportVerificationDate string `json:"passport_verification_date,omitempty"`
	VerificationInterval     string `json:"verification_interval,omitempty"`
}

type sealItem struct {
	SealNumber string `json:"seal_number"`
}

type cardResponse struct {
	Appointment appointmentItem `json:"appointment"`
	History     []historyItem   `json:"history"`
	Meters      []meterItem     `json:"meters"`
	Seals       []sealItem      `json:"seals"`
}

func toCardResponse(c lifecycle.Card, loc *time.Location) cardResponse {
	resp := cardResponse{
		Appointment: toAppointmentItem(c.Appointment, loc),
		History:     make([]historyItem, 0, len(c.History)),
		Meters:      make([]meterItem, 0, len(c.Meters)),
		Seals:       make([]sealItem, 0, len(c.Seals)),
	}
	for _, h := range c.History {
		resp.History = append(resp.History, historyItem{
			ID:          h.ID,
			UserID:      h.UserID,
			EventType:   h.EventType,
			Description: h.Description,
			CreatedAt:   h.CreatedAt.In(loc).Format(time.RFC3339),
		})
	}
	for _, m := range c.Meters {
		resp.Meters = append(resp.Meters, meterItem{
			MeterNumber:              m.MeterNumber,
			MeterModel:               m.MeterModel,
			PassportVerificationDate: m.PassportVerificationDate,
			VerificationInterval:     m.VerificationInterval,
		})
	}
	for _, s := range c.Seals {
		resp.Seals = append(resp.Seals, sealItem{SealNumber: s.SealNumber})
	}
	return resp
}

type rescheduleItem struct {
	ID             int64  `json:"id"`
	AppointmentID  int64  `json:"appointment_id"`
	RequestedBy    int64  `json:"requested_by"`
	Reason         string `json:"reason"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status"`
	CreatedAt      string `json:"created_at"`
}

func toRescheduleItem(r model.RescheduleRequest, loc *time.Location) rescheduleItem {
	return rescheduleItem{
		ID:             r.ID,
		AppointmentID:  r.AppointmentID,
		RequestedBy:    r.RequestedBy,
		Reason:         r.Reason,
		Status:         string(r.Status),
		PreviousStatus: string(r.PreviousStatus),
		CreatedAt:      r.CreatedAt.In(loc).Format(time.RFC3339),
	}
}

type settingsItem struct {
	SlotMinutes     int    `json:"slot_minutes"`
	DefaultCapacity int    `json:"default_capacity"`
	PINConfigured   bool   `json:"pin_configured"`
	UpdatedAt       string `json:"updated_at,omitempty"`
}

func toSettingsItem(s model.Settings, loc *time.Location) settingsItem {
	item := settingsItem{
		SlotMinutes:     s.SlotMinutes,
		DefaultCapacity: s.DefaultCapacity,
		PINConfigured:   s.FieldExtraPINHash != "",
	}
	if !s.UpdatedAt.IsZero() {
		item.UpdatedAt = s.UpdatedAt.In(loc).Format(time.RFC3339)
	}
	return item
}
