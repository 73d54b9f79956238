package history

import (
	"context"
	"fmt"
	"time"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
)

// Event types shared by history and audit rows.
const (
	EventCreate             = "create"
	EventExtraCreate        = "extra_create"
	EventAccept             = "accept"
	EventAssign             = "assign"
	EventMassAssign         = "mass_assign"
	EventStatus             = "status"
	EventResult             = "result"
	EventCancel             = "cancel"
	EventRescheduleRequest  = "reschedule_request"
	EventRescheduleApproved = "reschedule_approved"
	EventRescheduleRejected = "reschedule_rejected"
	EventSettings           = "settings"
	EventDaySettings        = "day_settings"
	EventSlotCapacity       = "slot_capacity"
)

// Entity types for audit rows.
const (
	EntityAppointment = "appointment"
	EntitySettings    = "settings"
	EntityDay         = "day"
	EntitySlot        = "slot"
)

// Writer is the append side of a storage transaction.
type Writer interface {
	InsertHistory(ctx context.Context, h model.HistoryEntry) error
	InsertAudit(ctx context.Context, e model.AuditEvent) error
}

// Recorder appends history and audit rows stamped with its clock. It has no
// update or delete.
type Recorder struct {
	now func() time.Time
}

func NewRecorder(now func() time.Time) Recorder {
	if now == nil {
		now = time.Now
	}
	return Recorder{now: now}
}

func (r Recorder) AddHistory(ctx context.Context, w Writer, appointmentID int64, userID *int64, eventType, description string) error {
	err := w.InsertHistory(ctx, model.HistoryEntry{
		AppointmentID: appointmentID,
		UserID:        userID,
		EventType:     eventType,
		Description:   description,
		CreatedAt:     r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("add history %s: %w", eventType, err)
	}
	return nil
}

func (r Recorder) AddAudit(ctx context.Context, w Writer, userID *int64, eventType, entityType, entityID, details string) error {
	err := w.InsertAudit(ctx, model.AuditEvent{
		UserID:     userID,
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		CreatedAt:  r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("add audit %s: %w", eventType, err)
	}
	return nil
}

// Both writes the usual pair for an appointment event.
func (r Recorder) Both(ctx context.Context, w Writer, appointmentID int64, userID *int64, eventType, description, details string) error {
	if err := r.AddHistory(ctx, w, appointmentID, userID, eventType, description); err != nil {
		return err
	}
	return r.AddAudit(ctx, w, userID, eventType, EntityAppointment, fmt.Sprint(appointmentID), details)
}
