package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/history"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/outbox"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/storage"
)

// Cancel moves a new or accepted appointment to cancelled. The freed place is
// visible to the next create through the occupancy count.
func (e *Engine) Cancel(ctx context.Context, appointmentID, userID int64, reason string) (model.Appointment, error) {
	reason = strings.TrimSpace(reason)
	var out model.Appointment
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.Appointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if a.Status != model.StatusNew && a.Status != model.StatusAccepted {
			return fmt.Errorf("%w: cannot cancel %s appointment", ErrInvalidTransition, a.Status)
		}
		ok, err := tx.UpdateStatus(ctx, storage.StatusChange{
			ID:              a.ID,
			From:            a.Status,
			To:              model.StatusCancelled,
			CancelledReason: &reason,
			At:              e.now(),
		})
		if err != nil {
			return fmt.Errorf("cancel appointment: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: appointment %d changed concurrently", ErrInvalidTransition, a.ID)
		}

		prev := a.Status
		a.Status = model.StatusCancelled
		a.CancelledReason = reason
		actor := userRef(userID)
		if err := e.recorder.Both(ctx, tx, a.ID, actor, history.EventCancel, "cancelled: "+reason, reason); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, outbox.EventCancelled, a, prev, actor, reason); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return model.Appointment{}, err
	}
	e.logger.Info("appointment cancelled", "appointment_id", appointmentID, "user_id", userID)
	return out, nil
}

// ChangeStatus records a field-driven stage (in_progress, completed,
// not_completed) through the transition table. Only the assignee may move the
// appointment. Non-empty notes replace the stored field notes.
func (e *Engine) ChangeStatus(ctx context.Context, appointmentID, userID int64, to model.Status, notes string) (model.Appointment, error) {
	return e.changeStatus(ctx, appointmentID, userID, to, notes, true)
}

// ChangeStatusAsAdmin is ChangeStatus without the assignee check.
func (e *Engine) ChangeStatusAsAdmin(ctx context.Context, appointmentID, adminID int64, to model.Status, notes string) (model.Appointment, error) {
	return e.changeStatus(ctx, appointmentID, adminID, to, notes, false)
}

func (e *Engine) changeStatus(ctx context.Context, appointmentID, userID int64, to model.Status, notes string, assigneeOnly bool) (model.Appointment, error) {
	if !fieldStatuses[to] {
		return model.Appointment{}, fmt.Errorf("%w: status %q cannot be set directly", ErrInvalidInput, to)
	}
	notes = strings.TrimSpace(notes)

	var out model.Appointment
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.Appointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !CanTransition(a.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
		}
		if assigneeOnly && (a.AssignedTo == nil || *a.AssignedTo != userID) {
			return fmt.Errorf("%w: appointment %d", ErrNotAssignee, a.ID)
		}
		change := storage.StatusChange{ID: a.ID, From: a.Status, To: to, At: e.now()}
		if notes != "" {
			change.FieldNotes = &notes
		}
		ok, err := tx.UpdateStatus(ctx, change)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: appointment %d changed concurrently", ErrInvalidTransition, a.ID)
		}

		prev := a.Status
		a.Status = to
		if notes != "" {
			a.FieldNotes = notes
		}
		actor := userRef(userID)
		if err := e.recorder.Both(ctx, tx, a.ID, actor, history.EventStatus, "status: "+string(to), string(to)); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, outbox.EventStatusChanged, a, prev, actor, ""); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return model.Appointment{}, err
	}
	return out, nil
}

// RecordResult attaches meters and seals found on the visit. Rows with a blank
// number are skipped.
func (e *Engine) RecordResult(ctx context.Context, appointmentID, userID int64, meters []model.Meter, seals []model.Seal) error {
	return e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.Appointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if a.Status == model.StatusCancelled {
			return fmt.Errorf("%w: appointment %d is cancelled", ErrInvalidTransition, a.ID)
		}

		var nm, ns int
		for _, m := range meters {
			if strings.TrimSpace(m.MeterNumber) == "" {
				continue
			}
			m.AppointmentID = a.ID
			m.MeterNumber = strings.TrimSpace(m.MeterNumber)
			if _, err := tx.InsertMeter(ctx, m); err != nil {
				return fmt.Errorf("insert meter: %w", err)
			}
			nm++
		}
		for _, s := range seals {
			if strings.TrimSpace(s.SealNumber) == "" {
				continue
			}
			s.AppointmentID = a.ID
			s.SealNumber = strings.TrimSpace(s.SealNumber)
			if _, err := tx.InsertSeal(ctx, s); err != nil {
				return fmt.Errorf("insert seal: %w", err)
			}
			ns++
		}
		if nm == 0 && ns == 0 {
			return fmt.Errorf("%w: no meters or seals given", ErrInvalidInput)
		}
		return e.recorder.Both(ctx, tx, a.ID, userRef(userID), history.EventResult,
			"visit results added", fmt.Sprintf("meters=%d,seals=%d", nm, ns))
	})
}
