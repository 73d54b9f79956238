package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/calendar"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/history"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/outbox"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/storage"
)

// RequestReschedule parks the appointment in reschedule_pending and opens a
// pending request that remembers the status it came from.
func (e *Engine) RequestReschedule(ctx context.Context, appointmentID, userID int64, reason string) (model.RescheduleRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.RescheduleRequest{}, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}

	var out model.RescheduleRequest
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.Appointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !CanTransition(a.Status, model.StatusReschedulePending) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, model.StatusReschedulePending)
		}
		now := e.now()
		ok, err := tx.UpdateStatus(ctx, storage.StatusChange{ID: a.ID, From: a.Status, To: model.StatusReschedulePending, At: now})
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: appointment %d changed concurrently", ErrInvalidTransition, a.ID)
		}

		req := model.RescheduleRequest{
			AppointmentID:  a.ID,
			RequestedBy:    userID,
			Reason:         reason,
			Status:         model.ReschedulePending,
			PreviousStatus: a.Status,
			CreatedAt:      now,
		}
		req.ID, err = tx.InsertRescheduleRequest(ctx, req)
		if err != nil {
			return fmt.Errorf("insert reschedule request: %w", err)
		}

		prev := a.Status
		a.Status = model.StatusReschedulePending
		actor := userRef(userID)
		if err := e.recorder.Both(ctx, tx, a.ID, actor, history.EventRescheduleRequest, reason, reason); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, outbox.EventRescheduleRequest, a, prev, actor, reason); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return model.RescheduleRequest{}, err
	}
	return out, nil
}

// pendingRequest loads a request that is still pending together with its
// appointment, which must be in reschedule_pending.
func pendingRequest(ctx context.Context, tx storage.Tx, requestID int64) (model.RescheduleRequest, model.Appointment, error) {
	req, err := tx.RescheduleRequest(ctx, requestID)
	if err != nil {
		return model.RescheduleRequest{}, model.Appointment{}, err
	}
	if req.Status != model.ReschedulePending {
		return model.RescheduleRequest{}, model.Appointment{}, fmt.Errorf("%w: request %d is %s", ErrInvalidTransition, req.ID, req.Status)
	}
	a, err := tx.Appointment(ctx, req.AppointmentID)
	if err != nil {
		return model.RescheduleRequest{}, model.Appointment{}, err
	}
	if a.Status != model.StatusReschedulePending {
		return model.RescheduleRequest{}, model.Appointment{}, fmt.Errorf("%w: appointment %d is %s", ErrInvalidTransition, a.ID, a.Status)
	}
	return req, a, nil
}

// ApproveReschedule moves the appointment to newSlotStart under the same slot
// lock and capacity guard as CreateAppointment. The appointment itself does not
// count against the destination. It comes back as new and unassigned.
func (e *Engine) ApproveReschedule(ctx context.Context, requestID, adminID int64, newSlotStart time.Time) (model.Appointment, error) {
	if newSlotStart.IsZero() {
		return model.Appointment{}, fmt.Errorf("%w: new slot is required", ErrInvalidInput)
	}
	ctx, span := e.tracer.Start(ctx, "lifecycle.ApproveReschedule")
	defer span.End()

	var out model.Appointment
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		req, a, err := pendingRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		settings, err := tx.Settings(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		if !e.onGrid(newSlotStart, settings.SlotMinutes) {
			return fmt.Errorf("%w: %s is not a slot start", ErrInvalidInput, formatSlot(newSlotStart, e.loc))
		}
		slotStart := newSlotStart.UTC()

		if err := tx.LockSlot(ctx, slotStart); err != nil {
			return fmt.Errorf("lock slot: %w", err)
		}
		limit, err := e.resolver.CapacityForSlot(ctx, tx, e.localDay(slotStart), slotStart)
		if err != nil {
			return err
		}
		used, err := tx.CountOccupying(ctx, slotStart, a.ID)
		if err != nil {
			return fmt.Errorf("count slot: %w", err)
		}
		if used >= limit {
			return fmt.Errorf("%w: %s has %d of %d", ErrSlotFull, formatSlot(slotStart, e.loc), used, limit)
		}

		now := e.now()
		slotEnd := calendar.SlotEnd(slotStart, settings.SlotMinutes)
		ok, err := tx.MoveAppointment(ctx, a.ID, model.StatusReschedulePending, slotStart, slotEnd, now)
		if err != nil {
			return fmt.Errorf("move appointment: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: appointment %d changed concurrently", ErrInvalidTransition, a.ID)
		}
		ok, err = tx.ResolveRescheduleRequest(ctx, req.ID, model.RescheduleApproved, adminID, now)
		if err != nil {
			return fmt.Errorf("resolve request: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: request %d resolved concurrently", ErrInvalidTransition, req.ID)
		}

		a.Status = model.StatusNew
		a.SlotStart = slotStart
		a.SlotEnd = slotEnd
		a.AssignedTo = nil
		a.UpdatedAt = now
		actor := userRef(adminID)
		if err := e.recorder.AddHistory(ctx, tx, a.ID, actor, history.EventRescheduleApproved, "new slot "+formatSlot(slotStart, e.loc)); err != nil {
			return err
		}
		if err := e.recorder.AddAudit(ctx, tx, actor, history.EventRescheduleApproved, history.EntityAppointment, strconv.FormatInt(a.ID, 10), slotStart.Format(time.RFC3339)); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, outbox.EventRescheduled, a, model.StatusReschedulePending, actor, req.Reason); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return model.Appointment{}, err
	}
	e.logger.Info("reschedule approved", "request_id", requestID, "appointment_id", out.ID, "slot_start", out.SlotStart)
	return out, nil
}

// RejectReschedule returns the appointment to the status it had before the
// request. Its slot and assignee are untouched.
func (e *Engine) RejectReschedule(ctx context.Context, requestID, adminID int64) (model.Appointment, error) {
	var out model.Appointment
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		req, a, err := pendingRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		restore := req.PreviousStatus
		if !restorable[restore] {
			return fmt.Errorf("%w: cannot restore %s", ErrInvalidTransition, restore)
		}
		now := e.now()
		ok, err := tx.UpdateStatus(ctx, storage.StatusChange{ID: a.ID, From: model.StatusReschedulePending, To: restore, At: now})
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: appointment %d changed concurrently", ErrInvalidTransition, a.ID)
		}
		ok, err = tx.ResolveRescheduleRequest(ctx, req.ID, model.RescheduleRejected, adminID, now)
		if err != nil {
			return fmt.Errorf("resolve request: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: request %d resolved concurrently", ErrInvalidTransition, req.ID)
		}

		a.Status = restore
		a.UpdatedAt = now
		actor := userRef(adminID)
		if err := e.recorder.Both(ctx, tx, a.ID, actor, history.EventRescheduleRejected, "reschedule rejected", string(restore)); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, outbox.EventRescheduleRejected, a, model.StatusReschedulePending, actor, req.Reason); err != nil {
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

func (e *Engine) PendingReschedules(ctx context.Context) ([]model.RescheduleRequest, error) {
	var out []model.RescheduleRequest
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.PendingRescheduleRequests(ctx)
		return err
	})
	return out, err
}
