package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/calendar"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/history"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/outbox"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

// AcceptSelfAssign lets a technician claim an unassigned new appointment on a
// day open for self-assignment. It reports false, not an error, when the day is
// closed or someone else got there first.
func (e *Engine) AcceptSelfAssign(ctx context.Context, appointmentID, fieldUserID int64) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "lifecycle.AcceptSelfAssign")
	defer span.End()
	span.SetAttributes(attribute.Int64("appointment_id", appointmentID), attribute.Int64("user_id", fieldUserID))

	var claimed bool
	var reason string
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.Appointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		ds, ok, err := tx.DaySetting(ctx, calendar.DateOf(a.SlotStart.In(e.loc)))
		if err != nil {
			return fmt.Errorf("load day setting: %w", err)
		}
		if !ok || !ds.SelfAssignEnabled {
			reason = "self-assign disabled"
			return nil
		}

		claimed, err = tx.ClaimUnassigned(ctx, appointmentID, fieldUserID, e.now())
		if err != nil {
			return fmt.Errorf("claim appointment: %w", err)
		}
		if !claimed {
			reason = "already claimed or not new"
			return nil
		}

		prev := a.Status
		a.Status = model.StatusAccepted
		a.AssignedTo = userRef(fieldUserID)
		actor := userRef(fieldUserID)
		if err := e.recorder.Both(ctx, tx, a.ID, actor, history.EventAccept, "accepted by field technician", "self-assign accepted"); err != nil {
			return err
		}
		return e.emit(ctx, tx, outbox.EventAccepted, a, prev, actor, "")
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("claimed", claimed))
	if !claimed {
		e.logger.Info("appointment cannot be accepted", "appointment_id", appointmentID, "user_id", fieldUserID, "reason", reason)
	}
	return claimed, nil
}

// AssignMany assigns every listed appointment to fieldUserID. Each must be new
// or accepted; one failure rolls back the whole batch.
func (e *Engine) AssignMany(ctx context.Context, ids []int64, fieldUserID, adminID int64) (int, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no appointments selected", ErrInvalidInput)
	}
	if fieldUserID <= 0 {
		return 0, fmt.Errorf("%w: field user is required", ErrInvalidInput)
	}

	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		actor := userRef(adminID)
		for _, id := range ids {
			a, err := tx.Appointment(ctx, id)
			if err != nil {
				return err
			}
			if a.Status != model.StatusNew && a.Status != model.StatusAccepted {
				return fmt.Errorf("%w: appointment %d is %s", ErrInvalidTransition, id, a.Status)
			}
			ok, err := tx.UpdateStatus(ctx, storage.StatusChange{
				ID:         id,
				From:       a.Status,
				To:         model.StatusAccepted,
				AssignedTo: userRef(fieldUserID),
				At:         e.now(),
			})
			if err != nil {
				return fmt.Errorf("assign appointment %d: %w", id, err)
			}
			if !ok {
				return fmt.Errorf("%w: appointment %d changed concurrently", ErrInvalidTransition, id)
			}

			prev := a.Status
			a.Status = model.StatusAccepted
			a.AssignedTo = userRef(fieldUserID)
			if err := e.recorder.AddHistory(ctx, tx, id, actor, history.EventAssign, fmt.Sprintf("assigned to user %d", fieldUserID)); err != nil {
				return err
			}
			if err := e.emit(ctx, tx, outbox.EventAssigned, a, prev, actor, ""); err != nil {
				return err
			}
		}
		return e.recorder.AddAudit(ctx, tx, actor, history.EventMassAssign, history.EntityAppointment, joinIDs(ids), fmt.Sprintf("field=%d", fieldUserID))
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("appointments assigned", "count", len(ids), "field_user_id", fieldUserID, "admin_id", adminID)
	return len(ids), nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, id := range ids {
		if id > 0 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}
