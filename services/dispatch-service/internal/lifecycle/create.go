package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/calendar"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/history"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/outbox"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/bcrypt"
)

func validateNew(in model.NewAppointment) error {
	switch {
	case strings.TrimSpace(in.FullName) == "":
		return fmt.Errorf("%w: full_name is required", ErrInvalidInput)
	case in.SlotStart.IsZero():
		return fmt.Errorf("%w: slot_start is required", ErrInvalidInput)
	case in.CreatedBy <= 0:
		return fmt.Errorf("%w: created_by is required", ErrInvalidInput)
	}
	return nil
}

// CreateAppointment books in.SlotStart if the slot still has room. The slot lock
// is held from the occupancy read through the insert, so concurrent creates
// never push a slot past its capacity.
func (e *Engine) CreateAppointment(ctx context.Context, in model.NewAppointment) (model.Appointment, error) {
	in.IsExtra = false
	return e.create(ctx, in, nil)
}

// CreateExtraAppointment books an out-of-plan visit for a technician holding a
// live PIN grant. Capacity is enforced exactly as for CreateAppointment.
func (e *Engine) CreateExtraAppointment(ctx context.Context, in model.NewAppointment) (model.Appointment, error) {
	if err := validateNew(in); err != nil {
		return model.Appointment{}, err
	}
	ok, err := e.grants.Active(ctx, in.CreatedBy)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("check pin grant: %w", err)
	}
	if !ok {
		return model.Appointment{}, ErrPINRequired
	}
	in.IsExtra = true
	return e.create(ctx, in, func(ctx context.Context, tx storage.Tx, a model.Appointment) error {
		return e.recorder.Both(ctx, tx, a.ID, userRef(in.CreatedBy), history.EventExtraCreate,
			"extra appointment created in the field", "field extra")
	})
}

func (e *Engine) create(ctx context.Context, in model.NewAppointment, after func(context.Context, storage.Tx, model.Appointment) error) (model.Appointment, error) {
	if err := validateNew(in); err != nil {
		return model.Appointment{}, err
	}
	ctx, span := e.tracer.Start(ctx, "lifecycle.CreateAppointment")
	defer span.End()
	span.SetAttributes(
		attribute.String("slot_start", in.SlotStart.UTC().Format(time.RFC3339)),
		attribute.Bool("is_extra", in.IsExtra),
	)

	var created model.Appointment
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		settings, err := tx.Settings(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		if !e.onGrid(in.SlotStart, settings.SlotMinutes) {
			return fmt.Errorf("%w: %s is not a slot start", ErrInvalidInput, formatSlot(in.SlotStart, e.loc))
		}
		slotStart := in.SlotStart.UTC()

		if err := tx.LockSlot(ctx, slotStart); err != nil {
			return fmt.Errorf("lock slot: %w", err)
		}
		limit, err := e.resolver.CapacityForSlot(ctx, tx, e.localDay(slotStart), slotStart)
		if err != nil {
			return err
		}
		used, err := tx.CountOccupying(ctx, slotStart, 0)
		if err != nil {
			return fmt.Errorf("count slot: %w", err)
		}
		if used >= limit {
			return fmt.Errorf("%w: %s has %d of %d", ErrSlotFull, formatSlot(slotStart, e.loc), used, limit)
		}

		now := e.now()
		a := model.Appointment{
			ServiceID:       in.ServiceID,
			Status:          model.StatusNew,
			FullName:        strings.TrimSpace(in.FullName),
			AccountNumber:   strings.TrimSpace(in.AccountNumber),
			Phone:           strings.TrimSpace(in.Phone),
			Street:          strings.TrimSpace(in.Street),
			House:           strings.TrimSpace(in.House),
			Apartment:       strings.TrimSpace(in.Apartment),
			AddressExtra:    strings.TrimSpace(in.AddressExtra),
			SlotStart:       slotStart,
			SlotEnd:         calendar.SlotEnd(slotStart, settings.SlotMinutes),
			OperatorComment: strings.TrimSpace(in.OperatorComment),
			CreatedBy:       in.CreatedBy,
			IsExtra:         in.IsExtra,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		a.ID, err = tx.InsertAppointment(ctx, a)
		if err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}

		actor := userRef(in.CreatedBy)
		if err := e.recorder.Both(ctx, tx, a.ID, actor, history.EventCreate,
			"appointment created for slot "+formatSlot(slotStart, e.loc),
			fmt.Sprintf("slot=%s,end=%s", slotStart.Format(time.RFC3339), a.SlotEnd.Format(time.RFC3339))); err != nil {
			return err
		}
		if after != nil {
			if err := after(ctx, tx, a); err != nil {
				return err
			}
		}
		if err := e.emit(ctx, tx, outbox.EventCreated, a, "", actor, ""); err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.Appointment{}, err
	}
	span.SetAttributes(attribute.Int64("appointment_id", created.ID))
	e.logger.Info("appointment created", "appointment_id", created.ID, "slot_start", created.SlotStart, "is_extra", created.IsExtra)
	return created, nil
}

// VerifyExtraPIN checks pin against the configured hash and, on success, opens
// the technician's extra-appointment window.
func (e *Engine) VerifyExtraPIN(ctx context.Context, userID int64, pin string) (time.Time, error) {
	if strings.TrimSpace(pin) == "" {
		return time.Time{}, fmt.Errorf("%w: pin is required", ErrInvalidInput)
	}
	var hash string
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		s, err := tx.Settings(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		hash = s.FieldExtraPINHash
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) != nil {
		e.logger.Info("extra pin rejected", "user_id", userID)
		return time.Time{}, fmt.Errorf("%w: wrong pin", ErrInvalidInput)
	}
	exp, err := e.grants.Grant(ctx, userID, e.pinTTL)
	if err != nil {
		return time.Time{}, fmt.Errorf("grant pin window: %w", err)
	}
	return exp, nil
}
