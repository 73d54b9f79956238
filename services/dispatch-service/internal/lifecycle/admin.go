package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/calendar"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/capacity"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/history"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

// maxPINBytes is the bcrypt input limit.
const maxPINBytes = 72

type SettingsUpdate struct {
	SlotMinutes     int
	DefaultCapacity int
	// PIN replaces the extra-appointment PIN when non-blank.
	PIN string
}

func (e *Engine) Settings(ctx context.Context) (model.Settings, error) {
	var s model.Settings
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		s, err = tx.Settings(ctx)
		return err
	})
	return s, err
}

func (e *Engine) UpdateSettings(ctx context.Context, adminID int64, u SettingsUpdate) (model.Settings, error) {
	if u.SlotMinutes <= 0 || u.SlotMinutes > 240 {
		return model.Settings{}, fmt.Errorf("%w: slot_minutes must be between 1 and 240", ErrInvalidInput)
	}
	if u.DefaultCapacity < 0 {
		return model.Settings{}, fmt.Errorf("%w: default_capacity must not be negative", ErrInvalidInput)
	}
	pin := strings.TrimSpace(u.PIN)
	if len(pin) > maxPINBytes {
		return model.Settings{}, fmt.Errorf("%w: pin is longer than %d bytes", ErrInvalidInput, maxPINBytes)
	}
	var pinHash string
	if pin != "" {
		raw, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
		if err != nil {
			return model.Settings{}, fmt.Errorf("hash pin: %w", err)
		}
		pinHash = string(raw)
	}

	var out model.Settings
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		s, err := tx.Settings(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		s.SlotMinutes = u.SlotMinutes
		s.DefaultCapacity = u.DefaultCapacity
		if pinHash != "" {
			s.FieldExtraPINHash = pinHash
		}
		s.UpdatedAt = e.now()
		if err := tx.SaveSettings(ctx, s); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
		details := fmt.Sprintf("slot_minutes=%d,default_capacity=%d,pin_changed=%t", s.SlotMinutes, s.DefaultCapacity, pinHash != "")
		if err := e.recorder.AddAudit(ctx, tx, userRef(adminID), history.EventSettings, history.EntitySettings, "1", details); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return model.Settings{}, err
	}
	e.logger.Info("settings updated", "admin_id", adminID, "slot_minutes", out.SlotMinutes, "default_capacity", out.DefaultCapacity)
	return out, nil
}

type DaySettingUpdate struct {
	Day               time.Time
	SelfAssignEnabled bool
	// DayCapacityOverride nil or 0 falls through to the global default.
	DayCapacityOverride *int
}

func (e *Engine) SetDaySetting(ctx context.Context, adminID int64, u DaySettingUpdate) (model.DaySetting, error) {
	if u.Day.IsZero() {
		return model.DaySetting{}, fmt.Errorf("%w: day is required", ErrInvalidInput)
	}
	if u.DayCapacityOverride != nil && *u.DayCapacityOverride < 0 {
		return model.DaySetting{}, fmt.Errorf("%w: day capacity must not be negative", ErrInvalidInput)
	}
	ds := model.DaySetting{
		Date:                calendar.DateOf(u.Day),
		SelfAssignEnabled:   u.SelfAssignEnabled,
		DayCapacityOverride: u.DayCapacityOverride,
	}
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.UpsertDaySetting(ctx, ds); err != nil {
			return fmt.Errorf("save day setting: %w", err)
		}
		override := "none"
		if ds.DayCapacityOverride != nil {
			override = fmt.Sprint(*ds.DayCapacityOverride)
		}
		return e.recorder.AddAudit(ctx, tx, userRef(adminID), history.EventDaySettings, history.EntityDay,
			ds.Date.Format(time.DateOnly), fmt.Sprintf("self_assign=%t,day_capacity=%s", ds.SelfAssignEnabled, override))
	})
	if err != nil {
		return model.DaySetting{}, err
	}
	return ds, nil
}

// SetSlotCapacity pins the capacity of one slot, overriding day and default.
func (e *Engine) SetSlotCapacity(ctx context.Context, adminID int64, slotStart time.Time, limit int) (model.SlotCapacity, error) {
	if slotStart.IsZero() {
		return model.SlotCapacity{}, fmt.Errorf("%w: slot_start is required", ErrInvalidInput)
	}
	if limit < 0 {
		return model.SlotCapacity{}, fmt.Errorf("%w: capacity must not be negative", ErrInvalidInput)
	}
	sc := model.SlotCapacity{
		Date:      calendar.DateOf(slotStart.In(e.loc)),
		SlotStart: slotStart.UTC(),
		Capacity:  limit,
	}
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		s, err := tx.Settings(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		if !e.onGrid(slotStart, s.SlotMinutes) {
			return fmt.Errorf("%w: %s is not a slot start", ErrInvalidInput, formatSlot(slotStart, e.loc))
		}
		if err := tx.UpsertSlotCapacity(ctx, sc); err != nil {
			return fmt.Errorf("save slot capacity: %w", err)
		}
		return e.recorder.AddAudit(ctx, tx, userRef(adminID), history.EventSlotCapacity, history.EntitySlot,
			sc.SlotStart.Format(time.RFC3339), fmt.Sprintf("capacity=%d", limit))
	})
	if err != nil {
		return model.SlotCapacity{}, err
	}
	return sc, nil
}

// SlotConfig is one slot of the admin day view.
type SlotConfig struct {
	Start     time.Time
	Override  *int
	Effective int
	Tier      capacity.Tier
}

type DayConfig struct {
	Day        time.Time
	Settings   model.Settings
	DaySetting *model.DaySetting
	Slots      []SlotConfig
}

// DaySettings is the admin view of one day: settings, the day row if any, and
// every slot with its explicit override and effective capacity.
func (e *Engine) DaySettings(ctx context.Context, day time.Time) (DayConfig, error) {
	local := e.localDay(day)
	out := DayConfig{Day: local}
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		s, err := tx.Settings(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		out.Settings = s
		ds, ok, err := tx.DaySetting(ctx, calendar.DateOf(local))
		if err != nil {
			return fmt.Errorf("load day setting: %w", err)
		}
		if ok {
			out.DaySetting = &ds
		}
		caps, err := tx.SlotCapacities(ctx, calendar.DateOf(local))
		if err != nil {
			return fmt.Errorf("load slot capacities: %w", err)
		}
		overrides := make(map[int64]int, len(caps))
		for _, c := range caps {
			overrides[c.SlotStart.Unix()] = c.Capacity
		}
		for _, slot := range calendar.DaySlots(local, s.SlotMinutes) {
			limit, tier, err := e.resolver.Explain(ctx, tx, local, slot)
			if err != nil {
				return err
			}
			sc := SlotConfig{Start: slot, Effective: limit, Tier: tier}
			if v, ok := overrides[slot.Unix()]; ok {
				sc.Override = &v
			}
			out.Slots = append(out.Slots, sc)
		}
		return nil
	})
	if err != nil {
		return DayConfig{}, err
	}
	return out, nil
}

// RecentAudit returns the newest audit rows. limit outside 1..200 means 50.
func (e *Engine) RecentAudit(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []model.AuditEvent
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.RecentAudit(ctx, limit)
		return err
	})
	return out, err
}
