package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/calendar"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
)

// Source is the read side the resolver needs. A storage transaction satisfies it,
// so every lookup sees the same snapshot as the write that follows.
type Source interface {
	Settings(ctx context.Context) (model.Settings, error)
	DaySetting(ctx context.Context, date time.Time) (model.DaySetting, bool, error)
	SlotCapacity(ctx context.Context, date, slotStart time.Time) (int, bool, error)
}

// Tier names which level of the override chain produced a capacity.
type Tier string

const (
	TierSlot    Tier = "slot"
	TierDay     Tier = "day"
	TierDefault Tier = "default"
)

type Resolver struct{}

func NewResolver() Resolver {
	return Resolver{}
}

// CapacityForSlot resolves the effective capacity of slotStart on day. The first
// match wins: an exact slot row, then a non-zero day override, then the global default.
func (Resolver) CapacityForSlot(ctx context.Context, src Source, day, slotStart time.Time) (int, error) {
	c, _, err := resolve(ctx, src, day, slotStart)
	return c, err
}

// Explain is CapacityForSlot plus the tier that produced the value.
func (Resolver) Explain(ctx context.Context, src Source, day, slotStart time.Time) (int, Tier, error) {
	return resolve(ctx, src, day, slotStart)
}

func resolve(ctx context.Context, src Source, day, slotStart time.Time) (int, Tier, error) {
	date := calendar.DateOf(day)

	c, ok, err := src.SlotCapacity(ctx, date, slotStart)
	if err != nil {
		return 0, "", fmt.Errorf("slot capacity: %w", err)
	}
	if ok {
		return c, TierSlot, nil
	}

	ds, ok, err := src.DaySetting(ctx, date)
	if err != nil {
		return 0, "", fmt.Errorf("day setting: %w", err)
	}
	if ok && ds.DayCapacityOverride != nil && *ds.DayCapacityOverride != 0 {
		return *ds.DayCapacityOverride, TierDay, nil
	}

	s, err := src.Settings(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("settings: %w", err)
	}
	return s.DefaultCapacity, TierDefault, nil
}
