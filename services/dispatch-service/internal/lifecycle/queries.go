package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/calendar"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/storage"
)

// SlotLoad is one slot of the operator schedule.
type SlotLoad struct {
	Start    time.Time
	End      time.Time
	Used     int
	Capacity int
}

// Free is the number of places left, never negative.
func (s SlotLoad) Free() int {
	if s.Used >= s.Capacity {
		return 0
	}
	return s.Capacity - s.Used
}

// Schedule lists every slot of day with its occupancy and effective capacity.
func (e *Engine) Schedule(ctx context.Context, day time.Time) ([]SlotLoad, error) {
	local := e.localDay(day)
	var out []SlotLoad
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		s, err := tx.Settings(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		used, err := tx.OccupancyBetween(ctx, local, local.AddDate(0, 0, 1))
		if err != nil {
			return fmt.Errorf("load occupancy: %w", err)
		}
		for _, slot := range calendar.DaySlots(local, s.SlotMinutes) {
			limit, err := e.resolver.CapacityForSlot(ctx, tx, local, slot)
			if err != nil {
				return err
			}
			out = append(out, SlotLoad{
				Start:    slot,
				End:      calendar.SlotEnd(slot, s.SlotMinutes),
				Used:     used[slot.Unix()],
				Capacity: limit,
			})
		}
		return nil
	})
	return out, err
}

// FieldDays are the days a technician can browse: today, tomorrow, and every
// later day open for self-assignment.
func (e *Engine) FieldDays(ctx context.Context) ([]time.Time, error) {
	today := e.today()
	days := []time.Time{today, today.AddDate(0, 0, 1)}
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		open, err := tx.SelfAssignDays(ctx, calendar.DateOf(today))
		if err != nil {
			return err
		}
		for _, d := range open {
			days = append(days, calendar.InLocation(d, e.loc))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	seen := map[int64]bool{}
	var out []time.Time
	for _, d := range days {
		if !seen[d.Unix()] {
			seen[d.Unix()] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// List filters.
const (
	FilterNew  = "new"
	FilterMine = "mine"
)

type ListQuery struct {
	Day time.Time
	// Filter is "new" (default), "mine", or a status name.
	Filter string
	UserID int64
}

func (e *Engine) ListAppointments(ctx context.Context, q ListQuery) ([]model.Appointment, error) {
	day := q.Day
	if day.IsZero() {
		day = e.clock.Now()
	}
	local := e.localDay(day)
	f := storage.AppointmentFilter{From: local, To: local.AddDate(0, 0, 1)}

	switch q.Filter {
	case "", FilterNew:
		f.Statuses = []model.Status{model.StatusNew}
	case FilterMine:
		f.AssignedTo = userRef(q.UserID)
	default:
		s, ok := model.ParseStatus(q.Filter)
		if !ok {
			return nil, fmt.Errorf("%w: unknown filter %q", ErrInvalidInput, q.Filter)
		}
		f.Statuses = []model.Status{s}
	}

	var out []model.Appointment
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ListAppointments(ctx, f)
		return err
	})
	return out, err
}

// Assignable lists appointments an admin may hand out, in slot order. It holds
// exactly the statuses AssignMany accepts; reschedule_pending waits for a decision.
func (e *Engine) Assignable(ctx context.Context) ([]model.Appointment, error) {
	var out []model.Appointment
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ListAppointments(ctx, storage.AppointmentFilter{
			Statuses: []model.Status{model.StatusNew, model.StatusAccepted},
		})
		return err
	})
	return out, err
}

func (e *Engine) Appointment(ctx context.Context, id int64) (model.Appointment, error) {
	var out model.Appointment
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.Appointment(ctx, id)
		return err
	})
	return out, err
}

// History is the appointment's log, newest first.
func (e *Engine) History(ctx context.Context, id int64) ([]model.HistoryEntry, error) {
	var out []model.HistoryEntry
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.Appointment(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.History(ctx, id)
		return err
	})
	return out, err
}

// Card is everything the appointment screen shows.
type Card struct {
	Appointment model.Appointment
	History     []model.HistoryEntry
	Meters      []model.Meter
	Seals       []model.Seal
}

func (e *Engine) Card(ctx context.Context, id int64) (Card, error) {
	var c Card
	err := e.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		if c.Appointment, err = tx.Appointment(ctx, id); err != nil {
			return err
		}
		if c.History, err = tx.History(ctx, id); err != nil {
			return err
		}
		if c.Meters, err = tx.Meters(ctx, id); err != nil {
			return err
		}
		c.Seals, err = tx.Seals(ctx, id)
		return err
	})
	return c, err
}
