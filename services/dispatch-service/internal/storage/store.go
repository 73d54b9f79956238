package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/outbox"
)

var ErrNotFound = errors.New("not found")

// Store runs units of work. Everything fn does through tx commits together, or
// not at all when fn returns an error.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the set of reads and guarded writes available inside a transaction.
// Lookups of single rows return ErrNotFound when absent.
type Tx interface {
	Settings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error
	DaySetting(ctx context.Context, date time.Time) (model.DaySetting, bool, error)
	UpsertDaySetting(ctx context.Context, ds model.DaySetting) error
	SelfAssignDays(ctx context.Context, from time.Time) ([]time.Time, error)
	SlotCapacity(ctx context.Context, date, slotStart time.Time) (int, bool, error)
	SlotCapacities(ctx context.Context, date time.Time) ([]model.SlotCapacity, error)
	UpsertSlotCapacity(ctx context.Context, sc model.SlotCapacity) error

	// LockSlot serialises capacity-checked writes to one slot until the
	// transaction ends.
	LockSlot(ctx context.Context, slotStart time.Time) error
	// CountOccupying counts non-cancelled appointments starting exactly at
	// slotStart, ignoring excludeID (0 excludes nothing).
	CountOccupying(ctx context.Context, slotStart time.Time, excludeID int64) (int, error)
	// OccupancyBetween counts non-cancelled appointments per slot start (unix
	// seconds) in [from, to).
	OccupancyBetween(ctx context.Context, from, to time.Time) (map[int64]int, error)

	InsertAppointment(ctx context.Context, a model.Appointment) (int64, error)
	Appointment(ctx context.Context, id int64) (model.Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error)
	// ClaimUnassigned sets status=accepted and assigned_to=userID iff the row is
	// still new and unassigned. It reports whether the row changed.
	ClaimUnassigned(ctx context.Context, id, userID int64, at time.Time) (bool, error)
	// UpdateStatus applies c iff the row is still in c.From.
	UpdateStatus(ctx context.Context, c StatusChange) (bool, error)
	// MoveAppointment sets a new slot, clears the assignee and resets status to
	// new iff the row is still in from.
	MoveAppointment(ctx context.Context, id int64, from model.Status, slotStart, slotEnd, at time.Time) (bool, error)

	InsertMeter(ctx context.Context, m model.Meter) (int64, error)
	InsertSeal(ctx context.Context, s model.Seal) (int64, error)
	Meters(ctx context.Context, appointmentID int64) ([]model.Meter, error)
	Seals(ctx context.Context, appointmentID int64) ([]model.Seal, error)

	InsertRescheduleRequest(ctx context.Context, r model.RescheduleRequest) (int64, error)
	RescheduleRequest(ctx context.Context, id int64) (model.RescheduleRequest, error)
	PendingRescheduleRequests(ctx context.Context) ([]model.RescheduleRequest, error)
	// ResolveRescheduleRequest moves a pending request to status iff it is still pending.
	ResolveRescheduleRequest(ctx context.Context, id int64, status model.RescheduleStatus, by int64, at time.Time) (bool, error)

	InsertHistory(ctx context.Context, h model.HistoryEntry) error
	History(ctx context.Context, appointmentID int64) ([]model.HistoryEntry, error)
	InsertAudit(ctx context.Context, e model.AuditEvent) error
	RecentAudit(ctx context.Context, limit int) ([]model.AuditEvent, error)

	EnqueueEvent(ctx context.Context, evt outbox.Event) error
}

// StatusChange is a conditional status update. Unset optional fields keep the
// stored value.
type StatusChange struct {
	ID              int64
	From            model.Status
	To              model.Status
	AssignedTo      *int64
	CancelledReason *string
	FieldNotes      *string
	At              time.Time
}

// AppointmentFilter selects appointments with slot_start in [From, To), ordered
// by slot_start then id. Zero fields do not filter.
type AppointmentFilter struct {
	From           time.Time
	To             time.Time
	Statuses       []model.Status
	AssignedTo     *int64
	OnlyUnassigned bool
	IDs            []int64
}

func (f AppointmentFilter) hasStatus(s model.Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if want == s {
			return true
		}
	}
	return false
}

func (f AppointmentFilter) hasID(id int64) bool {
	if len(f.IDs) == 0 {
		return true
	}
	for _, want := range f.IDs {
		if want == id {
			return true
		}
	}
	return false
}

// Matches reports whether a passes every set field of f.
func (f AppointmentFilter) Matches(a model.Appointment) bool {
	if !f.From.IsZero() && a.SlotStart.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.SlotStart.Before(f.To) {
		return false
	}
	if !f.hasStatus(a.Status) || !f.hasID(a.ID) {
		return false
	}
	if f.AssignedTo != nil && (a.AssignedTo == nil || *a.AssignedTo != *f.AssignedTo) {
		return false
	}
	if f.OnlyUnassigned && a.AssignedTo != nil {
		return false
	}
	return true
}
