package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/capacity"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/history"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/outbox"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/pingrant"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/storage"
)

const (
	operatorID int64 = 1
	adminID    int64 = 2
	fieldA     int64 = 10
	fieldB     int64 = 11
)

var (
	testDay = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	slot9   = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	slot930 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, defaultCapacity int) (*Engine, *storage.Memory, *testClock) {
	t.Helper()
	mem := storage.NewMemory(model.Settings{SlotMinutes: 30, DefaultCapacity: defaultCapacity})
	clock := &testClock{now: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)}
	e := NewEngine(Config{
		Store:    mem,
		Clock:    clock,
		Location: time.UTC,
		Grants:   pingrant.NewMemoryStore(clock.Now),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return e, mem, clock
}

func booking(slot time.Time) model.NewAppointment {
	return model.NewAppointment{
		ServiceID:     1,
		FullName:      "Petrova Anna",
		AccountNumber: "100200",
		Phone:         "+79990000000",
		Street:        "Lenina",
		House:         "5",
		Apartment:     "12",
		SlotStart:     slot,
		CreatedBy:     operatorID,
	}
}

func mustCreate(t *testing.T, e *Engine, slot time.Time) model.Appointment {
	t.Helper()
	a, err := e.CreateAppointment(context.Background(), booking(slot))
	require.NoError(t, err)
	return a
}

func enableSelfAssign(t *testing.T, e *Engine, day time.Time) {
	t.Helper()
	_, err := e.SetDaySetting(context.Background(), adminID, DaySettingUpdate{Day: day, SelfAssignEnabled: true})
	require.NoError(t, err)
}

func intPtr(v int) *int { return &v }

func TestCreateAppointment_SetsDerivedFields(t *testing.T) {
	e, mem, _ := newTestEngine(t, 6)

	a := mustCreate(t, e, slot9)
	assert.NotZero(t, a.ID)
	assert.Equal(t, model.StatusNew, a.Status)
	assert.True(t, a.SlotEnd.Equal(slot9.Add(30*time.Minute)))
	assert.Nil(t, a.AssignedTo)
	assert.False(t, a.IsExtra)

	hist, err := e.History(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, history.EventCreate, hist[0].EventType)

	records := mem.OutboxRecords()
	require.Len(t, records, 1)
	assert.Equal(t, outbox.AppointmentEventType(outbox.EventCreated), records[0].EventType)
}

func TestCreateAppointment_CapacityInvariantUnderConcurrency(t *testing.T) {
	const capacityLimit, attempts = 3, 24
	e, _, _ := newTestEngine(t, capacityLimit)

	var ok, full, other atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.CreateAppointment(context.Background(), booking(slot9))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrSlotFull):
				full.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, capacityLimit, ok.Load())
	assert.EqualValues(t, attempts-capacityLimit, full.Load())
	assert.Zero(t, other.Load())

	sched, err := e.Schedule(context.Background(), testDay)
	require.NoError(t, err)
	for _, s := range sched {
		assert.LessOrEqual(t, s.Used, s.Capacity, "slot %s", s.Start)
		if s.Start.Equal(slot9) {
			assert.Equal(t, capacityLimit, s.Used)
			assert.Zero(t, s.Free())
		}
	}
}

func TestCreateAppointment_RejectedLeavesNoRows(t *testing.T) {
	e, mem, _ := newTestEngine(t, 1)
	mustCreate(t, e, slot9)
	before := mem.Stats()

	_, err := e.CreateAppointment(context.Background(), booking(slot9))
	require.ErrorIs(t, err, ErrSlotFull)
	assert.Equal(t, before, mem.Stats())
}

func TestCreateAppointment_ValidatesInput(t *testing.T) {
	e, mem, _ := newTestEngine(t, 6)

	in := booking(slot9)
	in.FullName = "  "
	_, err := e.CreateAppointment(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.CreateAppointment(context.Background(), booking(time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.CreateAppointment(context.Background(), booking(time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC)))
	assert.ErrorIs(t, err, ErrInvalidInput, "lunch gap is not a slot")

	assert.Zero(t, mem.Stats().Appointments)
}

func TestCreateAppointment_ZeroCapacitySlotIsFull(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	_, err := e.SetSlotCapacity(context.Background(), adminID, slot9, 0)
	require.NoError(t, err)

	_, err = e.CreateAppointment(context.Background(), booking(slot9))
	assert.ErrorIs(t, err, ErrSlotFull)
}

func TestCapacityOverridePrecedence(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	ctx := context.Background()

	_, err := e.SetDaySetting(ctx, adminID, DaySettingUpdate{Day: testDay, DayCapacityOverride: intPtr(4)})
	require.NoError(t, err)
	_, err = e.SetSlotCapacity(ctx, adminID, slot9, 2)
	require.NoError(t, err)

	cfg, err := e.DaySettings(ctx, testDay)
	require.NoError(t, err)
	require.NotNil(t, cfg.DaySetting)
	require.Len(t, cfg.Slots, 14)
	for _, s := range cfg.Slots {
		if s.Start.Equal(slot9) {
			assert.Equal(t, 2, s.Effective)
			assert.Equal(t, capacity.TierSlot, s.Tier)
			require.NotNil(t, s.Override)
		} else {
			assert.Equal(t, 4, s.Effective, "slot %s", s.Start)
			assert.Equal(t, capacity.TierDay, s.Tier)
			assert.Nil(t, s.Override)
		}
	}

	// A zero day override falls through to the default.
	_, err = e.SetDaySetting(ctx, adminID, DaySettingUpdate{Day: testDay, DayCapacityOverride: intPtr(0)})
	require.NoError(t, err)
	sched, err := e.Schedule(ctx, testDay)
	require.NoError(t, err)
	for _, s := range sched {
		if s.Start.Equal(slot930) {
			assert.Equal(t, 6, s.Capacity)
		}
	}

	mustCreate(t, e, slot9)
	mustCreate(t, e, slot9)
	_, err = e.CreateAppointment(ctx, booking(slot9))
	assert.ErrorIs(t, err, ErrSlotFull)
}

func TestCancel_FreesExactlyOnePlace(t *testing.T) {
	e, _, _ := newTestEngine(t, 2)
	ctx := context.Background()

	first := mustCreate(t, e, slot9)
	mustCreate(t, e, slot9)
	_, err := e.CreateAppointment(ctx, booking(slot9))
	require.ErrorIs(t, err, ErrSlotFull)

	cancelled, err := e.Cancel(ctx, first.ID, operatorID, "customer called")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Equal(t, "customer called", cancelled.CancelledReason)

	mustCreate(t, e, slot9)
	_, err = e.CreateAppointment(ctx, booking(slot9))
	assert.ErrorIs(t, err, ErrSlotFull)

	_, err = e.Cancel(ctx, first.ID, operatorID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition, "no un-cancel or double cancel")
}

func TestCancel_Errors(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	ctx := context.Background()

	_, err := e.Cancel(ctx, 999, operatorID, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	enableSelfAssign(t, e, testDay)
	a := mustCreate(t, e, slot9)
	ok, err := e.AcceptSelfAssign(ctx, a.ID, fieldA)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = e.ChangeStatus(ctx, a.ID, fieldA, model.StatusInProgress, "")
	require.NoError(t, err)

	_, err = e.Cancel(ctx, a.ID, operatorID, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAcceptSelfAssign_Gating(t *testing.T) {
	e, mem, _ := newTestEngine(t, 6)
	ctx := context.Background()
	a := mustCreate(t, e, slot9)

	ok, err := e.AcceptSelfAssign(ctx, a.ID, fieldA)
	require.NoError(t, err)
	assert.False(t, ok, "missing day row means disabled")

	_, err = e.SetDaySetting(ctx, adminID, DaySettingUpdate{Day: testDay, SelfAssignEnabled: false})
	require.NoError(t, err)
	ok, err = e.AcceptSelfAssign(ctx, a.ID, fieldA)
	require.NoError(t, err)
	assert.False(t, ok)

	before := mem.Stats()
	enableSelfAssign(t, e, testDay)
	ok, err = e.AcceptSelfAssign(ctx, a.ID, fieldA)
	require.NoError(t, err)
	assert.True(t, ok)
	after := mem.Stats()
	assert.Equal(t, before.History+1, after.History)

	ok, err = e.AcceptSelfAssign(ctx, a.ID, fieldB)
	require.NoError(t, err)
	assert.False(t, ok, "already claimed")

	got, err := e.Appointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, got.Status)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, fieldA, *got.AssignedTo)

	_, err = e.AcceptSelfAssign(ctx, 999, fieldA)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptSelfAssign_ExclusiveUnderConcurrency(t *testing.T) {
	const claimers = 16
	e, mem, _ := newTestEngine(t, 6)
	enableSelfAssign(t, e, testDay)
	a := mustCreate(t, e, slot9)
	before := mem.Stats()

	var wins atomic.Int32
	var winner atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			ok, err := e.AcceptSelfAssign(context.Background(), a.ID, user)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
				winner.Store(user)
			}
		}(int64(100 + i))
	}
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	got, err := e.Appointment(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, winner.Load(), *got.AssignedTo)

	after := mem.Stats()
	assert.Equal(t, before.History+1, after.History, "history only on success")
	assert.Equal(t, before.OutboxEvents+1, after.OutboxEvents)
}

func TestChangeStatus_FollowsTransitionTable(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	ctx := context.Background()
	enableSelfAssign(t, e, testDay)
	a := mustCreate(t, e, slot9)

	_, err := e.ChangeStatus(ctx, a.ID, fieldA, model.StatusCompleted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "new cannot complete")

	_, err = e.ChangeStatus(ctx, a.ID, fieldA, model.StatusCancelled, "")
	assert.ErrorIs(t, err, ErrInvalidInput, "cancel has its own operation")

	ok, err := e.AcceptSelfAssign(ctx, a.ID, fieldA)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := e.ChangeStatus(ctx, a.ID, fieldA, model.StatusInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)

	got, err = e.ChangeStatus(ctx, a.ID, fieldA, model.StatusCompleted, "two meters sealed")
	require.NoError(t, err)
	assert.Equal(t, "two meters sealed", got.FieldNotes)

	_, err = e.ChangeStatus(ctx, a.ID, fieldA, model.StatusNotCompleted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed is terminal")

	_, err = e.RequestReschedule(ctx, a.ID, fieldA, "reason")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(model.StatusAccepted, model.StatusAccepted))
	assert.True(t, CanTransition(model.StatusInProgress, model.StatusReschedulePending))
	assert.False(t, CanTransition(model.StatusInProgress, model.StatusCancelled))
	assert.False(t, CanTransition(model.StatusNew, model.StatusInProgress))
	for _, s := range []model.Status{model.StatusCompleted, model.StatusNotCompleted, model.StatusCancelled} {
		assert.True(t, Terminal(s), "%s", s)
	}
	assert.False(t, Terminal(model.StatusReschedulePending))
	for _, s := range model.Statuses {
		assert.False(t, CanTransition(model.StatusReschedulePending, s), "reschedule_pending -> %s", s)
	}
}

func TestChangeStatus_CannotLeaveReschedulePending(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	ctx := context.Background()
	a := mustCreate(t, e, slot9)

	req, err := e.RequestReschedule(ctx, a.ID, fieldB, "nobody home")
	require.NoError(t, err)

	_, err = e.ChangeStatus(ctx, a.ID, fieldB, model.StatusInProgress, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.ChangeStatusAsAdmin(ctx, a.ID, adminID, model.StatusCompleted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := e.Appointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReschedulePending, got.Status)
	assert.Nil(t, got.AssignedTo)

	restored, err := e.RejectReschedule(ctx, req.ID, adminID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, restored.Status)
}

func TestChangeStatus_OnlyAssignee(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	ctx := context.Background()
	a := mustCreate(t, e, slot9)
	_, err := e.AssignMany(ctx, []int64{a.ID}, fieldA, adminID)
	require.NoError(t, err)

	_, err = e.ChangeStatus(ctx, a.ID, fieldB, model.StatusCompleted, "")
	assert.ErrorIs(t, err, ErrNotAssignee)

	got, err := e.Appointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, got.Status)

	got, err = e.ChangeStatusAsAdmin(ctx, a.ID, adminID, model.StatusNotCompleted, "closed by office")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNotCompleted, got.Status)
}

func TestRecordResult(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	ctx := context.Background()
	a := mustCreate(t, e, slot9)

	err := e.RecordResult(ctx, a.ID, fieldA,
		[]model.Meter{{MeterNumber: "M-1", MeterModel: "SGM-1.6"}, {MeterNumber: " "}},
		[]model.Seal{{SealNumber: "S-77"}})
	require.NoError(t, err)

	card, err := e.Card(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, card.Meters, 1)
	assert.Equal(t, "M-1", card.Meters[0].MeterNumber)
	require.Len(t, card.Seals, 1)
	assert.Equal(t, history.EventResult, card.History[0].EventType, "newest first")

	err = e.RecordResult(ctx, a.ID, fieldA, nil, []model.Seal{{SealNumber: ""}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReschedule_ApproveMovesAndResets(t *testing.T) {
	e, mem, _ := newTestEngine(t, 6)
	ctx := context.Background()
	enableSelfAssign(t, e, testDay)
	a := mustCreate(t, e, slot9)
	ok, err := e.AcceptSelfAssign(ctx, a.ID, fieldA)
	require.NoError(t, err)
	require.True(t, ok)

	req, err := e.RequestReschedule(ctx, a.ID, fieldA, "nobody home")
	require.NoError(t, err)
	assert.Equal(t, model.ReschedulePending, req.Status)
	assert.Equal(t, model.StatusAccepted, req.PreviousStatus)

	pending, err := e.PendingReschedules(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	dest := time.Date(2026, 3, 3, 13, 0, 0, 0, time.UTC)
	moved, err := e.ApproveReschedule(ctx, req.ID, adminID, dest)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, moved.Status)
	assert.Nil(t, moved.AssignedTo)
	assert.True(t, moved.SlotStart.Equal(dest))
	assert.True(t, moved.SlotEnd.Equal(dest.Add(30*time.Minute)))

	stored, err := e.Appointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, moved.SlotStart.Unix(), stored.SlotStart.Unix())
	assert.Nil(t, stored.AssignedTo)

	_, err = e.ApproveReschedule(ctx, req.ID, adminID, dest)
	assert.ErrorIs(t, err, ErrInvalidTransition, "request already approved")

	pending, err = e.PendingReschedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var types []string
	for _, r := range mem.OutboxRecords() {
		types = append(types, r.EventType)
	}
	assert.Contains(t, types, outbox.AppointmentEventType(outbox.EventRescheduled))
}

func TestReschedule_ApproveChecksDestinationCapacity(t *testing.T) {
	e, mem, _ := newTestEngine(t, 1)
	ctx := context.Background()

	a := mustCreate(t, e, slot9)
	mustCreate(t, e, slot930)
	req, err := e.RequestReschedule(ctx, a.ID, fieldA, "gate locked")
	require.NoError(t, err)

	before := mem.Stats()
	_, err = e.ApproveReschedule(ctx, req.ID, adminID, slot930)
	require.ErrorIs(t, err, ErrSlotFull)
	assert.Equal(t, before, mem.Stats())

	got, err := e.Appointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReschedulePending, got.Status)

	// The appointment does not count against its own slot.
	moved, err := e.ApproveReschedule(ctx, req.ID, adminID, slot9)
	require.NoError(t, err)
	assert.True(t, moved.SlotStart.Equal(slot9))
}

func TestReschedule_RejectRestoresPreviousStatus(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	ctx := context.Background()
	enableSelfAssign(t, e, testDay)
	a := mustCreate(t, e, slot9)
	ok, err := e.AcceptSelfAssign(ctx, a.ID, fieldA)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = e.ChangeStatus(ctx, a.ID, fieldA, model.StatusInProgress, "")
	require.NoError(t, err)

	req, err := e.RequestReschedule(ctx, a.ID, fieldA, "dog")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, req.PreviousStatus)

	_, err = e.RequestReschedule(ctx, a.ID, fieldA, "twice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	restored, err := e.RejectReschedule(ctx, req.ID, adminID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, restored.Status)
	require.NotNil(t, restored.AssignedTo)
	assert.Equal(t, fieldA, *restored.AssignedTo)

	_, err = e.RejectReschedule(ctx, req.ID, adminID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = e.RejectReschedule(ctx, 404, adminID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestReschedule_RequiresReason(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	a := mustCreate(t, e, slot9)
	_, err := e.RequestReschedule(context.Background(), a.ID, fieldA, " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAssignMany_AllOrNothing(t *testing.T) {
	e, mem, _ := newTestEngine(t, 6)
	ctx := context.Background()
	a := mustCreate(t, e, slot9)
	b := mustCreate(t, e, slot930)
	c := mustCreate(t, e, slot930)
	_, err := e.Cancel(ctx, c.ID, operatorID, "dup")
	require.NoError(t, err)

	before := mem.Stats()
	_, err = e.AssignMany(ctx, []int64{a.ID, b.ID, c.ID}, fieldA, adminID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, before, mem.Stats())
	got, err := e.Appointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AssignedTo)

	n, err := e.AssignMany(ctx, []int64{a.ID, b.ID, b.ID}, fieldA, adminID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.AssignMany(ctx, []int64{a.ID}, fieldB, adminID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = e.Appointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, got.Status)
	assert.Equal(t, fieldB, *got.AssignedTo)

	audit, err := e.RecentAudit(ctx, 1)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, history.EventMassAssign, audit[0].EventType)
	assert.Equal(t, "1", audit[0].EntityID)

	_, err = e.AssignMany(ctx, nil, fieldA, adminID)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestExtraAppointment_RequiresPINGrant(t *testing.T) {
	e, mem, clock := newTestEngine(t, 1)
	ctx := context.Background()
	in := booking(slot9)
	in.CreatedBy = fieldA

	_, err := e.CreateExtraAppointment(ctx, in)
	require.ErrorIs(t, err, ErrPINRequired)

	_, err = e.VerifyExtraPIN(ctx, fieldA, "4321")
	require.ErrorIs(t, err, ErrInvalidInput, "no pin configured yet")

	_, err = e.UpdateSettings(ctx, adminID, SettingsUpdate{SlotMinutes: 30, DefaultCapacity: 1, PIN: "4321"})
	require.NoError(t, err)

	_, err = e.VerifyExtraPIN(ctx, fieldA, "0000")
	require.ErrorIs(t, err, ErrInvalidInput)

	exp, err := e.VerifyExtraPIN(ctx, fieldA, "4321")
	require.NoError(t, err)
	assert.True(t, exp.Equal(clock.Now().Add(10*time.Minute)))

	a, err := e.CreateExtraAppointment(ctx, in)
	require.NoError(t, err)
	assert.True(t, a.IsExtra)

	hist, err := e.History(ctx, a.ID)
	require.NoError(t, err)
	var kinds []string
	for _, h := range hist {
		kinds = append(kinds, h.EventType)
	}
	assert.ElementsMatch(t, []string{history.EventCreate, history.EventExtraCreate}, kinds)

	before := mem.Stats()
	_, err = e.CreateExtraAppointment(ctx, in)
	require.ErrorIs(t, err, ErrSlotFull, "extra bookings respect capacity")
	assert.Equal(t, before, mem.Stats())

	clock.Advance(11 * time.Minute)
	in.SlotStart = slot930
	_, err = e.CreateExtraAppointment(ctx, in)
	assert.ErrorIs(t, err, ErrPINRequired, "grant expired")

	in.CreatedBy = fieldB
	_, err = e.CreateExtraAppointment(ctx, in)
	assert.ErrorIs(t, err, ErrPINRequired, "grants are per user")
}

func TestUpdateSettings_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	ctx := context.Background()

	_, err := e.UpdateSettings(ctx, adminID, SettingsUpdate{SlotMinutes: 0, DefaultCapacity: 6})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.UpdateSettings(ctx, adminID, SettingsUpdate{SlotMinutes: 30, DefaultCapacity: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
	long := make([]byte, 73)
	for i := range long {
		long[i] = '7'
	}
	_, err = e.UpdateSettings(ctx, adminID, SettingsUpdate{SlotMinutes: 30, DefaultCapacity: 6, PIN: string(long)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	s, err := e.UpdateSettings(ctx, adminID, SettingsUpdate{SlotMinutes: 60, DefaultCapacity: 2})
	require.NoError(t, err)
	assert.Empty(t, s.FieldExtraPINHash)

	sched, err := e.Schedule(ctx, testDay)
	require.NoError(t, err)
	assert.Len(t, sched, 7)
	assert.Equal(t, 2, sched[0].Capacity)

	_, err = e.CreateAppointment(ctx, booking(slot930))
	assert.ErrorIs(t, err, ErrInvalidInput, "09:30 is off the hourly grid")
}

func TestFieldDays(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	ctx := context.Background()

	future := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	past := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	tomorrow := testDay.AddDate(0, 0, 1)
	enableSelfAssign(t, e, future)
	enableSelfAssign(t, e, past)
	enableSelfAssign(t, e, tomorrow)
	_, err := e.SetDaySetting(ctx, adminID, DaySettingUpdate{Day: time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	days, err := e.FieldDays(ctx)
	require.NoError(t, err)
	require.Len(t, days, 3)
	assert.True(t, days[0].Equal(testDay))
	assert.True(t, days[1].Equal(tomorrow))
	assert.True(t, days[2].Equal(future))
}

func TestListAppointments_Filters(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	ctx := context.Background()
	enableSelfAssign(t, e, testDay)

	late := mustCreate(t, e, slot930)
	early := mustCreate(t, e, slot9)
	mine := mustCreate(t, e, slot9)
	mustCreate(t, e, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC))
	ok, err := e.AcceptSelfAssign(ctx, mine.ID, fieldA)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := e.ListAppointments(ctx, ListQuery{Day: testDay, Filter: FilterNew})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.ID, got[0].ID)
	assert.Equal(t, late.ID, got[1].ID)

	got, err = e.ListAppointments(ctx, ListQuery{Day: testDay, Filter: FilterMine, UserID: fieldA})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID, got[0].ID)

	got, err = e.ListAppointments(ctx, ListQuery{Day: testDay, Filter: "accepted"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = e.ListAppointments(ctx, ListQuery{Day: testDay, Filter: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assignable, err := e.Assignable(ctx)
	require.NoError(t, err)
	assert.Len(t, assignable, 4)
}

func TestAssignable_EveryListedAppointmentCanBeAssigned(t *testing.T) {
	e, _, _ := newTestEngine(t, 6)
	ctx := context.Background()
	a := mustCreate(t, e, slot9)
	parked := mustCreate(t, e, slot930)
	_, err := e.RequestReschedule(ctx, parked.ID, fieldA, "gate locked")
	require.NoError(t, err)

	assignable, err := e.Assignable(ctx)
	require.NoError(t, err)
	require.Len(t, assignable, 1)
	assert.Equal(t, a.ID, assignable[0].ID)

	ids := make([]int64, 0, len(assignable))
	for _, ap := range assignable {
		ids = append(ids, ap.ID)
	}
	n, err := e.AssignMany(ctx, ids, fieldB, adminID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.AssignMany(ctx, []int64{a.ID, parked.ID}, fieldB, adminID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngine_UsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("MSK", 3*60*60)
	mem := storage.NewMemory(model.DefaultSettings())
	clock := &testClock{now: time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC)} // 01:30 on the 2nd in MSK
	e := NewEngine(Config{Store: mem, Clock: clock, Location: loc, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx := context.Background()

	localNine := time.Date(2026, 3, 2, 9, 0, 0, 0, loc)
	a, err := e.CreateAppointment(ctx, booking(localNine))
	require.NoError(t, err)
	assert.True(t, a.SlotStart.Equal(localNine))

	_, err = e.CreateAppointment(ctx, booking(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
	assert.ErrorIs(t, err, ErrInvalidInput, "09:00 UTC is 12:00 local, the lunch gap")

	_, err = e.SetDaySetting(ctx, adminID, DaySettingUpdate{Day: time.Date(2026, 3, 2, 0, 0, 0, 0, loc), SelfAssignEnabled: true})
	require.NoError(t, err)
	ok, err := e.AcceptSelfAssign(ctx, a.ID, fieldA)
	require.NoError(t, err)
	assert.True(t, ok)

	days, err := e.FieldDays(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, days)
	assert.Equal(t, 2, days[0].Day())
	assert.Equal(t, loc, days[0].Location())
}
