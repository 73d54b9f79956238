package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/outbox"
)

var slot9 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func insertAppt(t *testing.T, m *Memory, slot time.Time, status model.Status) int64 {
	t.Helper()
	var id int64
	err := m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		id, err = tx.InsertAppointment(ctx, model.Appointment{Status: status, FullName: "Ivanova", SlotStart: slot, SlotEnd: slot.Add(30 * time.Minute)})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestMemoryRollbackRestoresState(t *testing.T) {
	m := NewMemory(model.DefaultSettings())
	insertAppt(t, m, slot9, model.StatusNew)
	before := m.Stats()

	boom := errors.New("boom")
	err := m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.InsertAppointment(ctx, model.Appointment{Status: model.StatusNew, SlotStart: slot9})
		require.NoError(t, err)
		require.NoError(t, tx.InsertHistory(ctx, model.HistoryEntry{AppointmentID: 1, EventType: "create"}))
		require.NoError(t, tx.EnqueueEvent(ctx, outbox.Event{EventType: "x"}))
		require.NoError(t, tx.SaveSettings(ctx, model.Settings{SlotMinutes: 15, DefaultCapacity: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, before, m.Stats())

	_ = m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		s, err := tx.Settings(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.DefaultSlotMinutes, s.SlotMinutes)
		return nil
	})
}

func TestMemoryClaimUnassignedIsCompareAndSwap(t *testing.T) {
	m := NewMemory(model.DefaultSettings())
	id := insertAppt(t, m, slot9, model.StatusNew)

	var first, second bool
	require.NoError(t, m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		first, err = tx.ClaimUnassigned(ctx, id, 10, slot9)
		if err != nil {
			return err
		}
		second, err = tx.ClaimUnassigned(ctx, id, 11, slot9)
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		a, err := tx.Appointment(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusAccepted, a.Status)
		require.NotNil(t, a.AssignedTo)
		assert.EqualValues(t, 10, *a.AssignedTo)
		return nil
	}))
}

func TestMemoryUpdateStatusChecksFrom(t *testing.T) {
	m := NewMemory(model.DefaultSettings())
	id := insertAppt(t, m, slot9, model.StatusNew)
	reason := "customer away"

	require.NoError(t, m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		ok, err := tx.UpdateStatus(ctx, StatusChange{ID: id, From: model.StatusAccepted, To: model.StatusCancelled})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.UpdateStatus(ctx, StatusChange{ID: id, From: model.StatusNew, To: model.StatusCancelled, CancelledReason: &reason})
		require.NoError(t, err)
		assert.True(t, ok)

		n, err := tx.CountOccupying(ctx, slot9, 0)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func TestMemoryAppointmentNotFound(t *testing.T) {
	m := NewMemory(model.DefaultSettings())
	err := m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.Appointment(ctx, 404)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListAppointmentsFilterAndOrder(t *testing.T) {
	m := NewMemory(model.DefaultSettings())
	late := insertAppt(t, m, slot9.Add(time.Hour), model.StatusNew)
	early := insertAppt(t, m, slot9, model.StatusNew)
	insertAppt(t, m, slot9, model.StatusCancelled)
	insertAppt(t, m, slot9.Add(24*time.Hour), model.StatusNew)

	require.NoError(t, m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		got, err := tx.ListAppointments(ctx, AppointmentFilter{
			From:     time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			To:       time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
			Statuses: []model.Status{model.StatusNew},
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, early, got[0].ID)
		assert.Equal(t, late, got[1].ID)

		occ, err := tx.OccupancyBetween(ctx, slot9, slot9.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, occ[slot9.Unix()])
		assert.Equal(t, 1, occ[slot9.Add(time.Hour).Unix()])
		return nil
	}))
}

func TestMemoryDaySettingsAndSlotCapacities(t *testing.T) {
	m := NewMemory(model.DefaultSettings())
	d1 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	override := 3

	require.NoError(t, m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.UpsertDaySetting(ctx, model.DaySetting{Date: d2, SelfAssignEnabled: true}))
		require.NoError(t, tx.UpsertDaySetting(ctx, model.DaySetting{Date: d1, SelfAssignEnabled: true, DayCapacityOverride: &override}))
		require.NoError(t, tx.UpsertSlotCapacity(ctx, model.SlotCapacity{Date: d1, SlotStart: slot9, Capacity: 1}))
		require.NoError(t, tx.UpsertSlotCapacity(ctx, model.SlotCapacity{Date: d1, SlotStart: slot9, Capacity: 2}))
		return nil
	}))
	override = 99

	require.NoError(t, m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		ds, ok, err := tx.DaySetting(ctx, d1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 3, *ds.DayCapacityOverride)

		days, err := tx.SelfAssignDays(ctx, d1.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []time.Time{d2}, days)

		c, ok, err := tx.SlotCapacity(ctx, d1, slot9)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, c)

		caps, err := tx.SlotCapacities(ctx, d1)
		require.NoError(t, err)
		assert.Len(t, caps, 1)
		return nil
	}))
}

func TestMemoryPublishBatch(t *testing.T) {
	m := NewMemory(model.DefaultSettings())
	require.NoError(t, m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		for i := 0; i < 3; i++ {
			if err := tx.EnqueueEvent(ctx, outbox.Event{EventType: "dispatch.appointment.created.v1", Payload: []byte(`{}`)}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.Error(t, m.PublishBatch(context.Background(), 10, func([]outbox.Record) error { return errors.New("down") }))
	assert.Equal(t, 3, m.Stats().Unpublished)

	var seen int
	require.NoError(t, m.PublishBatch(context.Background(), 2, func(rs []outbox.Record) error {
		seen = len(rs)
		for _, r := range rs {
			assert.NotEmpty(t, r.EventID)
		}
		return nil
	}))
	assert.Equal(t, 2, seen)
	assert.Equal(t, 1, m.Stats().Unpublished)
}

func TestMemoryPublishBatchDoesNotBlockTransactions(t *testing.T) {
	m := NewMemory(model.DefaultSettings())
	enqueue := func() error {
		return m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
			return tx.EnqueueEvent(ctx, outbox.Event{EventType: "dispatch.appointment.created.v1", Payload: []byte(`{}`)})
		})
	}
	require.NoError(t, enqueue())

	require.NoError(t, m.PublishBatch(context.Background(), 10, func(rs []outbox.Record) error {
		require.Len(t, rs, 1)
		done := make(chan error, 1)
		go func() { done <- enqueue() }()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("transaction blocked while the batch was being written")
			return nil
		}
	}))

	st := m.Stats()
	assert.Equal(t, 2, st.OutboxEvents)
	assert.Equal(t, 1, st.Unpublished, "only the record handed to fn is marked")
}

func TestMemoryRescheduleResolveOnlyOnce(t *testing.T) {
	m := NewMemory(model.DefaultSettings())
	id := insertAppt(t, m, slot9, model.StatusNew)

	require.NoError(t, m.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		rid, err := tx.InsertRescheduleRequest(ctx, model.RescheduleRequest{AppointmentID: id, RequestedBy: 7, Reason: "closed", Status: model.ReschedulePending, PreviousStatus: model.StatusNew})
		require.NoError(t, err)

		pending, err := tx.PendingRescheduleRequests(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		ok, err := tx.ResolveRescheduleRequest(ctx, rid, model.RescheduleApproved, 1, slot9)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.ResolveRescheduleRequest(ctx, rid, model.RescheduleRejected, 1, slot9)
		require.NoError(t, err)
		assert.False(t, ok)

		r, err := tx.RescheduleRequest(ctx, rid)
		require.NoError(t, err)
		assert.Equal(t, model.RescheduleApproved, r.Status)
		require.NotNil(t, r.ResolvedAt)
		return nil
	}))
}
