package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	otelx "github.com/vdnkl/dispatch/libs/otel"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/outbox"
)

// Memory is an in-process Store. One mutex serialises whole transactions, and a
// failed transaction restores the state it started from.
type Memory struct {
	mu    sync.Mutex
	pubMu sync.Mutex
	state *memState
}

var (
	_ Store         = (*Memory)(nil)
	_ Tx            = (*memTx)(nil)
	_ outbox.Source = (*Memory)(nil)
)

type slotKey struct {
	date int64
	slot int64
}

type memOutbox struct {
	rec       outbox.Record
	published bool
}

type memState struct {
	settings    model.Settings
	days        map[int64]model.DaySetting
	slotCaps    map[slotKey]model.SlotCapacity
	appts       map[int64]model.Appointment
	meters      []model.Meter
	seals       []model.Seal
	reschedules map[int64]model.RescheduleRequest
	history     []model.HistoryEntry
	audit       []model.AuditEvent
	events      []memOutbox

	lastAppt, lastMeter, lastSeal, lastReschedule, lastHistory, lastAudit, lastEvent int64
}

// MemoryStats are row counts, for tests and debug logging.
type MemoryStats struct {
	Appointments       int
	RescheduleRequests int
	History            int
	Audit              int
	OutboxEvents       int
	Unpublished        int
}

func NewMemory(settings model.Settings) *Memory {
	return &Memory{state: &memState{
		settings:    settings,
		days:        map[int64]model.DaySetting{},
		slotCaps:    map[slotKey]model.SlotCapacity{},
		appts:       map[int64]model.Appointment{},
		reschedules: map[int64]model.RescheduleRequest{},
	}}
}

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(ctx, &memTx{st: m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MemoryStats{
		Appointments:       len(m.state.appts),
		RescheduleRequests: len(m.state.reschedules),
		History:            len(m.state.history),
		Audit:              len(m.state.audit),
		OutboxEvents:       len(m.state.events),
	}
	for _, e := range m.state.events {
		if !e.published {
			st.Unpublished++
		}
	}
	return st
}

// OutboxRecords returns every outbox record in insertion order.
func (m *Memory) OutboxRecords() []outbox.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]outbox.Record, 0, len(m.state.events))
	for _, e := range m.state.events {
		out = append(out, e.rec)
	}
	return out
}

// PublishBatch implements outbox.Source. The batch is copied under the store
// lock and fn runs unlocked, so transactions proceed while the broker writes.
// Batches are serialised by pubMu.
func (m *Memory) PublishBatch(ctx context.Context, limit int, fn func([]outbox.Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	var batch []outbox.Record
	for _, e := range m.state.events {
		if len(batch) >= limit {
			break
		}
		if !e.published {
			batch = append(batch, e.rec)
		}
	}
	m.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := fn(batch); err != nil {
		return err
	}

	sent := make(map[int64]bool, len(batch))
	for _, r := range batch {
		sent[r.ID] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.events {
		if sent[m.state.events[i].rec.ID] {
			m.state.events[i].published = true
		}
	}
	return nil
}

func (s *memState) clone() *memState {
	c := *s
	c.days = make(map[int64]model.DaySetting, len(s.days))
	for k, v := range s.days {
		c.days[k] = v
	}
	c.slotCaps = make(map[slotKey]model.SlotCapacity, len(s.slotCaps))
	for k, v := range s.slotCaps {
		c.slotCaps[k] = v
	}
	c.appts = make(map[int64]model.Appointment, len(s.appts))
	for k, v := range s.appts {
		c.appts[k] = v
	}
	c.reschedules = make(map[int64]model.RescheduleRequest, len(s.reschedules))
	for k, v := range s.reschedules {
		c.reschedules[k] = v
	}
	c.meters = append([]model.Meter(nil), s.meters...)
	c.seals = append([]model.Seal(nil), s.seals...)
	c.history = append([]model.HistoryEntry(nil), s.history...)
	c.audit = append([]model.AuditEvent(nil), s.audit...)
	c.events = append([]memOutbox(nil), s.events...)
	return &c
}

// memTx never mutates a stored value in place; pointer fields are replaced with
// fresh copies so a restored snapshot is never aliased.
type memTx struct {
	st *memState
}

func copyInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (t *memTx) Settings(context.Context) (model.Settings, error) {
	return t.st.settings, nil
}

func (t *memTx) SaveSettings(_ context.Context, s model.Settings) error {
	t.st.settings = s
	return nil
}

func (t *memTx) DaySetting(_ context.Context, date time.Time) (model.DaySetting, bool, error) {
	ds, ok := t.st.days[date.Unix()]
	if !ok {
		return model.DaySetting{}, false, nil
	}
	ds.DayCapacityOverride = copyInt(ds.DayCapacityOverride)
	return ds, true, nil
}

func (t *memTx) UpsertDaySetting(_ context.Context, ds model.DaySetting) error {
	ds.DayCapacityOverride = copyInt(ds.DayCapacityOverride)
	t.st.days[ds.Date.Unix()] = ds
	return nil
}

func (t *memTx) SelfAssignDays(_ context.Context, from time.Time) ([]time.Time, error) {
	var days []time.Time
	for _, ds := range t.st.days {
		if ds.SelfAssignEnabled && !ds.Date.Before(from) {
			days = append(days, ds.Date)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func (t *memTx) SlotCapacity(_ context.Context, date, slotStart time.Time) (int, bool, error) {
	sc, ok := t.st.slotCaps[slotKey{date: date.Unix(), slot: slotStart.Unix()}]
	return sc.Capacity, ok, nil
}

func (t *memTx) SlotCapacities(_ context.Context, date time.Time) ([]model.SlotCapacity, error) {
	var out []model.SlotCapacity
	for k, sc := range t.st.slotCaps {
		if k.date == date.Unix() {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotStart.Before(out[j].SlotStart) })
	return out, nil
}

func (t *memTx) UpsertSlotCapacity(_ context.Context, sc model.SlotCapacity) error {
	t.st.slotCaps[slotKey{date: sc.Date.Unix(), slot: sc.SlotStart.Unix()}] = sc
	return nil
}

func (t *memTx) LockSlot(context.Context, time.Time) error {
	return nil
}

func (t *memTx) CountOccupying(_ context.Context, slotStart time.Time, excludeID int64) (int, error) {
	n := 0
	for _, a := range t.st.appts {
		if a.ID != excludeID && a.Status.Occupying() && a.SlotStart.Equal(slotStart) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) OccupancyBetween(_ context.Context, from, to time.Time) (map[int64]int, error) {
	out := map[int64]int{}
	for _, a := range t.st.appts {
		if a.Status.Occupying() && !a.SlotStart.Before(from) && a.SlotStart.Before(to) {
			out[a.SlotStart.Unix()]++
		}
	}
	return out, nil
}

func (t *memTx) InsertAppointment(_ context.Context, a model.Appointment) (int64, error) {
	t.st.lastAppt++
	a.ID = t.st.lastAppt
	a.AssignedTo = copyInt64(a.AssignedTo)
	t.st.appts[a.ID] = a
	return a.ID, nil
}

func (t *memTx) Appointment(_ context.Context, id int64) (model.Appointment, error) {
	a, ok := t.st.appts[id]
	if !ok {
		return model.Appointment{}, fmt.Errorf("appointment %d: %w", id, ErrNotFound)
	}
	a.AssignedTo = copyInt64(a.AssignedTo)
	return a, nil
}

func (t *memTx) ListAppointments(_ context.Context, f AppointmentFilter) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range t.st.appts {
		if f.Matches(a) {
			a.AssignedTo = copyInt64(a.AssignedTo)
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SlotStart.Equal(out[j].SlotStart) {
			return out[i].SlotStart.Before(out[j].SlotStart)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) ClaimUnassigned(_ context.Context, id, userID int64, at time.Time) (bool, error) {
	a, ok := t.st.appts[id]
	if !ok || a.Status != model.StatusNew || a.AssignedTo != nil {
		return false, nil
	}
	a.Status = model.StatusAccepted
	a.AssignedTo = copyInt64(&userID)
	a.UpdatedAt = at
	t.st.appts[id] = a
	return true, nil
}

func (t *memTx) UpdateStatus(_ context.Context, c StatusChange) (bool, error) {
	a, ok := t.st.appts[c.ID]
	if !ok || a.Status != c.From {
		return false, nil
	}
	a.Status = c.To
	if c.AssignedTo != nil {
		a.AssignedTo = copyInt64(c.AssignedTo)
	}
	if c.CancelledReason != nil {
		a.CancelledReason = *c.CancelledReason
	}
	if c.FieldNotes != nil {
		a.FieldNotes = *c.FieldNotes
	}
	a.UpdatedAt = c.At
	t.st.appts[c.ID] = a
	return true, nil
}

func (t *memTx) MoveAppointment(_ context.Context, id int64, from model.Status, slotStart, slotEnd, at time.Time) (bool, error) {
	a, ok := t.st.appts[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.SlotStart = slotStart
	a.SlotEnd = slotEnd
	a.AssignedTo = nil
	a.Status = model.StatusNew
	a.UpdatedAt = at
	t.st.appts[id] = a
	return true, nil
}

func (t *memTx) InsertMeter(_ context.Context, m model.Meter) (int64, error) {
	t.st.lastMeter++
	m.ID = t.st.lastMeter
	t.st.meters = append(t.st.meters, m)
	return m.ID, nil
}

func (t *memTx) InsertSeal(_ context.Context, s model.Seal) (int64, error) {
	t.st.lastSeal++
	s.ID = t.st.lastSeal
	t.st.seals = append(t.st.seals, s)
	return s.ID, nil
}

func (t *memTx) Meters(_ context.Context, appointmentID int64) ([]model.Meter, error) {
	var out []model.Meter
	for _, m := range t.st.meters {
		if m.AppointmentID == appointmentID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *memTx) Seals(_ context.Context, appointmentID int64) ([]model.Seal, error) {
	var out []model.Seal
	for _, s := range t.st.seals {
		if s.AppointmentID == appointmentID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *memTx) InsertRescheduleRequest(_ context.Context, r model.RescheduleRequest) (int64, error) {
	t.st.lastReschedule++
	r.ID = t.st.lastReschedule
	t.st.reschedules[r.ID] = r
	return r.ID, nil
}

func (t *memTx) RescheduleRequest(_ context.Context, id int64) (model.RescheduleRequest, error) {
	r, ok := t.st.reschedules[id]
	if !ok {
		return model.RescheduleRequest{}, fmt.Errorf("reschedule request %d: %w", id, ErrNotFound)
	}
	return r, nil
}

func (t *memTx) PendingRescheduleRequests(context.Context) ([]model.RescheduleRequest, error) {
	var out []model.RescheduleRequest
	for _, r := range t.st.reschedules {
		if r.Status == model.ReschedulePending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ResolveRescheduleRequest(_ context.Context, id int64, status model.RescheduleStatus, by int64, at time.Time) (bool, error) {
	r, ok := t.st.reschedules[id]
	if !ok || r.Status != model.ReschedulePending {
		return false, nil
	}
	r.Status = status
	r.ResolvedBy = copyInt64(&by)
	resolvedAt := at
	r.ResolvedAt = &resolvedAt
	t.st.reschedules[id] = r
	return true, nil
}

func (t *memTx) InsertHistory(_ context.Context, h model.HistoryEntry) error {
	t.st.lastHistory++
	h.ID = t.st.lastHistory
	h.UserID = copyInt64(h.UserID)
	t.st.history = append(t.st.history, h)
	return nil
}

func (t *memTx) History(_ context.Context, appointmentID int64) ([]model.HistoryEntry, error) {
	var out []model.HistoryEntry
	for i := len(t.st.history) - 1; i >= 0; i-- {
		if h := t.st.history[i]; h.AppointmentID == appointmentID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (t *memTx) InsertAudit(_ context.Context, e model.AuditEvent) error {
	t.st.lastAudit++
	e.ID = t.st.lastAudit
	e.UserID = copyInt64(e.UserID)
	t.st.audit = append(t.st.audit, e)
	return nil
}

func (t *memTx) RecentAudit(_ context.Context, limit int) ([]model.AuditEvent, error) {
	var out []model.AuditEvent
	for i := len(t.st.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.st.audit[i])
	}
	return out, nil
}

func (t *memTx) EnqueueEvent(ctx context.Context, evt outbox.Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	t.st.lastEvent++
	t.st.events = append(t.st.events, memOutbox{rec: outbox.Record{
		ID:            t.st.lastEvent,
		EventID:       uuid.NewString(),
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       append([]byte(nil), evt.Payload...),
		Traceparent:   traceparent,
		Tracestate:    tracestate,
		CreatedAt:     time.Now().UTC(),
	}})
	return nil
}
