// Package lifecycle owns the appointment state machine and the two
// capacity-constrained writes: create-under-capacity and claim-unassigned.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	otelx "github.com/vdnkl/dispatch/libs/otel"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/calendar"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/capacity"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/history"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/outbox"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/pingrant"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/storage"
	"go.opentelemetry.io/otel/trace"
)

type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

type Config struct {
	Store    storage.Store
	Clock    Clock
	Location *time.Location
	Grants   pingrant.Store
	PINTTL   time.Duration
	Logger   *slog.Logger
}

type Engine struct {
	store    storage.Store
	clock    Clock
	loc      *time.Location
	grants   pingrant.Store
	pinTTL   time.Duration
	logger   *slog.Logger
	resolver capacity.Resolver
	recorder history.Recorder
	tracer   trace.Tracer
}

func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Grants == nil {
		cfg.Grants = pingrant.NewMemoryStore(cfg.Clock.Now)
	}
	if cfg.PINTTL <= 0 {
		cfg.PINTTL = pingrant.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		clock:    cfg.Clock,
		loc:      cfg.Location,
		grants:   cfg.Grants,
		pinTTL:   cfg.PINTTL,
		logger:   cfg.Logger,
		resolver: capacity.NewResolver(),
		recorder: history.NewRecorder(cfg.Clock.Now),
		tracer:   otelx.Tracer("dispatch-service/lifecycle"),
	}
}

// Location is the zone calendar days are evaluated in.
func (e *Engine) Location() *time.Location {
	return e.loc
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// localDay is local midnight of the day t falls on.
func (e *Engine) localDay(t time.Time) time.Time {
	return calendar.StartOfDay(t.In(e.loc))
}

func (e *Engine) today() time.Time {
	return e.localDay(e.clock.Now())
}

// onGrid reports whether slotStart is a slot of its local day.
func (e *Engine) onGrid(slotStart time.Time, slotMinutes int) bool {
	return calendar.IsSlotStart(slotStart.In(e.loc), slotMinutes)
}

// translate maps storage sentinels onto the engine's.
func translate(err error) error {
	if errors.Is(err, storage.ErrNotFound) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (e *Engine) inTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return translate(e.store.InTx(ctx, fn))
}

func (e *Engine) emit(ctx context.Context, tx storage.Tx, name string, a model.Appointment, prev model.Status, actor *int64, reason string) error {
	evt, err := outbox.NewAppointmentEvent(name, outbox.AppointmentPayload{
		AppointmentID: a.ID,
		Status:        string(a.Status),
		PrevStatus:    string(prev),
		SlotStart:     a.SlotStart.UTC().Format(time.RFC3339),
		SlotEnd:       a.SlotEnd.UTC().Format(time.RFC3339),
		AssignedTo:    a.AssignedTo,
		ActorID:       actor,
		IsExtra:       a.IsExtra,
		Reason:        reason,
		OccurredAt:    e.now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("build %s event: %w", name, err)
	}
	if err := tx.EnqueueEvent(ctx, evt); err != nil {
		return fmt.Errorf("enqueue %s event: %w", name, err)
	}
	return nil
}

func userRef(id int64) *int64 {
	return &id
}

func formatSlot(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02 15:04")
}
