package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdnkl/dispatch/libs/db"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/outbox"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// slotLockClass namespaces the per-slot advisory locks taken by LockSlot.
const slotLockClass int32 = 4211

// Postgres is the Store backed by a pgx pool.
type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool, outbox: outbox.NewRepository(pool)}
}

// Migrate applies the embedded schema migrations.
func (p *Postgres) Migrate(ctx context.Context) ([]string, error) {
	return db.Migrate(ctx, p.pool, migrationsFS, "migrations")
}

// Outbox is the relay source for the outbox publisher.
func (p *Postgres) Outbox() *outbox.Repository {
	return p.outbox
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx, outbox: p.outbox}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var (
	_ Store         = (*Postgres)(nil)
	_ Tx            = (*pgTx)(nil)
	_ outbox.Source = (*outbox.Repository)(nil)
)

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return err
}

func (t *pgTx) Settings(ctx context.Context) (model.Settings, error) {
	var s model.Settings
	err := t.tx.QueryRow(ctx, `
		SELECT slot_minutes, default_capacity, field_extra_pin_hash, updated_at
		FROM settings
		WHERE id = 1
	`).Scan(&s.SlotMinutes, &s.DefaultCapacity, &s.FieldExtraPINHash, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		s = model.DefaultSettings()
		_, err = t.tx.Exec(ctx, `
			INSERT INTO settings (id, slot_minutes, default_capacity)
			VALUES (1, $1, $2)
			ON CONFLICT (id) DO NOTHING
		`, s.SlotMinutes, s.DefaultCapacity)
	}
	return s, err
}

func (t *pgTx) SaveSettings(ctx context.Context, s model.Settings) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO settings (id, slot_minutes, default_capacity, field_extra_pin_hash, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET slot_minutes = EXCLUDED.slot_minutes,
			default_capacity = EXCLUDED.default_capacity,
			field_extra_pin_hash = EXCLUDED.field_extra_pin_hash,
			updated_at = EXCLUDED.updated_at
	`, s.SlotMinutes, s.DefaultCapacity, s.FieldExtraPINHash, s.UpdatedAt)
	return err
}

func (t *pgTx) DaySetting(ctx context.Context, date time.Time) (model.DaySetting, bool, error) {
	var ds model.DaySetting
	err := t.tx.QueryRow(ctx, `
		SELECT day, self_assign_enabled, day_capacity_override
		FROM day_settings
		WHERE day = $1
	`, date).Scan(&ds.Date, &ds.SelfAssignEnabled, &ds.DayCapacityOverride)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DaySetting{}, false, nil
	}
	if err != nil {
		return model.DaySetting{}, false, err
	}
	return ds, true, nil
}

func (t *pgTx) UpsertDaySetting(ctx context.Context, ds model.DaySetting) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO day_settings (day, self_assign_enabled, day_capacity_override)
		VALUES ($1, $2, $3)
		ON CONFLICT (day) DO UPDATE
		SET self_assign_enabled = EXCLUDED.self_assign_enabled,
			day_capacity_override = EXCLUDED.day_capacity_override
	`, ds.Date, ds.SelfAssignEnabled, ds.DayCapacityOverride)
	return err
}

func (t *pgTx) SelfAssignDays(ctx context.Context, from time.Time) ([]time.Time, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT day
		FROM day_settings
		WHERE self_assign_enabled AND day >= $1
		ORDER BY day
	`, from)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[time.Time])
}

func (t *pgTx) SlotCapacity(ctx context.Context, date, slotStart time.Time) (int, bool, error) {
	var c int
	err := t.tx.QueryRow(ctx, `
		SELECT capacity
		FROM slot_capacities
		WHERE day = $1 AND slot_start = $2
	`, date, slotStart).Scan(&c)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return c, true, nil
}

func (t *pgTx) SlotCapacities(ctx context.Context, date time.Time) ([]model.SlotCapacity, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT day, slot_start, capacity
		FROM slot_capacities
		WHERE day = $1
		ORDER BY slot_start
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SlotCapacity
	for rows.Next() {
		var sc model.SlotCapacity
		if err := rows.Scan(&sc.Date, &sc.SlotStart, &sc.Capacity); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (t *pgTx) UpsertSlotCapacity(ctx context.Context, sc model.SlotCapacity) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO slot_capacities (day, slot_start, capacity)
		VALUES ($1, $2, $3)
		ON CONFLICT (day, slot_start) DO UPDATE
		SET capacity = EXCLUDED.capacity
	`, sc.Date, sc.SlotStart, sc.Capacity)
	return err
}

// LockSlot takes a transaction-scoped advisory lock keyed by the slot start minute.
func (t *pgTx) LockSlot(ctx context.Context, slotStart time.Time) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, slotLockClass, int32(slotStart.Unix()/60))
	return err
}

func (t *pgTx) EnqueueEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}
