package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
)

const appointmentColumns = `
	id, service_id, status, full_name, account_number, phone, street, house, apartment, address_extra,
	slot_start, slot_end, operator_comment, field_notes, assigned_to, created_by, cancelled_reason,
	is_extra, created_at, updated_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var status string
	err := row.Scan(
		&a.ID,
		&a.ServiceID,
		&status,
		&a.FullName,
		&a.AccountNumber,
		&a.Phone,
		&a.Street,
		&a.House,
		&a.Apartment,
		&a.AddressExtra,
		&a.SlotStart,
		&a.SlotEnd,
		&a.OperatorComment,
		&a.FieldNotes,
		&a.AssignedTo,
		&a.CreatedBy,
		&a.CancelledReason,
		&a.IsExtra,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	a.Status = model.Status(status)
	return a, err
}

func (t *pgTx) CountOccupying(ctx context.Context, slotStart time.Time, excludeID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE slot_start = $1 AND status <> 'cancelled' AND id <> $2
	`, slotStart, excludeID).Scan(&n)
	return n, err
}

func (t *pgTx) OccupancyBetween(ctx context.Context, from, to time.Time) (map[int64]int, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT slot_start, count(*)
		FROM appointments
		WHERE slot_start >= $1 AND slot_start < $2 AND status <> 'cancelled'
		GROUP BY slot_start
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]int{}
	for rows.Next() {
		var slot time.Time
		var n int
		if err := rows.Scan(&slot, &n); err != nil {
			return nil, err
		}
		out[slot.Unix()] = n
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (t *pgTx) InsertAppointment(ctx context.Context, a model.Appointment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO appointments
			(service_id, status, full_name, account_number, phone, street, house, apartment, address_extra,
			slot_start, slot_end, operator_comment, assigned_to, created_by, is_extra, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id
	`, a.ServiceID, string(a.Status), a.FullName, a.AccountNumber, a.Phone, a.Street, a.House, a.Apartment, a.AddressExtra,
		a.SlotStart, a.SlotEnd, a.OperatorComment, a.AssignedTo, a.CreatedBy, a.IsExtra, a.CreatedAt, a.UpdatedAt).Scan(&id)
	return id, err
}

func (t *pgTx) Appointment(ctx context.Context, id int64) (model.Appointment, error) {
	a, err := scanAppointment(t.tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return model.Appointment{}, notFound(err, "appointment", id)
	}
	return a, nil
}

func (t *pgTx) ListAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("slot_start >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("slot_start < $%d", f.To)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			statuses = append(statuses, string(s))
		}
		add("status = ANY($%d)", statuses)
	}
	if f.AssignedTo != nil {
		add("assigned_to = $%d", *f.AssignedTo)
	}
	if f.OnlyUnassigned {
		where = append(where, "assigned_to IS NULL")
	}
	if len(f.IDs) > 0 {
		add("id = ANY($%d)", f.IDs)
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY slot_start, id`

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (t *pgTx) ClaimUnassigned(ctx context.Context, id, userID int64, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'accepted',
			assigned_to = $2,
			updated_at = $3
		WHERE id = $1 AND status = 'new' AND assigned_to IS NULL
	`, id, userID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateStatus(ctx context.Context, c StatusChange) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET status = $3,
			assigned_to = COALESCE($4, assigned_to),
			cancelled_reason = COALESCE($5, cancelled_reason),
			field_notes = COALESCE($6, field_notes),
			updated_at = $7
		WHERE id = $1 AND status = $2
	`, c.ID, string(c.From), string(c.To), c.AssignedTo, c.CancelledReason, c.FieldNotes, c.At)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) MoveAppointment(ctx context.Context, id int64, from model.Status, slotStart, slotEnd, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET slot_start = $3,
			slot_end = $4,
			assigned_to = NULL,
			status = 'new',
			updated_at = $5
		WHERE id = $1 AND status = $2
	`, id, string(from), slotStart, slotEnd, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertMeter(ctx context.Context, m model.Meter) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO meters (appointment_id, meter_number, meter_model, passport_verification_date, verification_interval)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, m.AppointmentID, m.MeterNumber, m.MeterModel, m.PassportVerificationDate, m.VerificationInterval).Scan(&id)
	return id, err
}

func (t *pgTx) InsertSeal(ctx context.Context, s model.Seal) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO seals (appointment_id, seal_number)
		VALUES ($1, $2)
		RETURNING id
	`, s.AppointmentID, s.SealNumber).Scan(&id)
	return id, err
}

func (t *pgTx) Meters(ctx context.Context, appointmentID int64) ([]model.Meter, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, appointment_id, meter_number, meter_model, passport_verification_date, verification_interval
		FROM meters
		WHERE appointment_id = $1
		ORDER BY id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Meter
	for rows.Next() {
		var m model.Meter
		if err := rows.Scan(&m.ID, &m.AppointmentID, &m.MeterNumber, &m.MeterModel, &m.PassportVerificationDate, &m.VerificationInterval); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (t *pgTx) Seals(ctx context.Context, appointmentID int64) ([]model.Seal, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, appointment_id, seal_number
		FROM seals
		WHERE appointment_id = $1
		ORDER BY id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Seal
	for rows.Next() {
		var s model.Seal
		if err := rows.Scan(&s.ID, &s.AppointmentID, &s.SealNumber); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
