package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
)

const rescheduleColumns = `id, appointment_id, requested_by, reason, status, previous_status, resolved_by, resolved_at, created_at`

func scanReschedule(row pgx.Row) (model.RescheduleRequest, error) {
	var r model.RescheduleRequest
	var status, prev string
	err := row.Scan(&r.ID, &r.AppointmentID, &r.RequestedBy, &r.Reason, &status, &prev, &r.ResolvedBy, &r.ResolvedAt, &r.CreatedAt)
	r.Status = model.RescheduleStatus(status)
	r.PreviousStatus = model.Status(prev)
	return r, err
}

func (t *pgTx) InsertRescheduleRequest(ctx context.Context, r model.RescheduleRequest) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO reschedule_requests (appointment_id, requested_by, reason, status, previous_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, r.AppointmentID, r.RequestedBy, r.Reason, string(r.Status), string(r.PreviousStatus), r.CreatedAt).Scan(&id)
	return id, err
}

func (t *pgTx) RescheduleRequest(ctx context.Context, id int64) (model.RescheduleRequest, error) {
	r, err := scanReschedule(t.tx.QueryRow(ctx, `SELECT `+rescheduleColumns+` FROM reschedule_requests WHERE id = $1`, id))
	if err != nil {
		return model.RescheduleRequest{}, notFound(err, "reschedule request", id)
	}
	return r, nil
}

func (t *pgTx) PendingRescheduleRequests(ctx context.Context) ([]model.RescheduleRequest, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+rescheduleColumns+` FROM reschedule_requests WHERE status = 'pending' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RescheduleRequest
	for rows.Next() {
		r, err := scanReschedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (t *pgTx) ResolveRescheduleRequest(ctx context.Context, id int64, status model.RescheduleStatus, by int64, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reschedule_requests
		SET status = $2,
			resolved_by = $3,
			resolved_at = $4
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), by, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertHistory(ctx context.Context, h model.HistoryEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointment_history (appointment_id, user_id, event_type, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, h.AppointmentID, h.UserID, h.EventType, h.Description, h.CreatedAt)
	return err
}

func (t *pgTx) History(ctx context.Context, appointmentID int64) ([]model.HistoryEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, appointment_id, user_id, event_type, description, created_at
		FROM appointment_history
		WHERE appointment_id = $1
		ORDER BY created_at DESC, id DESC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		if err := rows.Scan(&h.ID, &h.AppointmentID, &h.UserID, &h.EventType, &h.Description, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (t *pgTx) InsertAudit(ctx context.Context, e model.AuditEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO audit_events (user_id, event_type, entity_type, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.UserID, e.EventType, e.EntityType, e.EntityID, e.Details, e.CreatedAt)
	return err
}

func (t *pgTx) RecentAudit(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, user_id, event_type, entity_type, entity_id, details, created_at
		FROM audit_events
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.EntityType, &e.EntityID, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
