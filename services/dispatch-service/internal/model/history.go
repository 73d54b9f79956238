package model

import "time"

type HistoryEntry struct {
	ID            int64
	AppointmentID int64
	UserID        *int64
	EventType     string
	Description   string
	CreatedAt     time.Time
}

type AuditEvent struct {
	ID         int64
	UserID     *int64
	EventType  string
	EntityType string
	EntityID   string
	Details    string
	CreatedAt  time.Time
}
