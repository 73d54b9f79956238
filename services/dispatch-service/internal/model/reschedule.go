package model

import "time"

type RescheduleStatus string

const (
	ReschedulePending  RescheduleStatus = "pending"
	RescheduleApproved RescheduleStatus = "approved"
	RescheduleRejected RescheduleStatus = "rejected"
)

type RescheduleRequest struct {
	ID             int64
	AppointmentID  int64
	RequestedBy    int64
	Reason         string
	Status         RescheduleStatus
	PreviousStatus Status
	ResolvedBy     *int64
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}
