package model

import "time"

type Status string

const (
	StatusNew               Status = "new"
	StatusAccepted          Status = "accepted"
	StatusInProgress        Status = "in_progress"
	StatusCompleted         Status = "completed"
	StatusNotCompleted      Status = "not_completed"
	StatusReschedulePending Status = "reschedule_pending"
	StatusCancelled         Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusNew,
	StatusAccepted,
	StatusInProgress,
	StatusCompleted,
	StatusNotCompleted,
	StatusReschedulePending,
	StatusCancelled,
}

func ParseStatus(raw string) (Status, bool) {
	for _, s := range Statuses {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// Occupying reports whether an appointment in this status counts toward its slot's capacity.
func (s Status) Occupying() bool {
	return s != StatusCancelled
}

type Appointment struct {
	ID              int64
	ServiceID       int64
	Status          Status
	FullName        string
	AccountNumber   string
	Phone           string
	Street          string
	House           string
	Apartment       string
	AddressExtra    string
	SlotStart       time.Time
	SlotEnd         time.Time
	OperatorComment string
	FieldNotes      string
	AssignedTo      *int64
	CreatedBy       int64
	CancelledReason string
	IsExtra         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewAppointment is the operator- or field-supplied payload for a booking.
// SlotEnd and Status are derived by the lifecycle engine.
type NewAppointment struct {
	ServiceID       int64
	FullName        string
	AccountNumber   string
	Phone           string
	Street          string
	House           string
	Apartment       string
	AddressExtra    string
	SlotStart       time.Time
	OperatorComment string
	CreatedBy       int64
	IsExtra         bool
}

// Meter and Seal are the results a field technician records on a visit.
type Meter struct {
	ID                       int64
	AppointmentID            int64
	MeterNumber              string
	MeterModel               string
	PassportVerificationDate string
	VerificationInterval     string
}

type Seal struct {
	ID            int64
	AppointmentID int64
	SealNumber    string
}
