package outbox

import (
	"encoding/json"
	"strconv"
	"time"
)

// Event is the domain event envelope written to the outbox table in the same
// transaction as the change it describes.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Record is a persisted outbox row awaiting publication.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

const AggregateAppointment = "appointment"

// Appointment event names. The full type is dispatch.appointment.<name>.v1.
const (
	EventCreated            = "created"
	EventAccepted           = "accepted"
	EventAssigned           = "assigned"
	EventStatusChanged      = "status_changed"
	EventCancelled          = "cancelled"
	EventRescheduleRequest  = "reschedule_requested"
	EventRescheduled        = "rescheduled"
	EventRescheduleRejected = "reschedule_rejected"
)

func AppointmentEventType(name string) string {
	return "dispatch.appointment." + name + ".v1"
}

// AppointmentPayload is the JSON body of every appointment event.
type AppointmentPayload struct {
	AppointmentID int64  `json:"appointment_id"`
	Status        string `json:"status"`
	PrevStatus    string `json:"prev_status,omitempty"`
	SlotStart     string `json:"slot_start"`
	SlotEnd       string `json:"slot_end"`
	AssignedTo    *int64 `json:"assigned_to,omitempty"`
	ActorID       *int64 `json:"actor_id,omitempty"`
	IsExtra       bool   `json:"is_extra,omitempty"`
	Reason        string `json:"reason,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

// NewAppointmentEvent builds the envelope for an appointment event.
func NewAppointmentEvent(name string, p AppointmentPayload) (Event, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateAppointment,
		AggregateID:   strconv.FormatInt(p.AppointmentID, 10),
		EventType:     AppointmentEventType(name),
		Payload:       raw,
	}, nil
}
