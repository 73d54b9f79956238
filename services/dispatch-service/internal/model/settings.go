package model

import "time"

const (
	DefaultSlotMinutes = 30
	DefaultCapacity    = 6
)

// Settings is the singleton (id=1) domain configuration row.
type Settings struct {
	SlotMinutes       int
	DefaultCapacity   int
	FieldExtraPINHash string
	UpdatedAt         time.Time
}

func DefaultSettings() Settings {
	return Settings{SlotMinutes: DefaultSlotMinutes, DefaultCapacity: DefaultCapacity}
}

// DaySetting is keyed by Date (midnight UTC of the calendar day).
type DaySetting struct {
	Date                time.Time
	SelfAssignEnabled   bool
	DayCapacityOverride *int
}

type SlotCapacity struct {
	Date      time.Time
	SlotStart time.Time
	Capacity  int
}
