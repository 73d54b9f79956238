package calendar

import "time"

// Window is a working period within a day, as offsets from midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// Windows are the two fixed daily working windows: 08:00-12:00 and 13:00-16:00.
var Windows = []Window{
	{Start: 8 * time.Hour, End: 12 * time.Hour},
	{Start: 13 * time.Hour, End: 16 * time.Hour},
}

// DaySlots returns the slot start times of day in ascending order. Each window
// yields window start, +slotMinutes, ... while strictly before the window end, so a
// slot length that does not divide the window leaves no partial trailing slot.
//
// The result is in day's location. slotMinutes <= 0 yields no slots.
func DaySlots(day time.Time, slotMinutes int) []time.Time {
	if slotMinutes <= 0 {
		return nil
	}
	step := time.Duration(slotMinutes) * time.Minute
	midnight := StartOfDay(day)

	var slots []time.Time
	for _, w := range Windows {
		end := wallClock(midnight, w.End)
		for t := wallClock(midnight, w.Start); t.Before(end); t = t.Add(step) {
			slots = append(slots, t)
		}
	}
	return slots
}

// IsSlotStart reports whether t is one of the slot starts DaySlots yields for its day.
func IsSlotStart(t time.Time, slotMinutes int) bool {
	for _, s := range DaySlots(t, slotMinutes) {
		if s.Equal(t) {
			return true
		}
	}
	return false
}

func SlotEnd(slotStart time.Time, slotMinutes int) time.Time {
	return slotStart.Add(time.Duration(slotMinutes) * time.Minute)
}

// StartOfDay is local midnight of t in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateOf is the calendar date of t (in t's location) as midnight UTC, the key used
// for day-level settings.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// InLocation places a date key back at local midnight in loc.
func InLocation(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func wallClock(midnight time.Time, offset time.Duration) time.Time {
	h := int(offset / time.Hour)
	m := int((offset % time.Hour) / time.Minute)
	return time.Date(midnight.Year(), midnight.Month(), midnight.Day(), h, m, 0, 0, midnight.Location())
}
