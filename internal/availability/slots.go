package availability

import (
	"errors"
	"time"

	"cloud.google.com/go/civil"
)

// GeneratedDay is the slot set produced for one civil date.
type GeneratedDay struct {
	Date          civil.Date
	Slots         []Slot
	SkippedDSTGap int
}

// GenerateSlots walks [start, end) on date in steps of slot+break minutes and
// emits one available slot per step whose end still fits the window.
//
// Slots whose local start or end falls in a DST gap are left out and
// counted in SkippedDSTGap; generation carries on with the next step.
// The returned slots carry only times and status, the caller assigns ids.
func GenerateSlots(date civil.Date, start, end civil.Time, tz string, slotMinutes, breakMinutes int) (GeneratedDay, error) {
	if slotMinutes <= 0 {
		return GeneratedDay{}, fieldErr("slot_duration", ErrInvalidDuration, "must be positive, got %d", slotMinutes)
	}
	if breakMinutes < 0 {
		return GeneratedDay{}, fieldErr("break_duration", ErrInvalidDuration, "must not be negative, got %d", breakMinutes)
	}
	startMin, endMin := minutesOf(start), minutesOf(end)
	if endMin <= startMin {
		return GeneratedDay{}, fieldErr("end_time", ErrInvalidDuration, "%s must be after start time %s", FormatClock(end), FormatClock(start))
	}
	if _, err := loadLocation(tz); err != nil {
		return GeneratedDay{}, fieldErr("timezone", err, "unknown timezone %q", tz)
	}

	day := GeneratedDay{Date: date}
	length := time.Duration(slotMinutes) * time.Minute
	step := slotMinutes + breakMinutes

	for m := startMin; m+slotMinutes <= endMin; m += step {
		slotStart, err := ToUTC(civil.DateTime{Date: date, Time: clockAt(m)}, tz)
		if errors.Is(err, ErrNonexistentLocalTime) {
			day.SkippedDSTGap++
			continue
		}
		if err != nil {
			return GeneratedDay{}, err
		}
		if _, err := ToUTC(civil.DateTime{Date: date, Time: clockAt(m + slotMinutes)}, tz); errors.Is(err, ErrNonexistentLocalTime) {
			day.SkippedDSTGap++
			continue
		}

		day.Slots = append(day.Slots, Slot{
			Start:  slotStart,
			End:    slotStart.Add(length),
			Status: SlotAvailable,
		})
	}

	return day, nil
}

// ExpectedSlotCount is the number of slots a window yields before any DST
// gap is taken into account.
func ExpectedSlotCount(windowMinutes, slotMinutes, breakMinutes int) int {
	if slotMinutes <= 0 || breakMinutes < 0 || windowMinutes < slotMinutes {
		return 0
	}
	return (windowMinutes-slotMinutes)/(slotMinutes+breakMinutes) + 1
}
