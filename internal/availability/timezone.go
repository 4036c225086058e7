package availability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"
)

var locations sync.Map // name -> *time.Location

func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	locations.Store(name, loc)
	return loc, nil
}

// ValidateTimezone reports whether name is a recognised IANA zone.
func ValidateTimezone(name string) bool {
	_, err := loadLocation(name)
	return err == nil
}

// ToUTC resolves a wall-clock time in tz to an absolute instant.
//
// A local time inside a spring-forward gap returns ErrNonexistentLocalTime.
// A local time that occurs twice because of a fall-back resolves to the
// standard-offset occurrence; 01:30 on 2024-11-03 in America/New_York is
// 06:30Z (EST), not 05:30Z (EDT).
func ToUTC(local civil.DateTime, tz string) (time.Time, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	candidates := resolveWallClock(local, loc)
	if len(candidates) == 0 {
		return time.Time{}, fmt.Errorf("%w: %s in %s", ErrNonexistentLocalTime, local, tz)
	}
	return pickStandard(candidates, loc), nil
}

// pickStandard returns the first candidate not in daylight time. Folds that
// are not DST transitions have no such preference and keep the earliest.
func pickStandard(candidates []time.Time, loc *time.Location) time.Time {
	for _, u := range candidates {
		if !u.In(loc).IsDST() {
			return u
		}
	}
	return candidates[0]
}

// resolveWallClock returns every instant whose wall clock in loc equals local,
// ascending. Zero results means a gap, two means a fold.
func resolveWallClock(local civil.DateTime, loc *time.Location) []time.Time {
	naive := local.In(time.UTC)

	// Real offsets stay within +-14h, so probing a day either side sees the
	// offsets in force before and after any transition near the wall time.
	var out []time.Time
	seen := make(map[int]struct{}, 3)
	for _, probe := range []time.Time{naive.Add(-24 * time.Hour), naive, naive.Add(24 * time.Hour)} {
		_, offset := probe.In(loc).Zone()
		if _, ok := seen[offset]; ok {
			continue
		}
		seen[offset] = struct{}{}

		u := naive.Add(-time.Duration(offset) * time.Second)
		if civil.DateTimeOf(u.In(loc)) == local {
			out = append(out, u.UTC())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// ToLocal converts an instant to the wall clock of tz.
func ToLocal(utc time.Time, tz string) (civil.DateTime, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return civil.DateTime{}, err
	}
	return civil.DateTimeOf(utc.In(loc)), nil
}

// IsDSTTransitionDate reports whether the UTC offset of tz changes at some
// point during the civil date.
func IsDSTTransitionDate(date civil.Date, tz string) (bool, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return false, err
	}

	dayStart := time.Date(date.Year, date.Month, date.Day, 0, 0, 0, 0, loc)
	dayEnd := time.Date(date.Year, date.Month, date.Day+1, 0, 0, 0, 0, loc)

	start, end := dayStart.ZoneBounds()
	if !start.IsZero() && civil.DateOf(start) == date && offsetShifts(start) {
		return true, nil
	}
	if !end.IsZero() && end.Before(dayEnd) && offsetShifts(end) {
		return true, nil
	}
	return false, nil
}

func offsetShifts(t time.Time) bool {
	_, before := t.Add(-time.Second).Zone()
	_, after := t.Zone()
	return before != after
}

// FormatLocal renders an instant in tz using layout.
func FormatLocal(utc time.Time, tz, layout string) (string, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return "", err
	}
	return utc.In(loc).Format(layout), nil
}

// ParseClock parses an HH:mm wall-clock time.
func ParseClock(s string) (civil.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return civil.Time{}, fmt.Errorf("time %q must be HH:mm: %w", s, err)
	}
	return civil.Time{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// FormatClock renders a civil time as HH:mm.
func FormatClock(t civil.Time) string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func minutesOf(t civil.Time) int {
	return t.Hour*60 + t.Minute
}

func clockAt(minutes int) civil.Time {
	return civil.Time{Hour: minutes / 60, Minute: minutes % 60}
}
