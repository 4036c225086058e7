package availability

import (
	"iter"
	"time"

	"cloud.google.com/go/civil"
)

// MonthEndPolicy decides what a monthly recurrence does when its day of
// month does not exist in the target month (the 31st in April).
type MonthEndPolicy string

const (
	MonthEndSkip  MonthEndPolicy = "skip"
	MonthEndClamp MonthEndPolicy = "clamp"
)

// RecurrenceExpander turns a base date and recurrence into concrete dates.
type RecurrenceExpander struct {
	MonthEnd MonthEndPolicy
}

func NewRecurrenceExpander(policy MonthEndPolicy) RecurrenceExpander {
	if policy != MonthEndClamp {
		policy = MonthEndSkip
	}
	return RecurrenceExpander{MonthEnd: policy}
}

// Validate checks that rec can be expanded from base.
func (RecurrenceExpander) Validate(base civil.Date, rec Recurrence) error {
	switch rec.Kind {
	case "", RecurrenceNone:
		return nil
	case RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
	default:
		return fieldErr("recurrence_pattern", ErrInvalidRecurrence, "unknown pattern %q", rec.Kind)
	}
	if rec.EndDate == nil {
		return fieldErr("recurrence_end_date", ErrInvalidRecurrence, "required for %s recurrence", rec.Kind)
	}
	if !rec.EndDate.IsValid() {
		return fieldErr("recurrence_end_date", ErrInvalidRecurrence, "%s is not a valid date", rec.EndDate)
	}
	if rec.EndDate.Before(base) {
		return fieldErr("recurrence_end_date", ErrInvalidRecurrence, "%s is before start date %s", rec.EndDate, base)
	}
	return nil
}

// Expand yields the recurrence dates in ascending order, starting at base.
// The sequence is finite and can be ranged over more than once.
func (e RecurrenceExpander) Expand(base civil.Date, rec Recurrence) (iter.Seq[civil.Date], error) {
	if !base.IsValid() {
		return nil, fieldErr("date", ErrInvalidRecurrence, "%s is not a valid date", base)
	}
	if err := e.Validate(base, rec); err != nil {
		return nil, err
	}
	if !rec.IsRecurring() {
		return func(yield func(civil.Date) bool) {
			yield(base)
		}, nil
	}

	end := *rec.EndDate
	switch rec.Kind {
	case RecurrenceDaily:
		return stepDays(base, end, 1), nil
	case RecurrenceWeekly:
		return stepDays(base, end, 7), nil
	default:
		return e.monthly(base, end), nil
	}
}

// ExpandBetween yields the recurrence dates that fall inside [from, to].
func (e RecurrenceExpander) ExpandBetween(base civil.Date, rec Recurrence, from, to civil.Date) (iter.Seq[civil.Date], error) {
	all, err := e.Expand(base, rec)
	if err != nil {
		return nil, err
	}
	return func(yield func(civil.Date) bool) {
		for d := range all {
			if d.After(to) {
				return
			}
			if d.Before(from) {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}, nil
}

func stepDays(base, end civil.Date, step int) iter.Seq[civil.Date] {
	return func(yield func(civil.Date) bool) {
		for d := base; !d.After(end); d = d.AddDays(step) {
			if !yield(d) {
				return
			}
		}
	}
}

func (e RecurrenceExpander) monthly(base, end civil.Date) iter.Seq[civil.Date] {
	return func(yield func(civil.Date) bool) {
		for i := 0; ; i++ {
			first := addMonths(civil.Date{Year: base.Year, Month: base.Month, Day: 1}, i)
			if first.After(end) {
				return
			}

			d := civil.Date{Year: first.Year, Month: first.Month, Day: base.Day}
			if !d.IsValid() {
				if e.MonthEnd != MonthEndClamp {
					continue
				}
				d.Day = daysIn(first.Year, first.Month)
			}
			if d.After(end) {
				return
			}
			if !yield(d) {
				return
			}
		}
	}
}

func addMonths(first civil.Date, n int) civil.Date {
	return civil.DateOf(time.Date(first.Year, first.Month+time.Month(n), 1, 0, 0, 0, 0, time.UTC))
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
