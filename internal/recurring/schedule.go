package recurring

import (
	"sort"
	"time"
)

// NextOccurrence advances from the given occurrence to the next one under
// the template's recurrence rule.
//
// Day-based frequencies are simple interval addition. Month-based
// frequencies add calendar months and clamp the day to the last valid day of
// the target month, so a day-31 rule fires on Feb 28 (or 29 in a leap year).
// Annual recurrence adds years, optionally pinning the month.
func (t *Template) NextOccurrence(current time.Time) (time.Time, error) {
	current = midnightUTC(current)
	interval := t.Interval
	if interval < 1 {
		interval = 1
	}

	switch t.Frequency {
	case Daily:
		return current.AddDate(0, 0, interval), nil

	case Weekly:
		if len(t.DaysOfWeek) > 0 {
			return nextWeekday(current, t.DaysOfWeek, interval), nil
		}
		return current.AddDate(0, 0, 7*interval), nil

	case Biweekly:
		return current.AddDate(0, 0, 14*interval), nil

	case Monthly, Quarterly, Semiannually:
		step, _ := monthsFor(t.Frequency)
		return nextMonthDay(current, t.DaysOfMonth, step*interval), nil

	case Annually:
		year := current.Year() + interval
		month := current.Month()
		if len(t.MonthsOfYear) > 0 {
			month = t.MonthsOfYear[0]
		}
		return clampedDate(year, month, current.Day()), nil
	}

	return time.Time{}, &UnsupportedFrequencyError{Frequency: t.Frequency}
}

// OccurrenceDates expands the template over [windowStart, windowEnd]. The
// iteration is always anchored at the template's start date, so expanding
// two overlapping windows and de-duplicating by date yields exactly the same
// set as one expansion over the union window. Expansion stops at the first
// of: the template end date, the window end, or the occurrence cap.
func (t *Template) OccurrenceDates(windowStart, windowEnd time.Time) ([]time.Time, error) {
	if !SupportedFrequency(t.Frequency) {
		return nil, &UnsupportedFrequencyError{Frequency: t.Frequency}
	}
	windowStart = midnightUTC(windowStart)
	windowEnd = midnightUTC(windowEnd)

	collectFrom := t.StartDate
	if windowStart.After(collectFrom) {
		collectFrom = windowStart
	}

	cur, err := t.firstOccurrence()
	if err != nil {
		return nil, err
	}

	var out []time.Time
	count := 0
	for {
		if !t.EndDate.IsZero() && cur.After(t.EndDate) {
			break
		}
		if t.EndAfterOccurrences > 0 && count >= t.EndAfterOccurrences {
			break
		}
		if cur.After(windowEnd) {
			break
		}
		count++
		if !cur.Before(collectFrom) {
			out = append(out, cur)
		}
		cur, err = t.NextOccurrence(cur)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// firstOccurrence aligns the template start date to the recurrence pattern:
// the earliest date on or after the start date the rule can fire on.
func (t *Template) firstOccurrence() (time.Time, error) {
	start := t.StartDate

	switch t.Frequency {
	case Daily, Biweekly:
		return start, nil

	case Weekly:
		if len(t.DaysOfWeek) == 0 {
			return start, nil
		}
		for i := 0; i < 7; i++ {
			d := start.AddDate(0, 0, i)
			if weekdayIn(d.Weekday(), t.DaysOfWeek) {
				return d, nil
			}
		}
		return start, nil

	case Monthly, Quarterly, Semiannually:
		if len(t.DaysOfMonth) == 0 {
			return start, nil
		}
		days := sortedDays(t.DaysOfMonth)
		for _, day := range days {
			d := clampedDate(start.Year(), start.Month(), day)
			if !d.Before(start) {
				return d, nil
			}
		}
		step, _ := monthsFor(t.Frequency)
		y, m := addMonths(start.Year(), start.Month(), step*max(t.Interval, 1))
		return clampedDate(y, m, days[0]), nil

	case Annually:
		if len(t.MonthsOfYear) == 0 {
			return start, nil
		}
		d := clampedDate(start.Year(), t.MonthsOfYear[0], start.Day())
		if d.Before(start) {
			d = clampedDate(start.Year()+max(t.Interval, 1), t.MonthsOfYear[0], start.Day())
		}
		return d, nil
	}

	return time.Time{}, &UnsupportedFrequencyError{Frequency: t.Frequency}
}

// nextWeekday returns the next date after current whose weekday is in the
// set, jumping interval-1 extra weeks when the scan wraps past the week end.
func nextWeekday(current time.Time, days []time.Weekday, interval int) time.Time {
	for i := 1; i <= 7; i++ {
		d := current.AddDate(0, 0, i)
		if weekdayIn(d.Weekday(), days) {
			if d.Weekday() <= current.Weekday() && interval > 1 {
				// Wrapped into the next week; honor the week interval.
				d = d.AddDate(0, 0, 7*(interval-1))
			}
			return d
		}
	}
	return current.AddDate(0, 0, 7*interval)
}

// nextMonthDay returns the next listed day of month after current, staying
// in the current month when a later listed day exists, otherwise jumping
// step months and taking the earliest listed day clamped to that month.
func nextMonthDay(current time.Time, daysOfMonth []int, step int) time.Time {
	if len(daysOfMonth) == 0 {
		y, m := addMonths(current.Year(), current.Month(), step)
		return clampedDate(y, m, current.Day())
	}
	days := sortedDays(daysOfMonth)
	for _, day := range days {
		d := clampedDate(current.Year(), current.Month(), day)
		if d.After(current) {
			return d
		}
	}
	y, m := addMonths(current.Year(), current.Month(), step)
	return clampedDate(y, m, days[0])
}

// clampedDate builds a date clamping the day to the last valid day of the
// month, e.g. day 31 in February becomes Feb 28 or Feb 29.
func clampedDate(year int, month time.Month, day int) time.Time {
	last := daysInMonth(year, month)
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// daysInMonth returns the number of days in the given month.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// addMonths advances a (year, month) pair without day normalization.
func addMonths(year int, month time.Month, months int) (int, time.Month) {
	total := year*12 + int(month) - 1 + months
	return total / 12, time.Month(total%12 + 1)
}

func weekdayIn(w time.Weekday, set []time.Weekday) bool {
	for _, d := range set {
		if d == w {
			return true
		}
	}
	return false
}

func sortedDays(days []int) []int {
	out := make([]int, len(days))
	copy(out, days)
	sort.Ints(out)
	return out
}
