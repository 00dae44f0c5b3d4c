// Package recurrence computes schedule fire times. It has no side effects and
// performs no I/O.
package recurrence

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/dukex/courier/pkg/models"
)

// DefaultMaxIterations bounds the number of raw candidates examined before a
// schedule is declared unsatisfiable.
const DefaultMaxIterations = 365

// ErrUnsatisfiable means every candidate inside the iteration bound was
// excluded by exceptions, blackouts, weekends, holidays or the window.
var ErrUnsatisfiable = errors.New("recurrence cannot produce a valid future time")

// HolidayCalendar answers whether a date is a holiday.
type HolidayCalendar interface {
	IsHoliday(d models.Date) bool
}

// HolidaySet is a fixed set of holiday dates.
type HolidaySet map[models.Date]struct{}

func NewHolidaySet(dates ...models.Date) HolidaySet {
	set := make(HolidaySet, len(dates))
	for _, d := range dates {
		set[d] = struct{}{}
	}

	return set
}

func (h HolidaySet) IsHoliday(d models.Date) bool {
	_, ok := h[d]

	return ok
}

type Calculator struct {
	holidays      HolidayCalendar
	maxIterations int
}

type Option func(*Calculator)

func WithHolidays(h HolidayCalendar) Option {
	return func(c *Calculator) {
		c.holidays = h
	}
}

func WithMaxIterations(n int) Option {
	return func(c *Calculator) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

func New(opts ...Option) *Calculator {
	c := &Calculator{maxIterations: DefaultMaxIterations}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Next returns the first valid fire time strictly after `after`. ok is false
// with a nil error when the schedule has no further occurrences (a once
// schedule that already fired, or EndDate passed).
func (c *Calculator) Next(s *models.Schedule, exceptions []models.ScheduleException, after time.Time) (time.Time, bool, error) {
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, false, err
	}

	regular, found, err := c.nextRegular(s, exceptions, after, loc)
	if err != nil && !errors.Is(err, ErrUnsatisfiable) {
		return time.Time{}, false, err
	}

	if replacement, ok := c.nextReplacement(s, exceptions, after, loc); ok {
		if !found || replacement.Before(regular) {
			return replacement, true, nil
		}
	}

	if err != nil {
		return time.Time{}, false, err
	}

	return regular, found, nil
}

// Upcoming returns up to count consecutive fire times after `after`.
func (c *Calculator) Upcoming(s *models.Schedule, exceptions []models.ScheduleException, after time.Time, count int) ([]time.Time, error) {
	times := make([]time.Time, 0, count)
	cursor := after

	for len(times) < count {
		next, ok, err := c.Next(s, exceptions, cursor)
		if err != nil {
			if len(times) > 0 && errors.Is(err, ErrUnsatisfiable) {
				return times, nil
			}

			return times, err
		}

		if !ok {
			break
		}

		times = append(times, next)
		cursor = next
	}

	return times, nil
}

// OverrideFor merges the override config of every modify exception covering
// the date of t in the schedule's timezone. Later exceptions win.
func OverrideFor(s *models.Schedule, exceptions []models.ScheduleException, t time.Time) map[string]any {
	loc, err := s.Location()
	if err != nil {
		loc = time.UTC
	}

	day := models.DateOf(t.In(loc))

	var override map[string]any

	for _, e := range exceptions {
		if e.Kind != models.ExceptionModify || !e.Covers(day) {
			continue
		}

		if override == nil {
			override = make(map[string]any, len(e.OverrideConfig))
		}

		maps.Copy(override, e.OverrideConfig)
	}

	return override
}

func (c *Calculator) nextRegular(s *models.Schedule, exceptions []models.ScheduleException, after time.Time, loc *time.Location) (time.Time, bool, error) {
	cursor := after

	for range c.maxIterations {
		candidate, ok, err := raw(s, cursor, loc)
		if err != nil {
			return time.Time{}, false, err
		}

		if !ok {
			return time.Time{}, false, nil
		}

		day := models.DateOf(candidate.In(loc))
		if !s.EndDate.IsZero() && day.After(s.EndDate) {
			return time.Time{}, false, nil
		}

		cursor = endOfDay(day, loc)

		if c.Excluded(s, exceptions, day) {
			continue
		}

		if s.ExecutionWindow != nil {
			opens := day.At(s.ExecutionWindow.Start, loc)
			closes := day.At(s.ExecutionWindow.End, loc)

			if candidate.Before(opens) {
				candidate = opens
			}

			if !candidate.Before(closes) {
				continue
			}
		}

		return candidate, true, nil
	}

	return time.Time{}, false, fmt.Errorf("schedule %s: %w", s.ID, ErrUnsatisfiable)
}

// Excluded applies the date filters in order: skip and reschedule
// exceptions, blackout ranges, weekends, holidays.
func (c *Calculator) Excluded(s *models.Schedule, exceptions []models.ScheduleException, day models.Date) bool {
	for _, e := range exceptions {
		if (e.Kind == models.ExceptionSkip || e.Kind == models.ExceptionReschedule) && e.Covers(day) {
			return true
		}
	}

	if s.InBlackout(day) {
		return true
	}

	if s.SkipWeekends && (day.Weekday() == time.Saturday || day.Weekday() == time.Sunday) {
		return true
	}

	return s.SkipHolidays && c.holidays != nil && c.holidays.IsHoliday(day)
}

// nextReplacement returns the earliest reschedule replacement after `after`
// whose date carries a raw occurrence. Replacements bypass every filter.
func (c *Calculator) nextReplacement(s *models.Schedule, exceptions []models.ScheduleException, after time.Time, loc *time.Location) (time.Time, bool) {
	var best time.Time

	found := false

	for _, e := range exceptions {
		if e.Kind != models.ExceptionReschedule || e.ReplacementTime == nil || !e.ReplacementTime.After(after) {
			continue
		}

		if !occursOn(s, e.AppliesTo.Start, loc) {
			continue
		}

		if !found || e.ReplacementTime.Before(best) {
			best = *e.ReplacementTime
			found = true
		}
	}

	return best, found
}

func occursOn(s *models.Schedule, day models.Date, loc *time.Location) bool {
	candidate, ok, err := raw(s, day.In(loc).Add(-time.Nanosecond), loc)
	if err != nil || !ok {
		return false
	}

	return models.DateOf(candidate.In(loc)) == day
}

func endOfDay(day models.Date, loc *time.Location) time.Time {
	return day.AddDays(1).In(loc).Add(-time.Nanosecond)
}

// raw produces the next occurrence of the bare recurrence strictly after
// `after`, not earlier than the schedule's start date.
func raw(s *models.Schedule, after time.Time, loc *time.Location) (time.Time, bool, error) {
	local := after.In(loc)
	from := models.DateOf(local)

	if !s.StartDate.IsZero() && from.Before(s.StartDate) {
		from = s.StartDate
		local = s.StartDate.In(loc).Add(-time.Nanosecond)
	}

	r := s.Recurrence

	switch r.Type {
	case models.RecurrenceOnce:
		if r.RunAt == nil || !r.RunAt.After(after) {
			return time.Time{}, false, nil
		}

		return *r.RunAt, true, nil

	case models.RecurrenceDaily:
		interval := max(r.IntervalDays, 1)

		anchor := s.StartDate
		if anchor.IsZero() {
			anchor = models.Date{Year: 1970, Month: time.January, Day: 1}
		}

		day := from
		if offset := day.DaysSince(anchor) % interval; offset != 0 {
			day = day.AddDays(interval - offset)
		}

		candidate := day.At(s.TimeOfDay, loc)
		if !candidate.After(local) {
			candidate = day.AddDays(interval).At(s.TimeOfDay, loc)
		}

		return candidate, true, nil

	case models.RecurrenceWeekly:
		for i := range 8 {
			day := from.AddDays(i)
			if !slices.Contains(r.DaysOfWeek, day.Weekday()) {
				continue
			}

			if candidate := day.At(s.TimeOfDay, loc); candidate.After(local) {
				return candidate, true, nil
			}
		}

		return time.Time{}, false, nil

	case models.RecurrenceMonthly:
		for i := range 14 {
			first := models.Date{Year: from.Year, Month: from.Month + time.Month(i), Day: 1}.AddDays(0)

			day := models.Date{Year: first.Year, Month: first.Month, Day: min(r.DayOfMonth, daysIn(first))}
			if candidate := day.At(s.TimeOfDay, loc); candidate.After(local) {
				return candidate, true, nil
			}
		}

		return time.Time{}, false, nil

	case models.RecurrenceCron:
		schedule, err := models.CronParser.Parse(r.CronExpression)
		if err != nil {
			return time.Time{}, false, models.NewValidationError("recurrence.cron_expression", err.Error())
		}

		next := schedule.Next(local)
		if next.IsZero() {
			return time.Time{}, false, nil
		}

		return next, true, nil

	case models.RecurrenceCustom:
		dates := slices.Clone(r.Dates)
		slices.SortFunc(dates, func(a, b models.Date) int {
			return a.In(time.UTC).Compare(b.In(time.UTC))
		})

		for _, day := range dates {
			if day.Before(from) {
				continue
			}

			if candidate := day.At(s.TimeOfDay, loc); candidate.After(local) {
				return candidate, true, nil
			}
		}

		return time.Time{}, false, nil
	}

	return time.Time{}, false, models.NewValidationError("recurrence.type", "unknown recurrence type "+string(r.Type))
}

func daysIn(first models.Date) int {
	next := first.AddDays(32)

	return next.AddDays(-next.Day).Day
}
