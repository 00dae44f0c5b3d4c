package models

import (
	"time"

	"github.com/robfig/cron/v3"
)

// RecurrenceType tags the Recurrence variant.
type RecurrenceType string

const (
	RecurrenceOnce    RecurrenceType = "once"
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
	RecurrenceCron    RecurrenceType = "cron"
	RecurrenceCustom  RecurrenceType = "custom"
)

// CronParser accepts the standard 5-field cron format.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Recurrence is a tagged variant; only the fields of Type are meaningful.
type Recurrence struct {
	Type           RecurrenceType `json:"type"                      validate:"required,oneof=once daily weekly monthly cron custom"`
	RunAt          *time.Time     `json:"run_at,omitempty"`          // once
	IntervalDays   int            `json:"interval_days,omitempty"`   // daily
	DaysOfWeek     []time.Weekday `json:"days_of_week,omitempty"`    // weekly
	DayOfMonth     int            `json:"day_of_month,omitempty"`    // monthly
	CronExpression string         `json:"cron_expression,omitempty"` // cron
	Dates          []Date         `json:"dates,omitempty"`           // custom
}

func (r Recurrence) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}

	switch r.Type {
	case RecurrenceOnce:
		if r.RunAt == nil || r.RunAt.IsZero() {
			return NewValidationError("recurrence.run_at", "required for once recurrence")
		}
	case RecurrenceDaily:
		if r.IntervalDays < 1 {
			return NewValidationError("recurrence.interval_days", "must be at least 1")
		}
	case RecurrenceWeekly:
		if len(r.DaysOfWeek) == 0 {
			return NewValidationError("recurrence.days_of_week", "at least one day is required")
		}

		for _, d := range r.DaysOfWeek {
			if d < time.Sunday || d > time.Saturday {
				return NewValidationError("recurrence.days_of_week", "day out of range")
			}
		}
	case RecurrenceMonthly:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return NewValidationError("recurrence.day_of_month", "must be between 1 and 31")
		}
	case RecurrenceCron:
		if _, err := CronParser.Parse(r.CronExpression); err != nil {
			return NewValidationError("recurrence.cron_expression", err.Error())
		}
	case RecurrenceCustom:
		if len(r.Dates) == 0 {
			return NewValidationError("recurrence.dates", "at least one date is required")
		}
	}

	return nil
}

// ExecutionWindow bounds the time-of-day at which a schedule may fire.
type ExecutionWindow struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

func (w ExecutionWindow) Validate() error {
	if w.End.Minutes() <= w.Start.Minutes() {
		return NewValidationError("execution_window", "end must be after start")
	}

	return nil
}

// Opens returns the window start on the date of t, in t's location.
func (w ExecutionWindow) Opens(t time.Time) time.Time {
	return DateOf(t).At(w.Start, t.Location())
}

// Closes returns the window end on the date of t, in t's location.
func (w ExecutionWindow) Closes(t time.Time) time.Time {
	return DateOf(t).At(w.End, t.Location())
}

// NextOpen returns t itself when t is inside the window, otherwise the next
// instant at which the window opens.
func (w ExecutionWindow) NextOpen(t time.Time) time.Time {
	opens := w.Opens(t)
	if t.Before(opens) {
		return opens
	}

	if t.Before(w.Closes(t)) {
		return t
	}

	return DateOf(t).AddDays(1).At(w.Start, t.Location())
}

// Schedule drives an automation on a recurrence pattern.
type Schedule struct {
	ID              string           `json:"id"`
	AutomationID    string           `json:"automation_id"             validate:"required"`
	Name            string           `json:"name"`
	Recurrence      Recurrence       `json:"recurrence"`
	TimeOfDay       Clock            `json:"time_of_day"`
	Timezone        string           `json:"timezone"`
	StartDate       Date             `json:"start_date"`
	EndDate         Date             `json:"end_date"`
	ExecutionWindow *ExecutionWindow `json:"execution_window,omitempty"`
	SkipWeekends    bool             `json:"skip_weekends"`
	SkipHolidays    bool             `json:"skip_holidays"`
	BlackoutRanges  []DateRange      `json:"blackout_ranges,omitempty"`
	NextScheduledAt *time.Time       `json:"next_scheduled_at,omitempty"`
	LastExecutedAt  *time.Time       `json:"last_executed_at,omitempty"`
	Active          bool             `json:"active"`
	Unsatisfiable   bool             `json:"unsatisfiable"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Location resolves the schedule timezone.
func (s *Schedule) Location() (*time.Location, error) {
	return LoadLocation(s.Timezone)
}

// IsDue reports whether the schedule should fire at now.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active && s.NextScheduledAt != nil && !s.NextScheduledAt.After(now)
}

// InBlackout reports whether d is covered by a blackout range.
func (s *Schedule) InBlackout(d Date) bool {
	for _, r := range s.BlackoutRanges {
		if r.Contains(d) {
			return true
		}
	}

	return false
}

// Validate checks the schedule configuration.
func (s *Schedule) Validate() error {
	if err := validateStruct(s); err != nil {
		return err
	}

	if err := s.Recurrence.Validate(); err != nil {
		return err
	}

	if _, err := s.Location(); err != nil {
		return err
	}

	if s.ExecutionWindow != nil {
		if err := s.ExecutionWindow.Validate(); err != nil {
			return err
		}
	}

	for _, r := range s.BlackoutRanges {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	if !s.EndDate.IsZero() && !s.StartDate.IsZero() && s.EndDate.Before(s.StartDate) {
		return NewValidationError("end_date", "end date is before start date")
	}

	return nil
}

// ExceptionKind tags a ScheduleException.
type ExceptionKind string

const (
	ExceptionSkip       ExceptionKind = "skip"
	ExceptionReschedule ExceptionKind = "reschedule"
	ExceptionModify     ExceptionKind = "modify"
)

// ScheduleException is a one-off override applied to specific occurrences.
type ScheduleException struct {
	ID              string         `json:"id"`
	ScheduleID      string         `json:"schedule_id"                validate:"required"`
	Kind            ExceptionKind  `json:"kind"                       validate:"required,oneof=skip reschedule modify"`
	AppliesTo       DateRange      `json:"applies_to"`
	ReplacementTime *time.Time     `json:"replacement_time,omitempty"`
	OverrideConfig  map[string]any `json:"override_config,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (e *ScheduleException) Validate() error {
	if err := validateStruct(e); err != nil {
		return err
	}

	if err := e.AppliesTo.Validate(); err != nil {
		return err
	}

	switch e.Kind {
	case ExceptionReschedule:
		if e.ReplacementTime == nil {
			return NewValidationError("replacement_time", "required for reschedule exceptions")
		}

		if e.AppliesTo.last() != e.AppliesTo.Start {
			return NewValidationError("applies_to", "reschedule applies to a single date")
		}
	case ExceptionModify:
		if len(e.OverrideConfig) == 0 {
			return NewValidationError("override_config", "required for modify exceptions")
		}
	case ExceptionSkip:
	}

	return nil
}

// Covers reports whether the exception applies to d.
func (e *ScheduleException) Covers(d Date) bool {
	return e.AppliesTo.Contains(d)
}
