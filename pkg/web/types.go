package web

import (
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/services"
)

// ScheduleRequest is the body of schedule create and update. Computed fields
// (next_scheduled_at, last_executed_at, unsatisfiable) are not accepted.
type ScheduleRequest struct {
	AutomationID    string                  `json:"automation_id"              validate:"required"`
	Name            string                  `json:"name"                       validate:"required"`
	Recurrence      models.Recurrence       `json:"recurrence"`
	TimeOfDay       models.Clock            `json:"time_of_day"`
	Timezone        string                  `json:"timezone"`
	StartDate       models.Date             `json:"start_date"`
	EndDate         models.Date             `json:"end_date"`
	ExecutionWindow *models.ExecutionWindow `json:"execution_window,omitempty"`
	SkipWeekends    bool                    `json:"skip_weekends"`
	SkipHolidays    bool                    `json:"skip_holidays"`
	BlackoutRanges  []models.DateRange      `json:"blackout_ranges,omitempty"`
	Active          *bool                   `json:"active,omitempty"`
}

func (r ScheduleRequest) toModel() *models.Schedule {
	active := true
	if r.Active != nil {
		active = *r.Active
	}

	return &models.Schedule{
		AutomationID:    r.AutomationID,
		Name:            r.Name,
		Recurrence:      r.Recurrence,
		TimeOfDay:       r.TimeOfDay,
		Timezone:        r.Timezone,
		StartDate:       r.StartDate,
		EndDate:         r.EndDate,
		ExecutionWindow: r.ExecutionWindow,
		SkipWeekends:    r.SkipWeekends,
		SkipHolidays:    r.SkipHolidays,
		BlackoutRanges:  r.BlackoutRanges,
		Active:          active,
	}
}

type ExceptionRequest struct {
	Kind            models.ExceptionKind `json:"kind"                       validate:"required,oneof=skip reschedule modify"`
	AppliesTo       models.DateRange     `json:"applies_to"`
	ReplacementTime *time.Time           `json:"replacement_time,omitempty"`
	OverrideConfig  map[string]any       `json:"override_config,omitempty"`
	Reason          string               `json:"reason,omitempty"`
}

type PreviewResponse struct {
	ScheduleID string      `json:"schedule_id"`
	FireTimes  []time.Time `json:"fire_times"`
}

type PullRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
}

type ReleaseRequest struct {
	QueueID string `json:"queue_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

type EventResponse struct {
	Matched     bool   `json:"matched"`
	TriggerID   string `json:"trigger_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// RecipientResponse is one recipient's outcome inside a run status.
type RecipientResponse struct {
	TaskID        string            `json:"task_id"`
	ContactRef    string            `json:"contact_ref"`
	Status        models.TaskStatus `json:"status"`
	RetryCount    int               `json:"retry_count"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
}

type ExecutionResponse struct {
	*models.Execution

	Recipients []RecipientResponse `json:"recipients"`
}

// TransformExecutionResponse flattens a run status, leaving out flow state
// and delivery receipts.
func TransformExecutionResponse(status *services.ExecutionStatus) ExecutionResponse {
	recipients := make([]RecipientResponse, 0, len(status.Recipients))

	for _, task := range status.Recipients {
		recipients = append(recipients, RecipientResponse{
			TaskID:        task.ID,
			ContactRef:    task.ContactRef,
			Status:        task.Status,
			RetryCount:    task.RetryCount,
			LastError:     task.LastError,
			NextAttemptAt: task.NextAttemptAt,
			FinishedAt:    task.FinishedAt,
		})
	}

	return ExecutionResponse{Execution: status.Execution, Recipients: recipients}
}
