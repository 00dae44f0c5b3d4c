package models

import "time"

// RecipientMode selects how an automation resolves its recipient list.
type RecipientMode string

const (
	RecipientsExplicit  RecipientMode = "explicit"
	RecipientsAllActive RecipientMode = "all_active"
)

type RecipientSelector struct {
	Mode       RecipientMode `json:"mode"                  validate:"required,oneof=explicit all_active"`
	ContactIDs []string      `json:"contact_ids,omitempty"`
}

// Automation is a bulk message automation: a flow run for many recipients.
type Automation struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"               validate:"required"`
	FlowID           string            `json:"flow_id"            validate:"required"`
	ScheduleID       string            `json:"schedule_id,omitempty"`
	Recipients       RecipientSelector `json:"recipients"`
	Variables        map[string]any    `json:"variables,omitempty"`
	RateLimitPerHour int               `json:"rate_limit_per_hour" validate:"gte=0"`
	BatchesPerHour   int               `json:"batches_per_hour"    validate:"gte=0"`
	MaxRetries       int               `json:"max_retries"         validate:"gte=0"`
	Active           bool              `json:"active"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (a *Automation) Validate() error {
	if err := validateStruct(a); err != nil {
		return err
	}

	if a.Recipients.Mode == RecipientsExplicit && len(a.Recipients.ContactIDs) == 0 {
		return NewValidationError("recipients.contact_ids", "explicit recipients require contact ids")
	}

	return nil
}

// ExecutionStatus is the lifecycle state of an automation run.
type ExecutionStatus string

const (
	ExecutionPending        ExecutionStatus = "pending"
	ExecutionRunning        ExecutionStatus = "running"
	ExecutionCompleted      ExecutionStatus = "completed"
	ExecutionPartialFailure ExecutionStatus = "partial_failure"
	ExecutionFailed         ExecutionStatus = "failed"
	ExecutionCancelled      ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionPartialFailure, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// ExecutionTrigger records what started a run.
type ExecutionTrigger string

const (
	TriggeredBySchedule ExecutionTrigger = "schedule"
	TriggeredManually   ExecutionTrigger = "manual"
	TriggeredByEvent    ExecutionTrigger = "event"
)

// Execution is one automation run. RecipientPending is the fan-in counter:
// the run finalizes when it reaches zero.
type Execution struct {
	ID                 string           `json:"id"`
	AutomationID       string           `json:"automation_id,omitempty"`
	FlowID             string           `json:"flow_id"`
	ScheduleID         string           `json:"schedule_id,omitempty"`
	Trigger            ExecutionTrigger `json:"trigger"`
	Status             ExecutionStatus  `json:"status"`
	RecipientTotal     int              `json:"recipient_total"`
	RecipientSucceeded int              `json:"recipient_succeeded"`
	RecipientFailed    int              `json:"recipient_failed"`
	RecipientCancelled int              `json:"recipient_cancelled"`
	RecipientPending   int              `json:"recipient_pending"`
	OverrideConfig     map[string]any   `json:"override_config,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	FinishedAt         *time.Time       `json:"finished_at,omitempty"`
}

// TerminalStatus aggregates recipient outcomes into the run's final status.
// A cancelled run stays cancelled; a run without recipients completes.
func (e *Execution) TerminalStatus() ExecutionStatus {
	switch {
	case e.Status == ExecutionCancelled:
		return ExecutionCancelled
	case e.RecipientFailed == 0:
		return ExecutionCompleted
	case e.RecipientSucceeded == 0:
		return ExecutionFailed
	default:
		return ExecutionPartialFailure
	}
}

// RecipientOutcome is what a finished recipient contributes to its run.
type RecipientOutcome string

const (
	OutcomeSucceeded RecipientOutcome = "succeeded"
	OutcomeFailed    RecipientOutcome = "failed"
	OutcomeCancelled RecipientOutcome = "cancelled"
)

// TaskStatus is the lifecycle state of a recipient task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskWaiting    TaskStatus = "waiting"
	TaskSent       TaskStatus = "sent"
	TaskDelivered  TaskStatus = "delivered"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Claimable reports whether a worker may pick the task up.
func (s TaskStatus) Claimable() bool {
	return s == TaskPending || s == TaskWaiting
}

// InFlight reports a task a worker holds between claim and finish.
func (s TaskStatus) InFlight() bool {
	return s == TaskProcessing || s == TaskSent || s == TaskDelivered
}

// FlowState is the resumable position of a recipient inside its flow.
type FlowState struct {
	CurrentNodeID string         `json:"current_node_id,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Steps         int            `json:"steps"`
}

// DeliveryReceipt is returned by the send capability.
type DeliveryReceipt struct {
	MessageID string    `json:"message_id"`
	NodeID    string    `json:"node_id"`
	Delivered bool      `json:"delivered"`
	SentAt    time.Time `json:"sent_at"`
}

// RecipientTask is the per-recipient unit of work of an execution.
type RecipientTask struct {
	ID             string            `json:"id"`
	ExecutionID    string            `json:"execution_id"`
	ContactRef     string            `json:"contact_ref"`
	Variables      map[string]any    `json:"variables,omitempty"`
	Status         TaskStatus        `json:"status"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	LastError      string            `json:"last_error,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	FlowState      FlowState         `json:"flow_state"`
	Receipts       []DeliveryReceipt `json:"receipts,omitempty"`
	NextAttemptAt  *time.Time        `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

// Contact is the collaborator-owned recipient record.
type Contact struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Phone     string         `json:"phone"`
	Active    bool           `json:"active"`
	Variables map[string]any `json:"variables,omitempty"`
}
