// Package persistence provides the storage abstraction for schedules, runs,
// recipient tasks, flows and queue routing state.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/courier/pkg/models"
)

type Persistence interface {
	ScheduleRepository() ScheduleRepository
	AutomationRepository() AutomationRepository
	ExecutionRepository() ExecutionRepository
	RecipientTaskRepository() RecipientTaskRepository
	FlowRepository() FlowRepository
	QueueRepository() QueueRepository
	ConversationRepository() ConversationRepository
	TriggerRepository() TriggerRepository
	ContactRepository() ContactRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Advance is the post-claim state of a schedule computed by the scheduler.
type Advance struct {
	Next          *time.Time
	Unsatisfiable bool
}

// AdvanceFunc computes the next fire time of a claimed schedule. It runs
// inside the claim so the read and the advance are one atomic step.
type AdvanceFunc func(schedule *models.Schedule, exceptions []models.ScheduleException, now time.Time) Advance

// Claim is the pre-claim snapshot of a due schedule with its exceptions.
type Claim struct {
	Schedule   *models.Schedule
	Exceptions []models.ScheduleException
}

type ScheduleRepository interface {
	Save(ctx context.Context, schedule *models.Schedule) error
	GetByID(ctx context.Context, id string) (*models.Schedule, error)
	List(ctx context.Context) ([]*models.Schedule, error)
	Delete(ctx context.Context, id string) error

	// ClaimDue selects one active schedule with next_scheduled_at <= now and,
	// atomically, stores the result of advance and last_executed_at = now.
	// It returns nil when nothing is due.
	ClaimDue(ctx context.Context, now time.Time, advance AdvanceFunc) (*Claim, error)

	SaveException(ctx context.Context, exception *models.ScheduleException) error
	DeleteException(ctx context.Context, scheduleID, exceptionID string) error
	Exceptions(ctx context.Context, scheduleID string) ([]models.ScheduleException, error)
}

type AutomationRepository interface {
	Save(ctx context.Context, automation *models.Automation) error
	GetByID(ctx context.Context, id string) (*models.Automation, error)
	List(ctx context.Context) ([]*models.Automation, error)
}

type ExecutionRepository interface {
	// Create stores a run together with all of its recipient tasks.
	Create(ctx context.Context, execution *models.Execution, tasks []*models.RecipientTask) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	ListByAutomation(ctx context.Context, automationID string) ([]*models.Execution, error)

	// Cancel marks a non-terminal run cancelled. It returns ErrExecutionFinished
	// when the run already reached a terminal status.
	Cancel(ctx context.Context, id string) (*models.Execution, error)

	// RecordOutcome atomically adds one finished recipient to the run counters
	// and decrements RecipientPending. The returned run carries the new counters.
	RecordOutcome(ctx context.Context, id string, outcome models.RecipientOutcome) (*models.Execution, error)

	// Finalize sets the terminal status and finished_at once. It reports
	// whether this call performed the transition.
	Finalize(ctx context.Context, id string, status models.ExecutionStatus, finishedAt time.Time) (bool, error)
}

type RecipientTaskRepository interface {
	GetByID(ctx context.Context, id string) (*models.RecipientTask, error)
	ListByExecution(ctx context.Context, executionID string) ([]*models.RecipientTask, error)

	// Claim moves a pending or waiting task to processing. claimed is false
	// when the task was not in a claimable status; the current task is
	// returned either way.
	Claim(ctx context.Context, id string, now time.Time) (task *models.RecipientTask, claimed bool, err error)

	// Update stores a task owned by the worker that claimed it.
	Update(ctx context.Context, task *models.RecipientTask) error

	// ReleaseStale moves up to limit in-flight tasks last touched before
	// claimedBefore back to pending and returns them.
	ReleaseStale(ctx context.Context, claimedBefore, now time.Time, limit int) ([]*models.RecipientTask, error)
}

type FlowRepository interface {
	Save(ctx context.Context, flow *models.Flow) error
	GetByID(ctx context.Context, id string) (*models.Flow, error)
	List(ctx context.Context) ([]*models.Flow, error)
}

type QueueRepository interface {
	Save(ctx context.Context, queue *models.Queue) error
	GetByID(ctx context.Context, id string) (*models.Queue, error)
	List(ctx context.Context) ([]*models.Queue, error)
	// FirstActiveByDepartment returns the oldest active queue of a department.
	FirstActiveByDepartment(ctx context.Context, departmentID string) (*models.Queue, error)
}

type ConversationRepository interface {
	Save(ctx context.Context, conversation *models.Conversation) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	// FindOpenByContact returns the contact's non-closed conversation.
	FindOpenByContact(ctx context.Context, contactRef string) (*models.Conversation, error)

	// TryEnqueue places the conversation in the queue only while fewer than
	// maxSize conversations are queued there. maxSize <= 0 means unlimited.
	TryEnqueue(ctx context.Context, conversationID, queueID string, priority, maxSize int, now time.Time) (bool, error)
	// ForceEnqueue places the conversation in the queue regardless of size.
	ForceEnqueue(ctx context.Context, conversationID, queueID string, priority int, now time.Time) error

	CountQueued(ctx context.Context, queueID string) (int, error)
	// ListQueued orders by priority descending, then queued_at ascending.
	ListQueued(ctx context.Context, queueID string) ([]*models.Conversation, error)
	CountActiveByAgent(ctx context.Context, agentID string) (int, error)

	// MarkSLABreached flags the conversation's current wait as breached. It
	// returns false when the wait was already flagged or has ended.
	MarkSLABreached(ctx context.Context, conversationID string, queuedAt, now time.Time) (bool, error)

	// ClaimNext atomically assigns the head of the queue to the agent. It
	// returns nil when the queue is empty.
	ClaimNext(ctx context.Context, queueID, agentID string, now time.Time) (*models.Conversation, error)
}

type TriggerRepository interface {
	Save(ctx context.Context, trigger *models.Trigger) error
	GetByID(ctx context.Context, id string) (*models.Trigger, error)
	// ListActive returns active triggers of a type ordered by priority
	// descending, then id.
	ListActive(ctx context.Context, triggerType models.TriggerType) ([]*models.Trigger, error)
}

type ContactRepository interface {
	Save(ctx context.Context, contact *models.Contact) error
	GetByID(ctx context.Context, id string) (*models.Contact, error)
	ListActive(ctx context.Context) ([]*models.Contact, error)
}
