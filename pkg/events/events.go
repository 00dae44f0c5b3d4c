// Package events defines the messages exchanged between courier processes.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Kafka topics. Recipient work travels on its own topic so workers can scale
// on it independently of lifecycle notifications.
const (
	Topic     = "courier.events"
	TaskTopic = "courier.recipient.tasks"
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RecipientTaskReadyEvent    EventType = "recipient.task.ready"
	ExecutionStartedEvent      EventType = "execution.started"
	ExecutionFinalizedEvent    EventType = "execution.finalized"
	ScheduleFiredEvent         EventType = "schedule.fired"
	ScheduleUnsatisfiableEvent EventType = "schedule.unsatisfiable"
	QueueOverflowDegradedEvent EventType = "queue.overflow_degraded"
	QueueSLAViolatedEvent      EventType = "queue.sla_violated"
	ConversationAssignedEvent  EventType = "conversation.assigned"
	TriggerMatchedEvent        EventType = "trigger.matched"
)

// TopicFor returns the topic an event type is published on.
func TopicFor(eventType EventType) string {
	if eventType == RecipientTaskReadyEvent {
		return TaskTopic
	}

	return Topic
}

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// RecipientTaskReady asks a worker to process one recipient task.
type RecipientTaskReady struct {
	BaseEvent

	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	Attempt     int    `json:"attempt"`
}

func (e RecipientTaskReady) GetType() EventType {
	return RecipientTaskReadyEvent
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID    string `json:"execution_id"`
	AutomationID   string `json:"automation_id,omitempty"`
	ScheduleID     string `json:"schedule_id,omitempty"`
	RecipientTotal int    `json:"recipient_total"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

// ExecutionFinalized is published once per run, when its last recipient finishes.
type ExecutionFinalized struct {
	BaseEvent

	ExecutionID        string `json:"execution_id"`
	AutomationID       string `json:"automation_id,omitempty"`
	Status             string `json:"status"`
	RecipientTotal     int    `json:"recipient_total"`
	RecipientSucceeded int    `json:"recipient_succeeded"`
	RecipientFailed    int    `json:"recipient_failed"`
	RecipientCancelled int    `json:"recipient_cancelled"`
}

func (e ExecutionFinalized) GetType() EventType {
	return ExecutionFinalizedEvent
}

type ScheduleFired struct {
	BaseEvent

	ScheduleID   string     `json:"schedule_id"`
	AutomationID string     `json:"automation_id"`
	ExecutionID  string     `json:"execution_id,omitempty"`
	FiredAt      time.Time  `json:"fired_at"`
	NextAt       *time.Time `json:"next_at,omitempty"`
}

func (e ScheduleFired) GetType() EventType {
	return ScheduleFiredEvent
}

// ScheduleUnsatisfiable flags a schedule that was disabled for operator attention.
type ScheduleUnsatisfiable struct {
	BaseEvent

	ScheduleID   string `json:"schedule_id"`
	AutomationID string `json:"automation_id"`
}

func (e ScheduleUnsatisfiable) GetType() EventType {
	return ScheduleUnsatisfiableEvent
}

// QueueOverflowDegraded records a conversation accepted over capacity because
// every queue in the overflow chain was full.
type QueueOverflowDegraded struct {
	BaseEvent

	ConversationID string   `json:"conversation_id"`
	QueueID        string   `json:"queue_id"`
	Chain          []string `json:"chain"`
}

func (e QueueOverflowDegraded) GetType() EventType {
	return QueueOverflowDegradedEvent
}

type QueueSLAViolated struct {
	BaseEvent

	ConversationID string        `json:"conversation_id"`
	QueueID        string        `json:"queue_id"`
	QueuedAt       time.Time     `json:"queued_at"`
	Waited         time.Duration `json:"waited"`
	SLAMinutes     int           `json:"sla_minutes"`
}

func (e QueueSLAViolated) GetType() EventType {
	return QueueSLAViolatedEvent
}

type ConversationAssigned struct {
	BaseEvent

	ConversationID string `json:"conversation_id"`
	QueueID        string `json:"queue_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
}

func (e ConversationAssigned) GetType() EventType {
	return ConversationAssignedEvent
}

type TriggerMatched struct {
	BaseEvent

	TriggerID    string `json:"trigger_id"`
	ContactRef   string `json:"contact_ref,omitempty"`
	FlowID       string `json:"flow_id,omitempty"`
	AutomationID string `json:"automation_id,omitempty"`
	ExecutionID  string `json:"execution_id"`
}

func (e TriggerMatched) GetType() EventType {
	return TriggerMatchedEvent
}
