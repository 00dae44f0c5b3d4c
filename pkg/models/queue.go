package models

import (
	"time"
)

// RoutingMode selects how a queue distributes conversations to agents.
type RoutingMode string

const (
	RoutingManual     RoutingMode = "manual"
	RoutingRoundRobin RoutingMode = "round_robin"
)

// BusinessHoursWindow opens a queue on one weekday between Start and End.
type BusinessHoursWindow struct {
	Weekday time.Weekday `json:"weekday" validate:"min=0,max=6"`
	Start   Clock        `json:"start"`
	End     Clock        `json:"end"`
}

// BusinessHours gates pulls from a queue. No windows means always open.
type BusinessHours struct {
	Timezone string                `json:"timezone,omitempty"`
	Windows  []BusinessHoursWindow `json:"windows,omitempty"  validate:"dive"`
}

// IsOpen reports whether t falls inside one of the configured windows.
func (b *BusinessHours) IsOpen(t time.Time) bool {
	if b == nil || len(b.Windows) == 0 {
		return true
	}

	loc, err := LoadLocation(b.Timezone)
	if err != nil {
		loc = time.UTC
	}

	local := t.In(loc)
	now := ClockOf(local).Minutes()

	for _, w := range b.Windows {
		if w.Weekday == local.Weekday() && now >= w.Start.Minutes() && now < w.End.Minutes() {
			return true
		}
	}

	return false
}

type Queue struct {
	ID                       string         `json:"id"`
	Name                     string         `json:"name"                        validate:"required"`
	DepartmentID             string         `json:"department_id,omitempty"`
	MaxQueueSize             int            `json:"max_queue_size"              validate:"min=0"`
	OverflowQueueID          string         `json:"overflow_queue_id,omitempty"`
	MaxConversationsPerAgent int            `json:"max_conversations_per_agent" validate:"min=0"`
	RoutingMode              RoutingMode    `json:"routing_mode"                validate:"omitempty,oneof=manual round_robin"`
	SLAMinutes               int            `json:"sla_minutes"                 validate:"min=0"`
	BusinessHours            *BusinessHours `json:"business_hours,omitempty"`
	AgentIDs                 []string       `json:"agent_ids,omitempty"`
	Active                   bool           `json:"active"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
}

func (q *Queue) Validate() error {
	if err := validateStruct(q); err != nil {
		return err
	}

	if q.OverflowQueueID != "" && q.OverflowQueueID == q.ID {
		return NewValidationError("overflow_queue_id", "queue cannot overflow into itself")
	}

	if q.BusinessHours != nil {
		if _, err := LoadLocation(q.BusinessHours.Timezone); err != nil {
			return err
		}

		for _, w := range q.BusinessHours.Windows {
			if w.End.Minutes() <= w.Start.Minutes() {
				return NewValidationError("business_hours", "window end must be after start")
			}
		}
	}

	return nil
}

// Unlimited reports whether the queue has no size limit.
func (q *Queue) Unlimited() bool {
	return q.MaxQueueSize <= 0
}

// ConversationStatus tracks who is handling a conversation.
type ConversationStatus string

const (
	ConversationBotActive ConversationStatus = "bot_active"
	ConversationQueued    ConversationStatus = "queued"
	ConversationActive    ConversationStatus = "active"
	ConversationClosed    ConversationStatus = "closed"
)

// Conversation is the routing record for one contact's chat. IsBotActive is
// false whenever Status is queued or active.
type Conversation struct {
	ID              string             `json:"id"`
	ContactRef      string             `json:"contact_ref"`
	Status          ConversationStatus `json:"status"`
	IsBotActive     bool               `json:"is_bot_active"`
	QueueID         string             `json:"queue_id,omitempty"`
	QueuePriority   int                `json:"queue_priority"`
	QueuedAt        *time.Time         `json:"queued_at,omitempty"`
	SLABreachedAt   *time.Time         `json:"sla_breached_at,omitempty"`
	AssignedAgentID string             `json:"assigned_agent_id,omitempty"`
	AssignedAt      *time.Time         `json:"assigned_at,omitempty"`
	ClosedAt        *time.Time         `json:"closed_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Enqueue places the conversation in a queue and starts its SLA clock.
func (c *Conversation) Enqueue(queueID string, priority int, now time.Time) {
	c.Status = ConversationQueued
	c.IsBotActive = false
	c.QueueID = queueID
	c.QueuePriority = priority
	c.QueuedAt = &now
	c.SLABreachedAt = nil
	c.AssignedAgentID = ""
	c.AssignedAt = nil
	c.UpdatedAt = now
}

// Assign hands the conversation to an agent.
func (c *Conversation) Assign(agentID string, now time.Time) {
	c.Status = ConversationActive
	c.IsBotActive = false
	c.AssignedAgentID = agentID
	c.AssignedAt = &now
	c.UpdatedAt = now
}

// Close ends the conversation.
func (c *Conversation) Close(now time.Time) {
	c.Status = ConversationClosed
	c.IsBotActive = false
	c.ClosedAt = &now
	c.UpdatedAt = now
}

// SLABreached reports whether a queued conversation has waited longer than
// the queue's SLA.
func (c *Conversation) SLABreached(q *Queue, now time.Time) bool {
	if c.Status != ConversationQueued || c.QueuedAt == nil || q.SLAMinutes <= 0 {
		return false
	}

	return now.Sub(*c.QueuedAt) > time.Duration(q.SLAMinutes)*time.Minute
}

// QueueOrder reports whether a should be served before b: higher priority
// first, then earlier queue time, then id.
func QueueOrder(a, b *Conversation) bool {
	if a.QueuePriority != b.QueuePriority {
		return a.QueuePriority > b.QueuePriority
	}

	var at, bt time.Time
	if a.QueuedAt != nil {
		at = *a.QueuedAt
	}

	if b.QueuedAt != nil {
		bt = *b.QueuedAt
	}

	if !at.Equal(bt) {
		return at.Before(bt)
	}

	return a.ID < b.ID
}
