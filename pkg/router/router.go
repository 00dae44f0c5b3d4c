// Package router places handed-off conversations into queues and hands them
// to agents. Queue capacity is the only state it updates atomically; the
// repositories provide that guarantee.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

type Router struct {
	queues        persistence.QueueRepository
	conversations persistence.ConversationRepository
	publisher     eventbus.EventPublisher
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	cursors map[string]int
}

type Option func(*Router)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// WithPublisher publishes routing events. Without one they are only logged.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(r *Router) {
		r.publisher = publisher
	}
}

func New(p persistence.Persistence, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		queues:        p.QueueRepository(),
		conversations: p.ConversationRepository(),
		logger:        logger.With("module", "queue_router"),
		now:           func() time.Time { return time.Now().UTC() },
		cursors:       map[string]int{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Assign enqueues the conversation in queueID, following overflow queues
// while the target is full. A visited set stops cycles, so a chain of k
// queues takes at most k+1 steps. When the whole chain is full the
// conversation goes to queueID over its limit and a CapacityError is
// reported, never returned.
func (r *Router) Assign(ctx context.Context, conversationID, queueID string, priority int) (string, error) {
	conversation, err := r.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return "", err
	}

	if conversation.Status == models.ConversationClosed {
		return "", ErrConversationClosed
	}

	now := r.now()
	visited := map[string]bool{}
	chain := make([]string, 0, 4)
	current := queueID

	for current != "" && !visited[current] {
		visited[current] = true
		chain = append(chain, current)

		queue, err := r.queues.GetByID(ctx, current)
		if err != nil {
			if current == queueID {
				return "", err
			}

			r.logger.WarnContext(ctx, "overflow queue unavailable", "queue_id", current, "error", err)

			break
		}

		if !queue.Active && current != queueID {
			current = queue.OverflowQueueID

			continue
		}

		if conversation.Status == models.ConversationQueued && conversation.QueueID == queue.ID {
			r.logger.DebugContext(ctx, "conversation already queued",
				"conversation_id", conversationID, "queue_id", queue.ID)

			return queue.ID, nil
		}

		ok, err := r.conversations.TryEnqueue(ctx, conversationID, queue.ID, priority, queue.MaxQueueSize, now)
		if err != nil {
			return "", fmt.Errorf("enqueue into %s: %w", queue.ID, err)
		}

		if ok {
			r.logger.InfoContext(ctx, "conversation queued",
				"conversation_id", conversationID, "queue_id", queue.ID, "priority", priority, "hops", len(chain)-1)
			r.publish(ctx, conversationID, events.ConversationAssigned{
				BaseEvent:      events.NewBaseEvent(events.ConversationAssignedEvent),
				ConversationID: conversationID,
				QueueID:        queue.ID,
			})

			return queue.ID, nil
		}

		current = queue.OverflowQueueID
	}

	if err := r.conversations.ForceEnqueue(ctx, conversationID, queueID, priority, now); err != nil {
		return "", fmt.Errorf("enqueue into %s: %w", queueID, err)
	}

	capErr := &CapacityError{ConversationID: conversationID, QueueID: queueID, Chain: chain}
	r.logger.WarnContext(ctx, "overflow chain exhausted, accepted over capacity", "error", capErr)
	r.publish(ctx, conversationID, events.QueueOverflowDegraded{
		BaseEvent:      events.NewBaseEvent(events.QueueOverflowDegradedEvent),
		ConversationID: conversationID,
		QueueID:        queueID,
		Chain:          chain,
	})

	return queueID, nil
}

// AssignToAgent hands the conversation straight to an agent, bypassing queues.
func (r *Router) AssignToAgent(ctx context.Context, conversationID, agentID string) error {
	conversation, err := r.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}

	if conversation.Status == models.ConversationClosed {
		return ErrConversationClosed
	}

	conversation.Assign(agentID, r.now())

	if err := r.conversations.Save(ctx, conversation); err != nil {
		return err
	}

	r.publish(ctx, conversationID, events.ConversationAssigned{
		BaseEvent:      events.NewBaseEvent(events.ConversationAssignedEvent),
		ConversationID: conversationID,
		QueueID:        conversation.QueueID,
		AgentID:        agentID,
	})

	return nil
}

// QueueForDepartment resolves a department to its first active queue.
func (r *Router) QueueForDepartment(ctx context.Context, departmentID string) (string, error) {
	queue, err := r.queues.FirstActiveByDepartment(ctx, departmentID)
	if err != nil {
		return "", err
	}

	return queue.ID, nil
}

// ListQueued returns the queue's waiting conversations, highest priority
// first, then oldest first.
func (r *Router) ListQueued(ctx context.Context, queueID string) ([]*models.Conversation, error) {
	if _, err := r.queues.GetByID(ctx, queueID); err != nil {
		return nil, err
	}

	return r.conversations.ListQueued(ctx, queueID)
}

// Pull gives the next eligible conversation to agentID. It returns nil when
// the queue is empty.
func (r *Router) Pull(ctx context.Context, queueID, agentID string) (*models.Conversation, error) {
	queue, err := r.queues.GetByID(ctx, queueID)
	if err != nil {
		return nil, err
	}

	now := r.now()

	if err := r.acceptsPulls(queue, now); err != nil {
		return nil, err
	}

	if len(queue.AgentIDs) > 0 && !slices.Contains(queue.AgentIDs, agentID) {
		return nil, ErrAgentNotMember
	}

	available, err := r.agentAvailable(ctx, queue, agentID)
	if err != nil {
		return nil, err
	}

	if !available {
		return nil, ErrAgentAtCapacity
	}

	return r.claim(ctx, queue, agentID, now)
}

// Assignment pairs a distributed conversation with its agent.
type Assignment struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
}

// Distribute hands queued conversations to the queue's agents in round-robin
// order, skipping agents at capacity, until the queue or the agents run out.
// Queues in manual mode are left for agents to pull.
func (r *Router) Distribute(ctx context.Context, queueID string) ([]Assignment, error) {
	queue, err := r.queues.GetByID(ctx, queueID)
	if err != nil {
		return nil, err
	}

	if queue.RoutingMode != models.RoutingRoundRobin || len(queue.AgentIDs) == 0 {
		return nil, nil
	}

	now := r.now()

	if err := r.acceptsPulls(queue, now); err != nil {
		return nil, err
	}

	var assignments []Assignment

	for {
		agentID, err := r.nextAgent(ctx, queue)
		if err != nil {
			return assignments, err
		}

		if agentID == "" {
			return assignments, nil
		}

		conversation, err := r.claim(ctx, queue, agentID, now)
		if err != nil {
			return assignments, err
		}

		if conversation == nil {
			return assignments, nil
		}

		assignments = append(assignments, Assignment{ConversationID: conversation.ID, AgentID: agentID})
	}
}

// nextAgent advances the queue's cursor to the next agent below capacity.
// It returns "" when every agent is full.
func (r *Router) nextAgent(ctx context.Context, queue *models.Queue) (string, error) {
	r.mu.Lock()
	start := r.cursors[queue.ID]
	r.mu.Unlock()

	n := len(queue.AgentIDs)

	for i := range n {
		idx := (start + i) % n
		agentID := queue.AgentIDs[idx]

		available, err := r.agentAvailable(ctx, queue, agentID)
		if err != nil {
			return "", err
		}

		if available {
			r.mu.Lock()
			r.cursors[queue.ID] = (idx + 1) % n
			r.mu.Unlock()

			return agentID, nil
		}
	}

	return "", nil
}

func (r *Router) claim(ctx context.Context, queue *models.Queue, agentID string, now time.Time) (*models.Conversation, error) {
	conversation, err := r.conversations.ClaimNext(ctx, queue.ID, agentID, now)
	if err != nil || conversation == nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "conversation assigned",
		"conversation_id", conversation.ID, "queue_id", queue.ID, "agent_id", agentID)
	r.publish(ctx, conversation.ID, events.ConversationAssigned{
		BaseEvent:      events.NewBaseEvent(events.ConversationAssignedEvent),
		ConversationID: conversation.ID,
		QueueID:        queue.ID,
		AgentID:        agentID,
	})

	return conversation, nil
}

func (r *Router) acceptsPulls(queue *models.Queue, now time.Time) error {
	if !queue.Active {
		return ErrQueueInactive
	}

	if !queue.BusinessHours.IsOpen(now) {
		return ErrQueueClosed
	}

	return nil
}

func (r *Router) agentAvailable(ctx context.Context, queue *models.Queue, agentID string) (bool, error) {
	if queue.MaxConversationsPerAgent <= 0 {
		return true, nil
	}

	active, err := r.conversations.CountActiveByAgent(ctx, agentID)
	if err != nil {
		return false, err
	}

	return active < queue.MaxConversationsPerAgent, nil
}

// ReleaseTarget says where a released conversation goes. Empty means back to
// the queue it came from.
type ReleaseTarget struct {
	QueueID string `json:"queue_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// Release takes a conversation from its agent and re-routes it.
func (r *Router) Release(ctx context.Context, conversationID string, target ReleaseTarget) (*models.Conversation, error) {
	conversation, err := r.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if conversation.Status == models.ConversationClosed {
		return nil, ErrConversationClosed
	}

	switch {
	case target.AgentID != "":
		err = r.AssignToAgent(ctx, conversationID, target.AgentID)
	case target.QueueID != "":
		_, err = r.Assign(ctx, conversationID, target.QueueID, conversation.QueuePriority)
	case conversation.QueueID != "":
		_, err = r.Assign(ctx, conversationID, conversation.QueueID, conversation.QueuePriority)
	default:
		err = ErrNoReleaseTarget
	}

	if err != nil {
		return nil, err
	}

	return r.conversations.GetByID(ctx, conversationID)
}

// Close ends a conversation and frees its agent slot.
func (r *Router) Close(ctx context.Context, conversationID string) error {
	conversation, err := r.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}

	if conversation.Status == models.ConversationClosed {
		return nil
	}

	conversation.Close(r.now())

	return r.conversations.Save(ctx, conversation)
}

// Violation is a queued conversation that has waited past its queue's SLA.
type Violation struct {
	ConversationID string        `json:"conversation_id"`
	QueueID        string        `json:"queue_id"`
	QueuedAt       time.Time     `json:"queued_at"`
	Waited         time.Duration `json:"waited"`
	SLAMinutes     int           `json:"sla_minutes"`
}

// SLAViolations lists waiting conversations past the queue's SLA. Violations
// are reported, never enforced.
func (r *Router) SLAViolations(ctx context.Context, queueID string, now time.Time) ([]Violation, error) {
	queue, err := r.queues.GetByID(ctx, queueID)
	if err != nil {
		return nil, err
	}

	if queue.SLAMinutes <= 0 {
		return nil, nil
	}

	queued, err := r.conversations.ListQueued(ctx, queueID)
	if err != nil {
		return nil, err
	}

	var violations []Violation

	for _, c := range queued {
		if !c.SLABreached(queue, now) {
			continue
		}

		violations = append(violations, Violation{
			ConversationID: c.ID,
			QueueID:        queueID,
			QueuedAt:       *c.QueuedAt,
			Waited:         now.Sub(*c.QueuedAt),
			SLAMinutes:     queue.SLAMinutes,
		})
	}

	return violations, nil
}

// SweepSLA reports SLA violations of every active queue on the event bus,
// once per wait. It returns how many were newly reported.
func (r *Router) SweepSLA(ctx context.Context) (int, error) {
	queues, err := r.queues.List(ctx)
	if err != nil {
		return 0, err
	}

	now := r.now()
	total := 0

	var errs []error

	for _, queue := range queues {
		if !queue.Active {
			continue
		}

		violations, err := r.SLAViolations(ctx, queue.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", queue.ID, err))

			continue
		}

		for _, v := range violations {
			marked, err := r.conversations.MarkSLABreached(ctx, v.ConversationID, v.QueuedAt, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("conversation %s: %w", v.ConversationID, err))

				continue
			}

			if !marked {
				continue
			}

			total++

			r.logger.WarnContext(ctx, "sla violated",
				"conversation_id", v.ConversationID, "queue_id", v.QueueID, "waited", v.Waited)
			r.publish(ctx, v.ConversationID, events.QueueSLAViolated{
				BaseEvent:      events.NewBaseEvent(events.QueueSLAViolatedEvent),
				ConversationID: v.ConversationID,
				QueueID:        v.QueueID,
				QueuedAt:       v.QueuedAt,
				Waited:         v.Waited,
				SLAMinutes:     v.SLAMinutes,
			})
		}
	}

	return total, errors.Join(errs...)
}

func (r *Router) publish(ctx context.Context, key string, event eventbus.Event) {
	if r.publisher == nil {
		return
	}

	if err := r.publisher.Publish(ctx, key, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to publish routing event", "event_type", event.GetType(), "error", err)
	}
}
