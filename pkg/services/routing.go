package services

import (
	"context"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/router"
)

// QueueRouter is the router surface the API drives.
type QueueRouter interface {
	ListQueued(ctx context.Context, queueID string) ([]*models.Conversation, error)
	Pull(ctx context.Context, queueID, agentID string) (*models.Conversation, error)
	Release(ctx context.Context, conversationID string, target router.ReleaseTarget) (*models.Conversation, error)
	SLAViolations(ctx context.Context, queueID string, now time.Time) ([]router.Violation, error)
	Distribute(ctx context.Context, queueID string) ([]router.Assignment, error)
	Close(ctx context.Context, conversationID string) error
}

type Routing struct {
	router QueueRouter
	now    func() time.Time
}

func NewRouting(r QueueRouter, now func() time.Time) *Routing {
	if now == nil {
		now = time.Now
	}

	return &Routing{router: r, now: now}
}

// Queued lists the queue's waiting conversations in service order.
func (r *Routing) Queued(ctx context.Context, queueID string) ([]*models.Conversation, error) {
	conversations, err := r.router.ListQueued(ctx, queueID)
	if err != nil {
		return nil, err
	}

	if conversations == nil {
		conversations = []*models.Conversation{}
	}

	return conversations, nil
}

// Pull hands the head of the queue to the agent. A nil conversation means the
// queue is empty.
func (r *Routing) Pull(ctx context.Context, queueID, agentID string) (*models.Conversation, error) {
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}

	return r.router.Pull(ctx, queueID, agentID)
}

func (r *Routing) Release(ctx context.Context, conversationID string, target router.ReleaseTarget) (*models.Conversation, error) {
	if target.QueueID != "" && target.AgentID != "" {
		return nil, ErrConflictingTarget
	}

	return r.router.Release(ctx, conversationID, target)
}

func (r *Routing) SLAViolations(ctx context.Context, queueID string) ([]router.Violation, error) {
	violations, err := r.router.SLAViolations(ctx, queueID, r.now())
	if err != nil {
		return nil, err
	}

	if violations == nil {
		violations = []router.Violation{}
	}

	return violations, nil
}

// Distribute runs one round-robin pass over the queue. Manual queues yield
// no assignments.
func (r *Routing) Distribute(ctx context.Context, queueID string) ([]router.Assignment, error) {
	assignments, err := r.router.Distribute(ctx, queueID)
	if err != nil {
		return nil, err
	}

	if assignments == nil {
		assignments = []router.Assignment{}
	}

	return assignments, nil
}

func (r *Routing) Close(ctx context.Context, conversationID string) error {
	return r.router.Close(ctx, conversationID)
}
