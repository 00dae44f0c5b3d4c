package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCapacity           = errors.New("queue capacity exhausted")
	ErrQueueClosed        = errors.New("queue is outside business hours")
	ErrQueueInactive      = errors.New("queue is inactive")
	ErrAgentAtCapacity    = errors.New("agent is at conversation capacity")
	ErrAgentNotMember     = errors.New("agent is not a member of the queue")
	ErrConversationClosed = errors.New("conversation is closed")
	ErrNoReleaseTarget    = errors.New("conversation has no queue to release to")
)

// CapacityError describes an overflow chain where every queue was full. It is
// logged and published; the conversation is still accepted by the original
// queue.
type CapacityError struct {
	ConversationID string
	QueueID        string
	Chain          []string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("conversation %s: queue %s full, overflow chain [%s] exhausted",
		e.ConversationID, e.QueueID, strings.Join(e.Chain, " -> "))
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}
