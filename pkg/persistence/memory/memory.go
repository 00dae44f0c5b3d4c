// Package memory provides an in-process persistence implementation. A single
// mutex guards every record so claims and counters are atomic.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

type Persistence struct {
	mu sync.Mutex

	schedules     map[string]*models.Schedule
	exceptions    map[string][]models.ScheduleException
	automations   map[string]*models.Automation
	executions    map[string]*models.Execution
	tasks         map[string]*models.RecipientTask
	flows         map[string]*models.Flow
	queues        map[string]*models.Queue
	conversations map[string]*models.Conversation
	triggers      map[string]*models.Trigger
	contacts      map[string]*models.Contact

	now func() time.Time
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		schedules:     map[string]*models.Schedule{},
		exceptions:    map[string][]models.ScheduleException{},
		automations:   map[string]*models.Automation{},
		executions:    map[string]*models.Execution{},
		tasks:         map[string]*models.RecipientTask{},
		flows:         map[string]*models.Flow{},
		queues:        map[string]*models.Queue{},
		conversations: map[string]*models.Conversation{},
		triggers:      map[string]*models.Trigger{},
		contacts:      map[string]*models.Contact{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (p *Persistence) ScheduleRepository() persistence.ScheduleRepository {
	return &scheduleRepository{p}
}

func (p *Persistence) AutomationRepository() persistence.AutomationRepository {
	return &automationRepository{p}
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return &executionRepository{p}
}

func (p *Persistence) RecipientTaskRepository() persistence.RecipientTaskRepository {
	return &taskRepository{p}
}

func (p *Persistence) FlowRepository() persistence.FlowRepository {
	return &flowRepository{p}
}

func (p *Persistence) QueueRepository() persistence.QueueRepository {
	return &queueRepository{p}
}

func (p *Persistence) ConversationRepository() persistence.ConversationRepository {
	return &conversationRepository{p}
}

func (p *Persistence) TriggerRepository() persistence.TriggerRepository {
	return &triggerRepository{p}
}

func (p *Persistence) ContactRepository() persistence.ContactRepository {
	return &contactRepository{p}
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) touch(created *time.Time, updated *time.Time) {
	now := p.now()
	if created.IsZero() {
		*created = now
	}

	if updated != nil {
		*updated = now
	}
}

// copies keep callers from mutating stored records through shared pointers.

func copySchedule(s *models.Schedule) *models.Schedule {
	c := *s
	c.Recurrence.DaysOfWeek = slices.Clone(s.Recurrence.DaysOfWeek)
	c.Recurrence.Dates = slices.Clone(s.Recurrence.Dates)
	c.BlackoutRanges = slices.Clone(s.BlackoutRanges)

	if s.ExecutionWindow != nil {
		w := *s.ExecutionWindow
		c.ExecutionWindow = &w
	}

	return &c
}

func copyExecution(e *models.Execution) *models.Execution {
	c := *e
	c.OverrideConfig = maps.Clone(e.OverrideConfig)

	return &c
}

func copyTask(t *models.RecipientTask) *models.RecipientTask {
	c := *t
	c.Variables = maps.Clone(t.Variables)
	c.FlowState.Variables = maps.Clone(t.FlowState.Variables)
	c.Receipts = slices.Clone(t.Receipts)

	return &c
}

func copyConversation(c *models.Conversation) *models.Conversation {
	out := *c

	return &out
}

type scheduleRepository struct{ p *Persistence }

func (r *scheduleRepository) Save(_ context.Context, schedule *models.Schedule) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	r.p.touch(&schedule.CreatedAt, &schedule.UpdatedAt)
	r.p.schedules[schedule.ID] = copySchedule(schedule)

	return nil
}

func (r *scheduleRepository) GetByID(_ context.Context, id string) (*models.Schedule, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	s, ok := r.p.schedules[id]
	if !ok {
		return nil, persistence.ErrScheduleNotFound
	}

	return copySchedule(s), nil
}

func (r *scheduleRepository) List(_ context.Context) ([]*models.Schedule, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	out := make([]*models.Schedule, 0, len(r.p.schedules))
	for _, s := range r.p.schedules {
		out = append(out, copySchedule(s))
	}

	slices.SortFunc(out, func(a, b *models.Schedule) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	return out, nil
}

func (r *scheduleRepository) Delete(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.schedules[id]; !ok {
		return persistence.ErrScheduleNotFound
	}

	delete(r.p.schedules, id)
	delete(r.p.exceptions, id)

	return nil
}

func (r *scheduleRepository) ClaimDue(_ context.Context, now time.Time, advance persistence.AdvanceFunc) (*persistence.Claim, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var due *models.Schedule

	for _, s := range r.p.schedules {
		if !s.IsDue(now) {
			continue
		}

		if due == nil || s.NextScheduledAt.Before(*due.NextScheduledAt) ||
			s.NextScheduledAt.Equal(*due.NextScheduledAt) && s.ID < due.ID {
			due = s
		}
	}

	if due == nil {
		return nil, nil
	}

	snapshot := copySchedule(due)
	exceptions := slices.Clone(r.p.exceptions[due.ID])

	next := advance(copySchedule(due), exceptions, now)

	executedAt := now
	due.LastExecutedAt = &executedAt
	due.NextScheduledAt = next.Next
	due.UpdatedAt = r.p.now()

	if next.Unsatisfiable {
		due.Active = false
		due.Unsatisfiable = true
		due.NextScheduledAt = nil
	}

	return &persistence.Claim{Schedule: snapshot, Exceptions: exceptions}, nil
}

func (r *scheduleRepository) SaveException(_ context.Context, exception *models.ScheduleException) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.schedules[exception.ScheduleID]; !ok {
		return persistence.ErrScheduleNotFound
	}

	r.p.touch(&exception.CreatedAt, nil)

	list := r.p.exceptions[exception.ScheduleID]
	for i := range list {
		if list[i].ID == exception.ID {
			list[i] = *exception

			return nil
		}
	}

	r.p.exceptions[exception.ScheduleID] = append(list, *exception)

	return nil
}

func (r *scheduleRepository) DeleteException(_ context.Context, scheduleID, exceptionID string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	list := r.p.exceptions[scheduleID]

	idx := slices.IndexFunc(list, func(e models.ScheduleException) bool { return e.ID == exceptionID })
	if idx < 0 {
		return persistence.ErrExceptionNotFound
	}

	r.p.exceptions[scheduleID] = slices.Delete(list, idx, idx+1)

	return nil
}

func (r *scheduleRepository) Exceptions(_ context.Context, scheduleID string) ([]models.ScheduleException, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return slices.Clone(r.p.exceptions[scheduleID]), nil
}

type automationRepository struct{ p *Persistence }

func (r *automationRepository) Save(_ context.Context, automation *models.Automation) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	r.p.touch(&automation.CreatedAt, &automation.UpdatedAt)

	c := *automation
	r.p.automations[automation.ID] = &c

	return nil
}

func (r *automationRepository) GetByID(_ context.Context, id string) (*models.Automation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	a, ok := r.p.automations[id]
	if !ok {
		return nil, persistence.ErrAutomationNotFound
	}

	c := *a

	return &c, nil
}

func (r *automationRepository) List(_ context.Context) ([]*models.Automation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	out := make([]*models.Automation, 0, len(r.p.automations))
	for _, a := range r.p.automations {
		c := *a
		out = append(out, &c)
	}

	slices.SortFunc(out, func(a, b *models.Automation) int { return cmp.Compare(a.ID, b.ID) })

	return out, nil
}

type executionRepository struct{ p *Persistence }

func (r *executionRepository) Create(_ context.Context, execution *models.Execution, tasks []*models.RecipientTask) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	r.p.touch(&execution.CreatedAt, nil)
	r.p.executions[execution.ID] = copyExecution(execution)

	for _, t := range tasks {
		r.p.touch(&t.CreatedAt, &t.UpdatedAt)
		r.p.tasks[t.ID] = copyTask(t)
	}

	return nil
}

func (r *executionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	e, ok := r.p.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	return copyExecution(e), nil
}

func (r *executionRepository) ListByAutomation(_ context.Context, automationID string) ([]*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	out := make([]*models.Execution, 0)

	for _, e := range r.p.executions {
		if e.AutomationID == automationID {
			out = append(out, copyExecution(e))
		}
	}

	slices.SortFunc(out, func(a, b *models.Execution) int { return b.CreatedAt.Compare(a.CreatedAt) })

	return out, nil
}

func (r *executionRepository) Cancel(_ context.Context, id string) (*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	e, ok := r.p.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	if e.Status.IsTerminal() {
		return copyExecution(e), persistence.ErrExecutionFinished
	}

	e.Status = models.ExecutionCancelled

	return copyExecution(e), nil
}

func (r *executionRepository) RecordOutcome(_ context.Context, id string, outcome models.RecipientOutcome) (*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	e, ok := r.p.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	switch outcome {
	case models.OutcomeSucceeded:
		e.RecipientSucceeded++
	case models.OutcomeFailed:
		e.RecipientFailed++
	case models.OutcomeCancelled:
		e.RecipientCancelled++
	}

	e.RecipientPending = max(e.RecipientPending-1, 0)

	return copyExecution(e), nil
}

func (r *executionRepository) Finalize(_ context.Context, id string, status models.ExecutionStatus, finishedAt time.Time) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	e, ok := r.p.executions[id]
	if !ok {
		return false, persistence.ErrExecutionNotFound
	}

	if e.FinishedAt != nil {
		return false, nil
	}

	e.Status = status
	e.FinishedAt = &finishedAt

	return true, nil
}

type taskRepository struct{ p *Persistence }

func (r *taskRepository) GetByID(_ context.Context, id string) (*models.RecipientTask, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	t, ok := r.p.tasks[id]
	if !ok {
		return nil, persistence.ErrRecipientTaskNotFound
	}

	return copyTask(t), nil
}

func (r *taskRepository) ListByExecution(_ context.Context, executionID string) ([]*models.RecipientTask, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	out := make([]*models.RecipientTask, 0)

	for _, t := range r.p.tasks {
		if t.ExecutionID == executionID {
			out = append(out, copyTask(t))
		}
	}

	slices.SortFunc(out, func(a, b *models.RecipientTask) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	return out, nil
}

func (r *taskRepository) Claim(_ context.Context, id string, now time.Time) (*models.RecipientTask, bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	t, ok := r.p.tasks[id]
	if !ok {
		return nil, false, persistence.ErrRecipientTaskNotFound
	}

	if !t.Status.Claimable() {
		return copyTask(t), false, nil
	}

	t.Status = models.TaskProcessing
	t.UpdatedAt = now

	return copyTask(t), true, nil
}

func (r *taskRepository) Update(_ context.Context, task *models.RecipientTask) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.tasks[task.ID]; !ok {
		return persistence.ErrRecipientTaskNotFound
	}

	task.UpdatedAt = r.p.now()
	r.p.tasks[task.ID] = copyTask(task)

	return nil
}

func (r *taskRepository) ReleaseStale(_ context.Context, claimedBefore, now time.Time, limit int) ([]*models.RecipientTask, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stale := make([]*models.RecipientTask, 0)

	for _, t := range r.p.tasks {
		if t.Status.InFlight() && t.UpdatedAt.Before(claimedBefore) {
			stale = append(stale, t)
		}
	}

	slices.SortFunc(stale, func(a, b *models.RecipientTask) int {
		return cmp.Or(a.UpdatedAt.Compare(b.UpdatedAt), cmp.Compare(a.ID, b.ID))
	})

	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	out := make([]*models.RecipientTask, 0, len(stale))

	for _, t := range stale {
		t.Status = models.TaskPending
		t.UpdatedAt = now
		out = append(out, copyTask(t))
	}

	return out, nil
}

type flowRepository struct{ p *Persistence }

func (r *flowRepository) Save(_ context.Context, flow *models.Flow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	r.p.touch(&flow.CreatedAt, &flow.UpdatedAt)

	c := *flow
	c.Nodes = slices.Clone(flow.Nodes)
	r.p.flows[flow.ID] = &c

	return nil
}

func (r *flowRepository) GetByID(_ context.Context, id string) (*models.Flow, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	f, ok := r.p.flows[id]
	if !ok {
		return nil, persistence.ErrFlowNotFound
	}

	c := *f

	return &c, nil
}

func (r *flowRepository) List(_ context.Context) ([]*models.Flow, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	out := make([]*models.Flow, 0, len(r.p.flows))
	for _, f := range r.p.flows {
		c := *f
		out = append(out, &c)
	}

	slices.SortFunc(out, func(a, b *models.Flow) int { return cmp.Compare(a.ID, b.ID) })

	return out, nil
}

type queueRepository struct{ p *Persistence }

func (r *queueRepository) Save(_ context.Context, queue *models.Queue) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	r.p.touch(&queue.CreatedAt, &queue.UpdatedAt)

	c := *queue
	c.AgentIDs = slices.Clone(queue.AgentIDs)
	r.p.queues[queue.ID] = &c

	return nil
}

func (r *queueRepository) GetByID(_ context.Context, id string) (*models.Queue, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	q, ok := r.p.queues[id]
	if !ok {
		return nil, persistence.ErrQueueNotFound
	}

	c := *q

	return &c, nil
}

func (r *queueRepository) List(_ context.Context) ([]*models.Queue, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	out := make([]*models.Queue, 0, len(r.p.queues))
	for _, q := range r.p.queues {
		c := *q
		out = append(out, &c)
	}

	slices.SortFunc(out, func(a, b *models.Queue) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	return out, nil
}

func (r *queueRepository) FirstActiveByDepartment(ctx context.Context, departmentID string) (*models.Queue, error) {
	queues, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	for _, q := range queues {
		if q.Active && q.DepartmentID == departmentID {
			return q, nil
		}
	}

	return nil, persistence.ErrQueueNotFound
}

type conversationRepository struct{ p *Persistence }

func (r *conversationRepository) Save(_ context.Context, conversation *models.Conversation) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	r.p.touch(&conversation.CreatedAt, &conversation.UpdatedAt)
	r.p.conversations[conversation.ID] = copyConversation(conversation)

	return nil
}

func (r *conversationRepository) GetByID(_ context.Context, id string) (*models.Conversation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	c, ok := r.p.conversations[id]
	if !ok {
		return nil, persistence.ErrConversationNotFound
	}

	return copyConversation(c), nil
}

func (r *conversationRepository) FindOpenByContact(_ context.Context, contactRef string) (*models.Conversation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var found *models.Conversation

	for _, c := range r.p.conversations {
		if c.ContactRef != contactRef || c.Status == models.ConversationClosed {
			continue
		}

		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			found = c
		}
	}

	if found == nil {
		return nil, persistence.ErrConversationNotFound
	}

	return copyConversation(found), nil
}

func (r *conversationRepository) queuedLocked(queueID string) []*models.Conversation {
	out := make([]*models.Conversation, 0)

	for _, c := range r.p.conversations {
		if c.Status == models.ConversationQueued && c.QueueID == queueID {
			out = append(out, c)
		}
	}

	slices.SortFunc(out, func(a, b *models.Conversation) int {
		switch {
		case models.QueueOrder(a, b):
			return -1
		case models.QueueOrder(b, a):
			return 1
		default:
			return 0
		}
	})

	return out
}

func (r *conversationRepository) TryEnqueue(_ context.Context, conversationID, queueID string, priority, maxSize int, now time.Time) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	c, ok := r.p.conversations[conversationID]
	if !ok {
		return false, persistence.ErrConversationNotFound
	}

	if maxSize > 0 && len(r.queuedLocked(queueID)) >= maxSize {
		return false, nil
	}

	c.Enqueue(queueID, priority, now)

	return true, nil
}

func (r *conversationRepository) ForceEnqueue(_ context.Context, conversationID, queueID string, priority int, now time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	c, ok := r.p.conversations[conversationID]
	if !ok {
		return persistence.ErrConversationNotFound
	}

	c.Enqueue(queueID, priority, now)

	return nil
}

func (r *conversationRepository) MarkSLABreached(_ context.Context, conversationID string, queuedAt, now time.Time) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	c, ok := r.p.conversations[conversationID]
	if !ok {
		return false, persistence.ErrConversationNotFound
	}

	if c.Status != models.ConversationQueued || c.QueuedAt == nil || !c.QueuedAt.Equal(queuedAt) || c.SLABreachedAt != nil {
		return false, nil
	}

	c.SLABreachedAt = &now

	return true, nil
}

func (r *conversationRepository) CountQueued(_ context.Context, queueID string) (int, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return len(r.queuedLocked(queueID)), nil
}

func (r *conversationRepository) ListQueued(_ context.Context, queueID string) ([]*models.Conversation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	queued := r.queuedLocked(queueID)

	out := make([]*models.Conversation, 0, len(queued))
	for _, c := range queued {
		out = append(out, copyConversation(c))
	}

	return out, nil
}

func (r *conversationRepository) CountActiveByAgent(_ context.Context, agentID string) (int, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	count := 0

	for _, c := range r.p.conversations {
		if c.Status == models.ConversationActive && c.AssignedAgentID == agentID {
			count++
		}
	}

	return count, nil
}

func (r *conversationRepository) ClaimNext(_ context.Context, queueID, agentID string, now time.Time) (*models.Conversation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	queued := r.queuedLocked(queueID)
	if len(queued) == 0 {
		return nil, nil
	}

	head := queued[0]
	head.Assign(agentID, now)

	return copyConversation(head), nil
}

type triggerRepository struct{ p *Persistence }

func (r *triggerRepository) Save(_ context.Context, trigger *models.Trigger) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	c := *trigger
	r.p.triggers[trigger.ID] = &c

	return nil
}

func (r *triggerRepository) GetByID(_ context.Context, id string) (*models.Trigger, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	t, ok := r.p.triggers[id]
	if !ok {
		return nil, persistence.ErrTriggerNotFound
	}

	c := *t

	return &c, nil
}

func (r *triggerRepository) ListActive(_ context.Context, triggerType models.TriggerType) ([]*models.Trigger, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	out := make([]*models.Trigger, 0)

	for _, t := range r.p.triggers {
		if t.Active && t.Type == triggerType {
			c := *t
			out = append(out, &c)
		}
	}

	slices.SortFunc(out, func(a, b *models.Trigger) int {
		return cmp.Or(cmp.Compare(b.Priority, a.Priority), cmp.Compare(a.ID, b.ID))
	})

	return out, nil
}

type contactRepository struct{ p *Persistence }

func (r *contactRepository) Save(_ context.Context, contact *models.Contact) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	c := *contact
	r.p.contacts[contact.ID] = &c

	return nil
}

func (r *contactRepository) GetByID(_ context.Context, id string) (*models.Contact, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	c, ok := r.p.contacts[id]
	if !ok {
		return nil, persistence.ErrContactNotFound
	}

	out := *c

	return &out, nil
}

func (r *contactRepository) ListActive(_ context.Context) ([]*models.Contact, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	out := make([]*models.Contact, 0)

	for _, c := range r.p.contacts {
		if c.Active {
			cp := *c
			out = append(out, &cp)
		}
	}

	slices.SortFunc(out, func(a, b *models.Contact) int { return cmp.Compare(a.ID, b.ID) })

	return out, nil
}
