// Package processor runs one recipient task: it claims the task, drives the
// recipient's flow, and records the result, retrying transient failures with
// backoff through the deferral store.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/courier/pkg/deferral"
	"github.com/dukex/courier/pkg/flow"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/otelhelper"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/send"
)

const (
	DefaultFlowCacheTTL = 5 * time.Minute
	flowCacheCleanup    = 10 * time.Minute
)

// RunRecorder counts finished recipients into their run.
type RunRecorder interface {
	RecipientFinished(ctx context.Context, executionID string, outcome models.RecipientOutcome) (*models.Execution, error)
}

type Processor struct {
	persistence persistence.Persistence
	engine      *flow.Engine
	deferrals   deferral.Store
	recorder    RunRecorder
	flows       *cache.Cache
	backoff     Backoff
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Processor)

func WithBackoff(b Backoff) Option {
	return func(p *Processor) {
		p.backoff = b
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Processor) {
		p.tracer = tracer
	}
}

func WithFlowCacheTTL(ttl time.Duration) Option {
	return func(p *Processor) {
		p.flows = cache.New(ttl, flowCacheCleanup)
	}
}

func New(
	p persistence.Persistence,
	engine *flow.Engine,
	deferrals deferral.Store,
	recorder RunRecorder,
	logger *slog.Logger,
	opts ...Option,
) *Processor {
	proc := &Processor{
		persistence: p,
		engine:      engine,
		deferrals:   deferrals,
		recorder:    recorder,
		flows:       cache.New(DefaultFlowCacheTTL, flowCacheCleanup),
		backoff:     DefaultBackoff,
		tracer:      otelhelper.NoopTracer(),
		logger:      logger.With("module", "recipient_processor"),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(proc)
	}

	return proc
}

// Process runs the task identified by taskID and returns it in its new state.
// A task that is already finished, or held by another worker, is returned
// unchanged.
func (p *Processor) Process(ctx context.Context, taskID string) (*models.RecipientTask, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "processor.process",
		attribute.String(otelhelper.TaskIDKey, taskID))
	defer span.End()

	logger := p.logger.With("task_id", taskID)

	task, claimed, err := p.persistence.RecipientTaskRepository().Claim(ctx, taskID, p.now())
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	if !claimed {
		logger.DebugContext(ctx, "task not claimable, skipping", "status", task.Status)

		return task, nil
	}

	span.SetAttributes(
		attribute.String(otelhelper.ExecutionIDKey, task.ExecutionID),
		attribute.String(otelhelper.ContactRefKey, task.ContactRef),
		attribute.Int(otelhelper.RetryCountKey, task.RetryCount))

	logger = logger.With("execution_id", task.ExecutionID, "contact_ref", task.ContactRef)

	execution, err := p.persistence.ExecutionRepository().GetByID(ctx, task.ExecutionID)
	if err != nil {
		otelhelper.SetError(span, err)

		return task, p.release(ctx, task, err)
	}

	if execution.Status == models.ExecutionCancelled {
		logger.InfoContext(ctx, "run cancelled, skipping task")

		return task, p.finish(ctx, task, models.TaskCancelled, "", models.OutcomeCancelled)
	}

	fl, err := p.flow(ctx, execution.FlowID)
	if err != nil {
		otelhelper.SetError(span, err)

		if persistence.IsNotFound(err) {
			return task, p.finish(ctx, task, models.TaskFailed, err.Error(), models.OutcomeFailed)
		}

		return task, p.release(ctx, task, err)
	}

	span.SetAttributes(attribute.String(otelhelper.FlowIDKey, fl.ID))

	variables, err := p.variables(ctx, task)
	if err != nil {
		otelhelper.SetError(span, err)

		return task, p.release(ctx, task, err)
	}

	if err := p.attachConversation(ctx, task); err != nil {
		otelhelper.SetError(span, err)

		return task, p.release(ctx, task, err)
	}

	now := p.now()
	outcome, runErr := p.engine.Run(ctx, fl, task.FlowState, &flow.Context{
		FlowID:         fl.ID,
		ExecutionID:    task.ExecutionID,
		TaskID:         task.ID,
		ContactRef:     task.ContactRef,
		ConversationID: task.ConversationID,
		Variables:      variables,
		Now:            now,
	})

	task.FlowState = outcome.State
	task.Receipts = append(task.Receipts, outcome.Receipts...)

	if len(outcome.Receipts) > 0 {
		if err := p.markDelivery(ctx, task, outcome.Receipts); err != nil {
			logger.WarnContext(ctx, "failed to record delivery progress", "error", err)
		}
	}

	if runErr != nil {
		otelhelper.SetError(span, runErr)

		return task, p.fail(ctx, task, runErr)
	}

	switch outcome.Status {
	case flow.StatusSuspended:
		logger.DebugContext(ctx, "flow suspended", "resume_at", outcome.ResumeAt, "node_id", outcome.State.CurrentNodeID)

		return task, p.wait(ctx, task, outcome.ResumeAt, "")
	case flow.StatusHandedOff:
		logger.InfoContext(ctx, "conversation handed off", "conversation_id", task.ConversationID)
	case flow.StatusCompleted:
	}

	return task, p.finish(ctx, task, models.TaskCompleted, "", models.OutcomeSucceeded)
}

// fail classifies a flow error. Permanent delivery errors and flow
// configuration errors end the task at once; anything else is retried until
// the task's retry budget is spent.
func (p *Processor) fail(ctx context.Context, task *models.RecipientTask, err error) error {
	if send.IsPermanent(err) || flow.IsConfigError(err) {
		p.logger.WarnContext(ctx, "recipient failed permanently", "task_id", task.ID, "error", err)

		return p.finish(ctx, task, models.TaskFailed, err.Error(), models.OutcomeFailed)
	}

	if task.RetryCount >= task.MaxRetries {
		p.logger.WarnContext(ctx, "recipient retries exhausted",
			"task_id", task.ID, "retry_count", task.RetryCount, "error", err)

		return p.finish(ctx, task, models.TaskFailed, err.Error(), models.OutcomeFailed)
	}

	delay := p.backoff.Delay(task.RetryCount)
	task.RetryCount++

	p.logger.InfoContext(ctx, "retrying recipient",
		"task_id", task.ID, "retry_count", task.RetryCount, "delay", delay, "error", err)

	return p.wait(ctx, task, p.now().Add(delay), err.Error())
}

// release hands a task back after an infrastructure error before the flow
// ran. It does not consume a retry.
func (p *Processor) release(ctx context.Context, task *models.RecipientTask, cause error) error {
	task.Status = models.TaskPending

	if err := p.persistence.RecipientTaskRepository().Update(ctx, task); err != nil {
		return errors.Join(cause, err)
	}

	entry := deferral.Entry{ExecutionID: task.ExecutionID, TaskID: task.ID}
	if err := p.deferrals.Defer(ctx, entry, p.now().Add(p.backoff.steady().Delay(0))); err != nil {
		return errors.Join(cause, err)
	}

	return cause
}

func (p *Processor) wait(ctx context.Context, task *models.RecipientTask, at time.Time, lastError string) error {
	task.Status = models.TaskWaiting
	task.NextAttemptAt = &at
	task.LastError = lastError

	if err := p.persistence.RecipientTaskRepository().Update(ctx, task); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	entry := deferral.Entry{ExecutionID: task.ExecutionID, TaskID: task.ID}
	if err := p.deferrals.Defer(ctx, entry, at); err != nil {
		return fmt.Errorf("failed to defer task: %w", err)
	}

	return nil
}

func (p *Processor) finish(
	ctx context.Context,
	task *models.RecipientTask,
	status models.TaskStatus,
	lastError string,
	outcome models.RecipientOutcome,
) error {
	now := p.now()
	task.Status = status
	task.FinishedAt = &now
	task.NextAttemptAt = nil

	if lastError != "" {
		task.LastError = lastError
	}

	if err := p.persistence.RecipientTaskRepository().Update(ctx, task); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	if _, err := p.recorder.RecipientFinished(ctx, task.ExecutionID, outcome); err != nil {
		p.logger.ErrorContext(ctx, "failed to record recipient outcome",
			"task_id", task.ID, "execution_id", task.ExecutionID, "outcome", outcome, "error", err)

		return err
	}

	return nil
}

// markDelivery stores the sent or delivered milestone reached during the run.
func (p *Processor) markDelivery(ctx context.Context, task *models.RecipientTask, receipts []models.DeliveryReceipt) error {
	task.Status = models.TaskSent

	for _, r := range receipts {
		if r.Delivered {
			task.Status = models.TaskDelivered
		}
	}

	return p.persistence.RecipientTaskRepository().Update(ctx, task)
}

func (p *Processor) flow(ctx context.Context, flowID string) (*models.Flow, error) {
	if cached, ok := p.flows.Get(flowID); ok {
		return cached.(*models.Flow), nil
	}

	fl, err := p.persistence.FlowRepository().GetByID(ctx, flowID)
	if err != nil {
		return nil, err
	}

	p.flows.SetDefault(flowID, fl)

	return fl, nil
}

// variables layers contact data under the task's own variables.
func (p *Processor) variables(ctx context.Context, task *models.RecipientTask) (map[string]any, error) {
	vars := make(map[string]any)

	contact, err := p.persistence.ContactRepository().GetByID(ctx, task.ContactRef)

	switch {
	case err == nil:
		maps.Copy(vars, contact.Variables)
		vars["contact_name"] = contact.Name
		vars["contact_phone"] = contact.Phone
	case !persistence.IsNotFound(err):
		return nil, err
	}

	maps.Copy(vars, task.Variables)

	return vars, nil
}

// attachConversation gives the task the contact's open conversation, or a
// new bot-handled one.
func (p *Processor) attachConversation(ctx context.Context, task *models.RecipientTask) error {
	if task.ConversationID != "" {
		return nil
	}

	conversations := p.persistence.ConversationRepository()

	conversation, err := conversations.FindOpenByContact(ctx, task.ContactRef)
	if err != nil && !persistence.IsNotFound(err) {
		return err
	}

	if conversation == nil {
		conversation = &models.Conversation{
			ID:          uuid.NewString(),
			ContactRef:  task.ContactRef,
			Status:      models.ConversationBotActive,
			IsBotActive: true,
		}

		if err := conversations.Save(ctx, conversation); err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
	}

	task.ConversationID = conversation.ID

	return nil
}
