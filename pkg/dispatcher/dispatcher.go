// Package dispatcher turns an automation into a run: it resolves recipients,
// creates one task per recipient, releases the tasks in rate-limited batches
// and finalizes the run when the last recipient finishes.
package dispatcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/courier/pkg/deferral"
	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/otelhelper"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/recurrence"
)

// DefaultMaxRetries applies to single-contact runs that have no automation.
const DefaultMaxRetries = 3

const (
	DefaultTaskLease = 10 * time.Minute
	reclaimBatch     = 500
)

type Dispatcher struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	deferrals   deferral.Store
	calculator  *recurrence.Calculator
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithCalculator sets the calculator whose date filters, holidays included,
// keep spill-over batches off excluded dates.
func WithCalculator(c *recurrence.Calculator) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.calculator = c
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

func New(
	p persistence.Persistence,
	publisher eventbus.EventPublisher,
	deferrals deferral.Store,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		persistence: p,
		publisher:   publisher,
		deferrals:   deferrals,
		calculator:  recurrence.New(),
		tracer:      otelhelper.NoopTracer(),
		logger:      logger.With("module", "dispatcher"),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Request describes one automation run to start.
type Request struct {
	AutomationID   string
	ScheduleID     string
	Trigger        models.ExecutionTrigger
	OverrideConfig map[string]any
}

// Execute starts a manual run of the automation and returns its id.
func (d *Dispatcher) Execute(ctx context.Context, automationID string) (string, error) {
	execution, err := d.Dispatch(ctx, Request{AutomationID: automationID, Trigger: models.TriggeredManually})
	if err != nil {
		return "", err
	}

	return execution.ID, nil
}

// Dispatch creates the run and its recipient tasks in one step, then releases
// the tasks batch by batch.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.dispatch",
		attribute.String(otelhelper.AutomationIDKey, req.AutomationID),
		attribute.String(otelhelper.ScheduleIDKey, req.ScheduleID))
	defer span.End()

	logger := d.logger.With("automation_id", req.AutomationID, "trigger", req.Trigger)

	automation, err := d.persistence.AutomationRepository().GetByID(ctx, req.AutomationID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if !automation.Active {
		return nil, ErrAutomationInactive
	}

	if _, err := d.persistence.FlowRepository().GetByID(ctx, automation.FlowID); err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("automation %s: %w", automation.ID, err)
	}

	scheduleID := cmp.Or(req.ScheduleID, automation.ScheduleID)

	var schedule *models.Schedule

	if scheduleID != "" {
		schedule, err = d.persistence.ScheduleRepository().GetByID(ctx, scheduleID)
		if err != nil && !persistence.IsNotFound(err) {
			otelhelper.SetError(span, err)

			return nil, err
		}
	}

	cal, err := d.calendar(ctx, schedule)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	contacts, err := d.recipients(ctx, automation)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	now := d.now()
	variables := mergeVariables(automation.Variables, req.OverrideConfig)

	execution := &models.Execution{
		ID:               uuid.NewString(),
		AutomationID:     automation.ID,
		FlowID:           automation.FlowID,
		ScheduleID:       scheduleID,
		Trigger:          req.Trigger,
		Status:           models.ExecutionRunning,
		RecipientTotal:   len(contacts),
		RecipientPending: len(contacts),
		OverrideConfig:   req.OverrideConfig,
		StartedAt:        &now,
	}

	tasks := make([]*models.RecipientTask, 0, len(contacts))
	for _, contactRef := range contacts {
		tasks = append(tasks, newTask(execution.ID, contactRef, variables, automation.MaxRetries))
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ID))

	if err := d.persistence.ExecutionRepository().Create(ctx, execution, tasks); err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	logger.InfoContext(ctx, "execution created", "execution_id", execution.ID, "recipients", len(tasks))
	d.publish(ctx, execution.ID, events.ExecutionStarted{
		BaseEvent:      events.NewBaseEvent(events.ExecutionStartedEvent),
		ExecutionID:    execution.ID,
		AutomationID:   execution.AutomationID,
		ScheduleID:     execution.ScheduleID,
		RecipientTotal: execution.RecipientTotal,
	})

	if len(tasks) == 0 {
		return d.finalize(ctx, execution)
	}

	taskIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		taskIDs = append(taskIDs, t.ID)
	}

	releases := Plan(taskIDs, automation.RateLimitPerHour, automation.BatchesPerHour, now, cal)
	if err := d.release(ctx, execution.ID, releases, now); err != nil {
		otelhelper.SetError(span, err)

		return execution, err
	}

	logger.InfoContext(ctx, "execution released",
		"execution_id", execution.ID, "batches", len(releases), "batch_size", len(releases[0].TaskIDs))

	return execution, nil
}

// calendar releases batches in the schedule's window and timezone, skipping
// the dates its filters exclude. Runs without a schedule release at any time.
func (d *Dispatcher) calendar(ctx context.Context, schedule *models.Schedule) (Calendar, error) {
	if schedule == nil {
		return Calendar{Location: time.UTC}, nil
	}

	cal := Calendar{Window: schedule.ExecutionWindow, Location: time.UTC}

	if loc, err := schedule.Location(); err == nil {
		cal.Location = loc
	}

	exceptions, err := d.persistence.ScheduleRepository().Exceptions(ctx, schedule.ID)
	if err != nil {
		return cal, fmt.Errorf("failed to load schedule exceptions: %w", err)
	}

	cal.Excluded = func(day models.Date) bool {
		return d.calculator.Excluded(schedule, exceptions, day)
	}

	return cal, nil
}

// StartFlow runs a flow for a single contact without an automation, as
// trigger matches do.
func (d *Dispatcher) StartFlow(ctx context.Context, flowID, contactRef string, variables map[string]any, trigger models.ExecutionTrigger) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.start_flow",
		attribute.String(otelhelper.FlowIDKey, flowID),
		attribute.String(otelhelper.ContactRefKey, contactRef))
	defer span.End()

	if flowID == "" {
		return nil, ErrNoFlow
	}

	if _, err := d.persistence.FlowRepository().GetByID(ctx, flowID); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	now := d.now()
	execution := &models.Execution{
		ID:               uuid.NewString(),
		FlowID:           flowID,
		Trigger:          trigger,
		Status:           models.ExecutionRunning,
		RecipientTotal:   1,
		RecipientPending: 1,
		StartedAt:        &now,
	}

	task := newTask(execution.ID, contactRef, variables, DefaultMaxRetries)

	if err := d.persistence.ExecutionRepository().Create(ctx, execution, []*models.RecipientTask{task}); err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	d.logger.InfoContext(ctx, "flow started", "execution_id", execution.ID, "flow_id", flowID, "contact_ref", contactRef)

	err := d.release(ctx, execution.ID, []Release{{At: now, TaskIDs: []string{task.ID}}}, now)

	return execution, err
}

// Stop cancels a run. Tasks not yet picked up are skipped when a worker
// dequeues them.
func (d *Dispatcher) Stop(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := d.persistence.ExecutionRepository().Cancel(ctx, executionID)
	if err != nil {
		return execution, err
	}

	d.logger.InfoContext(ctx, "execution cancelled", "execution_id", executionID, "pending", execution.RecipientPending)

	if execution.RecipientPending == 0 {
		return d.finalize(ctx, execution)
	}

	return execution, nil
}

// ReclaimStale hands back tasks a worker claimed more than lease ago and
// never finished, as when the worker died mid-task. They go back through the
// deferral store and are claimed again like any released task.
func (d *Dispatcher) ReclaimStale(ctx context.Context, lease time.Duration) (int, error) {
	if lease <= 0 {
		lease = DefaultTaskLease
	}

	now := d.now()
	reclaimed := 0

	for {
		tasks, err := d.persistence.RecipientTaskRepository().ReleaseStale(ctx, now.Add(-lease), now, reclaimBatch)
		if err != nil {
			return reclaimed, err
		}

		var errs []error

		for _, t := range tasks {
			d.logger.WarnContext(ctx, "reclaiming stale task",
				"task_id", t.ID, "execution_id", t.ExecutionID, "retry_count", t.RetryCount)

			entry := deferral.Entry{ExecutionID: t.ExecutionID, TaskID: t.ID}
			if err := d.deferrals.Defer(ctx, entry, now); err != nil {
				errs = append(errs, fmt.Errorf("defer task %s: %w", t.ID, err))
			}
		}

		reclaimed += len(tasks)

		if len(errs) > 0 || len(tasks) < reclaimBatch {
			return reclaimed, errors.Join(errs...)
		}
	}
}

// Status returns the run and its per-recipient outcomes.
func (d *Dispatcher) Status(ctx context.Context, executionID string) (*models.Execution, []*models.RecipientTask, error) {
	execution, err := d.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}

	tasks, err := d.persistence.RecipientTaskRepository().ListByExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}

	return execution, tasks, nil
}

// RecipientFinished counts one finished recipient into its run. The call that
// brings the pending counter to zero finalizes the run.
func (d *Dispatcher) RecipientFinished(ctx context.Context, executionID string, outcome models.RecipientOutcome) (*models.Execution, error) {
	execution, err := d.persistence.ExecutionRepository().RecordOutcome(ctx, executionID, outcome)
	if err != nil {
		return nil, err
	}

	if execution.RecipientPending > 0 {
		return execution, nil
	}

	return d.finalize(ctx, execution)
}

func (d *Dispatcher) finalize(ctx context.Context, execution *models.Execution) (*models.Execution, error) {
	status := execution.TerminalStatus()
	now := d.now()

	done, err := d.persistence.ExecutionRepository().Finalize(ctx, execution.ID, status, now)
	if err != nil {
		return execution, fmt.Errorf("failed to finalize execution %s: %w", execution.ID, err)
	}

	if !done {
		return execution, nil
	}

	execution.Status = status
	execution.FinishedAt = &now

	d.logger.InfoContext(ctx, "execution finalized",
		"execution_id", execution.ID,
		"status", status,
		"succeeded", execution.RecipientSucceeded,
		"failed", execution.RecipientFailed,
		"cancelled", execution.RecipientCancelled)

	d.publish(ctx, execution.ID, events.ExecutionFinalized{
		BaseEvent:          events.NewBaseEvent(events.ExecutionFinalizedEvent),
		ExecutionID:        execution.ID,
		AutomationID:       execution.AutomationID,
		Status:             string(status),
		RecipientTotal:     execution.RecipientTotal,
		RecipientSucceeded: execution.RecipientSucceeded,
		RecipientFailed:    execution.RecipientFailed,
		RecipientCancelled: execution.RecipientCancelled,
	})

	return execution, nil
}

// release publishes batches due now and hands later ones to the deferral
// store. A batch whose publish fails is deferred to now so the pump retries it.
func (d *Dispatcher) release(ctx context.Context, executionID string, releases []Release, now time.Time) error {
	var errs []error

	for _, r := range releases {
		for _, taskID := range r.TaskIDs {
			entry := deferral.Entry{ExecutionID: executionID, TaskID: taskID}

			if r.At.After(now) {
				if err := d.deferrals.Defer(ctx, entry, r.At); err != nil {
					errs = append(errs, fmt.Errorf("defer task %s: %w", taskID, err))
				}

				continue
			}

			err := d.publisher.Publish(ctx, taskID, events.RecipientTaskReady{
				BaseEvent:   events.NewBaseEvent(events.RecipientTaskReadyEvent),
				TaskID:      taskID,
				ExecutionID: executionID,
			})
			if err == nil {
				continue
			}

			d.logger.WarnContext(ctx, "publish failed, deferring task", "task_id", taskID, "error", err)

			if err := d.deferrals.Defer(ctx, entry, now); err != nil {
				errs = append(errs, fmt.Errorf("defer task %s: %w", taskID, err))
			}
		}
	}

	return errors.Join(errs...)
}

// recipients resolves the automation's contacts at run time. Explicit ids
// keep their order and lose duplicates.
func (d *Dispatcher) recipients(ctx context.Context, automation *models.Automation) ([]string, error) {
	switch automation.Recipients.Mode {
	case models.RecipientsAllActive:
		contacts, err := d.persistence.ContactRepository().ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list contacts: %w", err)
		}

		refs := make([]string, 0, len(contacts))
		for _, c := range contacts {
			refs = append(refs, c.ID)
		}

		return refs, nil
	default:
		seen := make(map[string]bool, len(automation.Recipients.ContactIDs))
		refs := make([]string, 0, len(automation.Recipients.ContactIDs))

		for _, id := range automation.Recipients.ContactIDs {
			if id == "" || seen[id] {
				continue
			}

			seen[id] = true
			refs = append(refs, id)
		}

		return refs, nil
	}
}

func (d *Dispatcher) publish(ctx context.Context, key string, event eventbus.Event) {
	if err := d.publisher.Publish(ctx, key, event); err != nil {
		d.logger.ErrorContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func newTask(executionID, contactRef string, variables map[string]any, maxRetries int) *models.RecipientTask {
	return &models.RecipientTask{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		ContactRef:  contactRef,
		Variables:   maps.Clone(variables),
		Status:      models.TaskPending,
		MaxRetries:  maxRetries,
	}
}

// mergeVariables overlays a modify exception's config on the automation's
// variables.
func mergeVariables(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}

	out := make(map[string]any, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)

	return out
}
