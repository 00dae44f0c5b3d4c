package services

import (
	"context"

	"github.com/dukex/courier/pkg/models"
)

// Runner is the dispatcher surface the API drives.
type Runner interface {
	Execute(ctx context.Context, automationID string) (string, error)
	Stop(ctx context.Context, executionID string) (*models.Execution, error)
	Status(ctx context.Context, executionID string) (*models.Execution, []*models.RecipientTask, error)
}

type Execution struct {
	runner Runner
}

func NewExecution(runner Runner) *Execution {
	return &Execution{runner: runner}
}

// ExecutionStatus is a run with its per-recipient outcomes.
type ExecutionStatus struct {
	Execution  *models.Execution
	Recipients []*models.RecipientTask
}

// Start runs the automation now and returns the run as dispatched.
func (e *Execution) Start(ctx context.Context, automationID string) (*ExecutionStatus, error) {
	id, err := e.runner.Execute(ctx, automationID)
	if err != nil {
		return nil, err
	}

	return e.Status(ctx, id)
}

func (e *Execution) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	execution, tasks, err := e.runner.Status(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return &ExecutionStatus{Execution: execution, Recipients: tasks}, nil
}

// Stop cancels the run. Stopping a finished run is a conflict.
func (e *Execution) Stop(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.runner.Stop(ctx, executionID)
}
