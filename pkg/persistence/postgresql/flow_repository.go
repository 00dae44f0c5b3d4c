package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

// FlowRepository stores flow definitions. Nodes live in a JSONB column and
// are decoded into their typed configs on read.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	nodes, err := toJSON(flow.Nodes)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO flows (id, name, start_node_id, nodes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			start_node_id = EXCLUDED.start_node_id,
			nodes = EXCLUDED.nodes,
			updated_at = EXCLUDED.updated_at`,
		flow.ID, flow.Name, flow.StartNodeID, nodes, flow.CreatedAt, flow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	return nil
}

func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, start_node_id, nodes, created_at, updated_at FROM flows WHERE id = $1`, id)

	flow, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrFlowNotFound
		}

		return nil, persistence.NewRecordError("GetByID", "flow", id, err)
	}

	return flow, nil
}

func (r *FlowRepository) List(ctx context.Context) ([]*models.Flow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, start_node_id, nodes, created_at, updated_at FROM flows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	return collect(ctx, r.logger, rows, scanFlow)
}

func scanFlow(row scanner) (*models.Flow, error) {
	var (
		flow  models.Flow
		nodes []byte
	)

	err := row.Scan(&flow.ID, &flow.Name, &flow.StartNodeID, &nodes, &flow.CreatedAt, &flow.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := fromJSON(nodes, &flow.Nodes); err != nil {
		return nil, err
	}

	return &flow, nil
}

// AutomationRepository stores automation definitions.
type AutomationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAutomationRepository(db *sql.DB, logger *slog.Logger) *AutomationRepository {
	return &AutomationRepository{db: db, logger: logger}
}

const automationColumns = `
	id, name, flow_id, schedule_id, recipients, variables, rate_limit_per_hour,
	batches_per_hour, max_retries, active, created_at, updated_at`

func (r *AutomationRepository) Save(ctx context.Context, automation *models.Automation) error {
	now := time.Now().UTC()
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}

	automation.UpdatedAt = now

	recipients, err := toJSON(automation.Recipients)
	if err != nil {
		return err
	}

	variables, err := nullableJSON(automation.Variables, automation.Variables == nil)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automations (`+automationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			flow_id = EXCLUDED.flow_id,
			schedule_id = EXCLUDED.schedule_id,
			recipients = EXCLUDED.recipients,
			variables = EXCLUDED.variables,
			rate_limit_per_hour = EXCLUDED.rate_limit_per_hour,
			batches_per_hour = EXCLUDED.batches_per_hour,
			max_retries = EXCLUDED.max_retries,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		automation.ID,
		automation.Name,
		automation.FlowID,
		emptyToNull(automation.ScheduleID),
		recipients,
		variables,
		automation.RateLimitPerHour,
		automation.BatchesPerHour,
		automation.MaxRetries,
		automation.Active,
		automation.CreatedAt,
		automation.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save automation: %w", err)
	}

	return nil
}

func (r *AutomationRepository) GetByID(ctx context.Context, id string) (*models.Automation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM automations WHERE id = $1`, id)

	automation, err := scanAutomation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAutomationNotFound
		}

		return nil, persistence.NewRecordError("GetByID", "automation", id, err)
	}

	return automation, nil
}

func (r *AutomationRepository) List(ctx context.Context) ([]*models.Automation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+automationColumns+` FROM automations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}

	return collect(ctx, r.logger, rows, scanAutomation)
}

func scanAutomation(row scanner) (*models.Automation, error) {
	var (
		automation            models.Automation
		scheduleID            sql.NullString
		recipients, variables []byte
	)

	err := row.Scan(
		&automation.ID,
		&automation.Name,
		&automation.FlowID,
		&scheduleID,
		&recipients,
		&variables,
		&automation.RateLimitPerHour,
		&automation.BatchesPerHour,
		&automation.MaxRetries,
		&automation.Active,
		&automation.CreatedAt,
		&automation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	automation.ScheduleID = scheduleID.String

	if err := fromJSON(recipients, &automation.Recipients); err != nil {
		return nil, err
	}

	if err := fromJSON(variables, &automation.Variables); err != nil {
		return nil, err
	}

	return &automation, nil
}
