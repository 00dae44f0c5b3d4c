package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

// TriggerRepository stores trigger configs. The full trigger is kept as
// JSONB; type, priority and active are columns for ranking.
type TriggerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTriggerRepository(db *sql.DB, logger *slog.Logger) *TriggerRepository {
	return &TriggerRepository{db: db, logger: logger}
}

func (r *TriggerRepository) Save(ctx context.Context, trigger *models.Trigger) error {
	config, err := toJSON(trigger)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO triggers (id, name, type, priority, active, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			config = EXCLUDED.config`,
		trigger.ID, trigger.Name, trigger.Type, trigger.Priority, trigger.Active, config,
	)
	if err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}

	return nil
}

func (r *TriggerRepository) GetByID(ctx context.Context, id string) (*models.Trigger, error) {
	row := r.db.QueryRowContext(ctx, `SELECT config FROM triggers WHERE id = $1`, id)

	trigger, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTriggerNotFound
		}

		return nil, persistence.NewRecordError("GetByID", "trigger", id, err)
	}

	return trigger, nil
}

func (r *TriggerRepository) ListActive(ctx context.Context, triggerType models.TriggerType) ([]*models.Trigger, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT config FROM triggers
		WHERE type = $1 AND active = true
		ORDER BY priority DESC, id ASC`, triggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}

	return collect(ctx, r.logger, rows, scanTrigger)
}

func scanTrigger(row scanner) (*models.Trigger, error) {
	var config []byte

	if err := row.Scan(&config); err != nil {
		return nil, err
	}

	var trigger models.Trigger
	if err := fromJSON(config, &trigger); err != nil {
		return nil, err
	}

	return &trigger, nil
}

// ContactRepository reads and writes the collaborator-owned contact records.
type ContactRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewContactRepository(db *sql.DB, logger *slog.Logger) *ContactRepository {
	return &ContactRepository{db: db, logger: logger}
}

func (r *ContactRepository) Save(ctx context.Context, contact *models.Contact) error {
	variables, err := nullableJSON(contact.Variables, contact.Variables == nil)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO contacts (id, name, phone, active, variables)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			active = EXCLUDED.active,
			variables = EXCLUDED.variables`,
		contact.ID, contact.Name, contact.Phone, contact.Active, variables,
	)
	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}

	return nil
}

func (r *ContactRepository) GetByID(ctx context.Context, id string) (*models.Contact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, phone, active, variables FROM contacts WHERE id = $1`, id)

	contact, err := scanContact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrContactNotFound
		}

		return nil, persistence.NewRecordError("GetByID", "contact", id, err)
	}

	return contact, nil
}

func (r *ContactRepository) ListActive(ctx context.Context) ([]*models.Contact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, phone, active, variables FROM contacts WHERE active = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}

	return collect(ctx, r.logger, rows, scanContact)
}

func scanContact(row scanner) (*models.Contact, error) {
	var (
		contact   models.Contact
		variables []byte
	)

	if err := row.Scan(&contact.ID, &contact.Name, &contact.Phone, &contact.Active, &variables); err != nil {
		return nil, err
	}

	if err := fromJSON(variables, &contact.Variables); err != nil {
		return nil, err
	}

	return &contact, nil
}
