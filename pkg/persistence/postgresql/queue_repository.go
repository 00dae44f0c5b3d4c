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

const queueColumns = `
	id, name, department_id, max_queue_size, overflow_queue_id, max_conversations_per_agent,
	routing_mode, sla_minutes, business_hours, agent_ids, active, created_at, updated_at`

const conversationColumns = `
	id, contact_ref, status, is_bot_active, queue_id, queue_priority, queued_at,
	assigned_agent_id, assigned_at, closed_at, created_at, updated_at, sla_breached_at`

// QueueRepository stores queue configuration.
type QueueRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewQueueRepository(db *sql.DB, logger *slog.Logger) *QueueRepository {
	return &QueueRepository{db: db, logger: logger}
}

func (r *QueueRepository) Save(ctx context.Context, queue *models.Queue) error {
	now := time.Now().UTC()
	if queue.CreatedAt.IsZero() {
		queue.CreatedAt = now
	}

	queue.UpdatedAt = now

	hours, err := nullableJSON(queue.BusinessHours, queue.BusinessHours == nil)
	if err != nil {
		return err
	}

	agents := queue.AgentIDs
	if agents == nil {
		agents = []string{}
	}

	agentsJSON, err := toJSON(agents)
	if err != nil {
		return err
	}

	routing := queue.RoutingMode
	if routing == "" {
		routing = models.RoutingManual
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO queues (`+queueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			department_id = EXCLUDED.department_id,
			max_queue_size = EXCLUDED.max_queue_size,
			overflow_queue_id = EXCLUDED.overflow_queue_id,
			max_conversations_per_agent = EXCLUDED.max_conversations_per_agent,
			routing_mode = EXCLUDED.routing_mode,
			sla_minutes = EXCLUDED.sla_minutes,
			business_hours = EXCLUDED.business_hours,
			agent_ids = EXCLUDED.agent_ids,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		queue.ID,
		queue.Name,
		queue.DepartmentID,
		queue.MaxQueueSize,
		emptyToNull(queue.OverflowQueueID),
		queue.MaxConversationsPerAgent,
		routing,
		queue.SLAMinutes,
		hours,
		agentsJSON,
		queue.Active,
		queue.CreatedAt,
		queue.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}

	return nil
}

func (r *QueueRepository) GetByID(ctx context.Context, id string) (*models.Queue, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = $1`, id)

	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrQueueNotFound
		}

		return nil, persistence.NewRecordError("GetByID", "queue", id, err)
	}

	return queue, nil
}

func (r *QueueRepository) List(ctx context.Context) ([]*models.Queue, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queues ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queues: %w", err)
	}

	return collect(ctx, r.logger, rows, scanQueue)
}

func (r *QueueRepository) FirstActiveByDepartment(ctx context.Context, departmentID string) (*models.Queue, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM queues
		WHERE department_id = $1 AND active = true
		ORDER BY created_at, id
		LIMIT 1`, departmentID)

	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrQueueNotFound
		}

		return nil, persistence.NewRecordError("FirstActiveByDepartment", "queue", departmentID, err)
	}

	return queue, nil
}

func scanQueue(row scanner) (*models.Queue, error) {
	var (
		queue         models.Queue
		overflow      sql.NullString
		hours, agents []byte
	)

	err := row.Scan(
		&queue.ID,
		&queue.Name,
		&queue.DepartmentID,
		&queue.MaxQueueSize,
		&overflow,
		&queue.MaxConversationsPerAgent,
		&queue.RoutingMode,
		&queue.SLAMinutes,
		&hours,
		&agents,
		&queue.Active,
		&queue.CreatedAt,
		&queue.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	queue.OverflowQueueID = overflow.String

	if len(hours) > 0 {
		queue.BusinessHours = &models.BusinessHours{}
		if err := fromJSON(hours, queue.BusinessHours); err != nil {
			return nil, err
		}
	}

	if err := fromJSON(agents, &queue.AgentIDs); err != nil {
		return nil, err
	}

	return &queue, nil
}

// ConversationRepository stores conversation routing state.
type ConversationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewConversationRepository(db *sql.DB, logger *slog.Logger) *ConversationRepository {
	return &ConversationRepository{db: db, logger: logger}
}

func (r *ConversationRepository) Save(ctx context.Context, conversation *models.Conversation) error {
	now := time.Now().UTC()
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}

	conversation.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			is_bot_active = EXCLUDED.is_bot_active,
			queue_id = EXCLUDED.queue_id,
			queue_priority = EXCLUDED.queue_priority,
			queued_at = EXCLUDED.queued_at,
			assigned_agent_id = EXCLUDED.assigned_agent_id,
			assigned_at = EXCLUDED.assigned_at,
			closed_at = EXCLUDED.closed_at,
			updated_at = EXCLUDED.updated_at,
			sla_breached_at = EXCLUDED.sla_breached_at`,
		conversation.ID,
		conversation.ContactRef,
		conversation.Status,
		conversation.IsBotActive,
		conversation.QueueID,
		conversation.QueuePriority,
		conversation.QueuedAt,
		conversation.AssignedAgentID,
		conversation.AssignedAt,
		conversation.ClosedAt,
		conversation.CreatedAt,
		conversation.UpdatedAt,
		conversation.SLABreachedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)

	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrConversationNotFound
		}

		return nil, persistence.NewRecordError("GetByID", "conversation", id, err)
	}

	return conversation, nil
}

func (r *ConversationRepository) FindOpenByContact(ctx context.Context, contactRef string) (*models.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE contact_ref = $1 AND status <> 'closed'
		ORDER BY created_at DESC
		LIMIT 1`, contactRef)

	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrConversationNotFound
		}

		return nil, persistence.NewRecordError("FindOpenByContact", "conversation", contactRef, err)
	}

	return conversation, nil
}

// TryEnqueue serializes enqueues per queue with a transaction-scoped advisory
// lock, so the size check and the insert cannot interleave.
func (r *ConversationRepository) TryEnqueue(ctx context.Context, conversationID, queueID string, priority, maxSize int, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, queueID)
	if err != nil {
		return false, fmt.Errorf("failed to lock queue %s: %w", queueID, err)
	}

	if maxSize > 0 {
		var queued int

		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM conversations WHERE queue_id = $1 AND status = 'queued'`, queueID).Scan(&queued)
		if err != nil {
			return false, fmt.Errorf("failed to count queue %s: %w", queueID, err)
		}

		if queued >= maxSize {
			return false, nil
		}
	}

	if err := enqueue(ctx, tx, conversationID, queueID, priority, now); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return true, nil
}

func (r *ConversationRepository) ForceEnqueue(ctx context.Context, conversationID, queueID string, priority int, now time.Time) error {
	return enqueue(ctx, r.db, conversationID, queueID, priority, now)
}

func enqueue(ctx context.Context, q querier, conversationID, queueID string, priority int, now time.Time) error {
	result, err := q.ExecContext(ctx, `
		UPDATE conversations
		SET status = 'queued', is_bot_active = false, queue_id = $2, queue_priority = $3, queued_at = $4,
			sla_breached_at = NULL, assigned_agent_id = '', assigned_at = NULL, updated_at = $4
		WHERE id = $1`, conversationID, queueID, priority, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue conversation %s: %w", conversationID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrConversationNotFound
	}

	return nil
}

func (r *ConversationRepository) MarkSLABreached(ctx context.Context, conversationID string, queuedAt, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET sla_breached_at = $3
		WHERE id = $1 AND status = 'queued' AND queued_at = $2 AND sla_breached_at IS NULL`,
		conversationID, queuedAt, now)
	if err != nil {
		return false, persistence.NewRecordError("MarkSLABreached", "conversation", conversationID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

func (r *ConversationRepository) CountQueued(ctx context.Context, queueID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE queue_id = $1 AND status = 'queued'`, queueID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue %s: %w", queueID, err)
	}

	return count, nil
}

func (r *ConversationRepository) ListQueued(ctx context.Context, queueID string) ([]*models.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE queue_id = $1 AND status = 'queued'
		ORDER BY queue_priority DESC, queued_at ASC, id ASC`, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue %s: %w", queueID, err)
	}

	return collect(ctx, r.logger, rows, scanConversation)
}

func (r *ConversationRepository) CountActiveByAgent(ctx context.Context, agentID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE assigned_agent_id = $1 AND status = 'active'`, agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count agent %s conversations: %w", agentID, err)
	}

	return count, nil
}

func (r *ConversationRepository) ClaimNext(ctx context.Context, queueID, agentID string, now time.Time) (*models.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE conversations
		SET status = 'active', is_bot_active = false, assigned_agent_id = $2, assigned_at = $3, updated_at = $3
		WHERE id = (
			SELECT id FROM conversations
			WHERE queue_id = $1 AND status = 'queued'
			ORDER BY queue_priority DESC, queued_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+conversationColumns, queueID, agentID, now)

	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, persistence.NewRecordError("ClaimNext", "queue", queueID, err)
	}

	return conversation, nil
}

func scanConversation(row scanner) (*models.Conversation, error) {
	var (
		conversation                   models.Conversation
		queuedAt, assignedAt, closedAt sql.NullTime
		slaBreachedAt                  sql.NullTime
	)

	err := row.Scan(
		&conversation.ID,
		&conversation.ContactRef,
		&conversation.Status,
		&conversation.IsBotActive,
		&conversation.QueueID,
		&conversation.QueuePriority,
		&queuedAt,
		&conversation.AssignedAgentID,
		&assignedAt,
		&closedAt,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
		&slaBreachedAt,
	)
	if err != nil {
		return nil, err
	}

	conversation.QueuedAt = timePtr(queuedAt)
	conversation.SLABreachedAt = timePtr(slaBreachedAt)
	conversation.AssignedAt = timePtr(assignedAt)
	conversation.ClosedAt = timePtr(closedAt)

	return &conversation, nil
}
