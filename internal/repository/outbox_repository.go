package repository

import (
	"context"
	"time"

	"sideline-chat/internal/domain/outbox"
	sideline_errors "sideline-chat/pkg/errors"

	"github.com/google/uuid"
)

type outboxRepository struct {
	db DBTX
}

func NewOutboxRepository(db DBTX) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) Create(ctx context.Context, event *outbox.Event) error {
	return r.db.QueryRowContext(ctx, `
        INSERT INTO outbox_events (id, event_type, conversation_id, target_user_id, payload, status, retry_count, error, created_at, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        RETURNING position
    `,
		event.ID,
		event.EventType,
		event.ConversationID,
		event.TargetUserID,
		event.Payload,
		event.Status,
		event.RetryCount,
		event.Error,
		event.CreatedAt,
		event.NextAttemptAt,
	).Scan(&event.Position)
}

func (r *outboxRepository) GetPending(ctx context.Context, limit int, now time.Time) ([]outbox.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT e.id, e.position, e.event_type, e.conversation_id, e.target_user_id, e.payload,
            e.status, e.retry_count, e.error, e.created_at, e.next_attempt_at, e.processed_at
        FROM outbox_events e
        WHERE e.status = $1 AND e.next_attempt_at <= $2
          AND NOT EXISTS (
            SELECT 1 FROM outbox_events o
            WHERE o.conversation_id = e.conversation_id
              AND o.status = $1
              AND o.position < e.position
              AND o.next_attempt_at > $2
          )
        ORDER BY e.position ASC
        LIMIT $3
    `, outbox.StatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var event outbox.Event
		if err := rows.Scan(
			&event.ID,
			&event.Position,
			&event.EventType,
			&event.ConversationID,
			&event.TargetUserID,
			&event.Payload,
			&event.Status,
			&event.RetryCount,
			&event.Error,
			&event.CreatedAt,
			&event.NextAttemptAt,
			&event.ProcessedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (r *outboxRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE outbox_events
        SET status = $1, processed_at = $2, error = ''
        WHERE id = $3
    `, outbox.StatusCompleted, time.Now(), id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res, sideline_errors.ErrNotFound)
}

func (r *outboxRepository) MarkRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errorMsg string) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE outbox_events
        SET retry_count = retry_count + 1, next_attempt_at = $1, error = $2
        WHERE id = $3
    `, nextAttemptAt, errorMsg, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res, sideline_errors.ErrNotFound)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE outbox_events
        SET status = $1, error = $2, processed_at = $3
        WHERE id = $4
    `, outbox.StatusFailed, errorMsg, time.Now(), id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res, sideline_errors.ErrNotFound)
}
