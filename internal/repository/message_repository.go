package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sideline-chat/internal/domain/message"
	sideline_errors "sideline-chat/pkg/errors"

	"github.com/google/uuid"
)

const messageColumns = `id, conversation_id, sender_id, seq, idempotency_key, type, content,
        media_ref, reply_to, created_at, edited_at, deleted`

type PostgresMessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) MessageRepository {
	return &PostgresMessageRepository{db: db}
}

func scanMessage(row rowScanner, m *message.Message) error {
	return row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Seq,
		&m.IdempotencyKey,
		&m.Type,
		&m.Content,
		&m.MediaRef,
		&m.ReplyTo,
		&m.CreatedAt,
		&m.EditedAt,
		&m.Deleted,
	)
}

func (r *PostgresMessageRepository) Create(ctx context.Context, m *message.Message) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO messages (`+messageColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
    `,
		m.ID,
		m.ConversationID,
		m.SenderID,
		m.Seq,
		m.IdempotencyKey,
		m.Type,
		m.Content,
		m.MediaRef,
		m.ReplyTo,
		m.CreatedAt,
		m.EditedAt,
		m.Deleted,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sideline_errors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *PostgresMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	var m message.Message
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err := scanMessage(row, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return message.Message{}, sideline_errors.ErrNotFound
		}
		return message.Message{}, err
	}
	return m, nil
}

func (r *PostgresMessageRepository) GetByIdempotencyKey(ctx context.Context, conversationID, senderID uuid.UUID, key string) (message.Message, error) {
	var m message.Message
	row := r.db.QueryRowContext(ctx, `
        SELECT `+messageColumns+` FROM messages
        WHERE conversation_id = $1 AND sender_id = $2 AND idempotency_key = $3
    `, conversationID, senderID, key)
	if err := scanMessage(row, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return message.Message{}, sideline_errors.ErrNotFound
		}
		return message.Message{}, err
	}
	return m, nil
}

func (r *PostgresMessageRepository) UpdateContent(ctx context.Context, id uuid.UUID, content string, editedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE messages SET content = $1, edited_at = $2
        WHERE id = $3 AND NOT deleted
    `, content, editedAt, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res, sideline_errors.ErrNotFound)
}

func (r *PostgresMessageRepository) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE messages SET deleted = TRUE, content = '', media_ref = NULL
        WHERE id = $1
    `, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res, sideline_errors.ErrNotFound)
}

func (r *PostgresMessageRepository) ListBefore(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]message.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if beforeSeq > 0 {
		rows, err = r.db.QueryContext(ctx, `
            SELECT `+messageColumns+` FROM messages
            WHERE conversation_id = $1 AND seq < $2
            ORDER BY seq DESC
            LIMIT $3
        `, conversationID, beforeSeq, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
            SELECT `+messageColumns+` FROM messages
            WHERE conversation_id = $1
            ORDER BY seq DESC
            LIMIT $2
        `, conversationID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []message.Message
	for rows.Next() {
		var m message.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *PostgresMessageRepository) CountUnread(ctx context.Context, conversationID, userID uuid.UUID, afterSeq int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM messages
        WHERE conversation_id = $1 AND seq > $2 AND sender_id <> $3 AND NOT deleted
    `, conversationID, afterSeq, userID).Scan(&n)
	return n, err
}

type PostgresReactionRepository struct {
	db DBTX
}

func NewReactionRepository(db DBTX) ReactionRepository {
	return &PostgresReactionRepository{db: db}
}

func (r *PostgresReactionRepository) Add(ctx context.Context, reaction *message.Reaction) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        INSERT INTO message_reactions (message_id, user_id, symbol, created_at)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (message_id, user_id, symbol) DO NOTHING
    `, reaction.MessageID, reaction.UserID, reaction.Symbol, reaction.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresReactionRepository) Remove(ctx context.Context, messageID, userID uuid.UUID, symbol string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        DELETE FROM message_reactions
        WHERE message_id = $1 AND user_id = $2 AND symbol = $3
    `, messageID, userID, symbol)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresReactionRepository) ListForMessage(ctx context.Context, messageID uuid.UUID) ([]message.Reaction, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT message_id, user_id, symbol, created_at
        FROM message_reactions
        WHERE message_id = $1
        ORDER BY created_at ASC, user_id ASC
    `, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reactions []message.Reaction
	for rows.Next() {
		var re message.Reaction
		if err := rows.Scan(&re.MessageID, &re.UserID, &re.Symbol, &re.CreatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, re)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reactions, nil
}
