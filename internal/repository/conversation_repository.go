package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sideline-chat/internal/domain/conversation"
	"sideline-chat/internal/domain/message"
	sideline_errors "sideline-chat/pkg/errors"

	"github.com/google/uuid"
)

const conversationColumns = `c.id, c.kind, c.title, c.direct_key, c.created_by, c.created_at,
        c.last_seq, c.last_message_id, c.last_message_preview, c.last_message_at`

const participantColumns = `p.conversation_id, p.user_id, p.role, p.joined_at, p.left_at,
        p.last_read_at, p.last_read_seq, p.muted, p.archived`

type PostgresConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) ConversationRepository {
	return &PostgresConversationRepository{db: db}
}

func scanConversation(row rowScanner, c *conversation.Conversation) error {
	return row.Scan(
		&c.ID,
		&c.Kind,
		&c.Title,
		&c.DirectKey,
		&c.CreatedBy,
		&c.CreatedAt,
		&c.LastSeq,
		&c.LastMessageID,
		&c.LastMessagePreview,
		&c.LastMessageAt,
	)
}

func scanParticipant(row rowScanner, p *conversation.Participant) error {
	return row.Scan(
		&p.ConversationID,
		&p.UserID,
		&p.Role,
		&p.JoinedAt,
		&p.LeftAt,
		&p.LastReadAt,
		&p.LastReadSeq,
		&p.Muted,
		&p.Archived,
	)
}

func (r *PostgresConversationRepository) GetOrCreateDirect(ctx context.Context, c *conversation.Conversation, members []conversation.Participant) (conversation.Conversation, bool, error) {
	var id uuid.UUID
	err := r.db.QueryRowContext(ctx, `
        INSERT INTO conversations (id, kind, title, direct_key, created_by, created_at, last_seq)
        VALUES ($1,$2,$3,$4,$5,$6,0)
        ON CONFLICT (direct_key) DO NOTHING
        RETURNING id
    `, c.ID, c.Kind, c.Title, c.DirectKey, c.CreatedBy, c.CreatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race or the pair already talks: return the winning row.
		var existing conversation.Conversation
		row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.direct_key = $1`, c.DirectKey)
		if err := scanConversation(row, &existing); err != nil {
			return conversation.Conversation{}, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return conversation.Conversation{}, false, err
	}

	for i := range members {
		if err := r.AddParticipant(ctx, &members[i]); err != nil {
			return conversation.Conversation{}, false, err
		}
	}
	return *c, true, nil
}

func (r *PostgresConversationRepository) Create(ctx context.Context, c *conversation.Conversation) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO conversations (id, kind, title, direct_key, created_by, created_at, last_seq)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
    `, c.ID, c.Kind, c.Title, c.DirectKey, c.CreatedBy, c.CreatedAt, c.LastSeq)
	if err != nil {
		if isUniqueViolation(err) {
			return sideline_errors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *PostgresConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	var c conversation.Conversation
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id)
	if err := scanConversation(row, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Conversation{}, sideline_errors.ErrNotFound
		}
		return conversation.Conversation{}, err
	}
	return c, nil
}

func (r *PostgresConversationRepository) LockForAppend(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	var c conversation.Conversation
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1 FOR UPDATE`, id)
	if err := scanConversation(row, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Conversation{}, sideline_errors.ErrNotFound
		}
		return conversation.Conversation{}, err
	}
	return c, nil
}

func (r *PostgresConversationRepository) RecordLastMessage(ctx context.Context, m message.Message) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE conversations
        SET last_seq = $1, last_message_id = $2, last_message_preview = $3, last_message_at = $4
        WHERE id = $5 AND last_seq < $1
    `, m.Seq, m.ID, m.Preview(), m.CreatedAt, m.ConversationID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res, sideline_errors.ErrNotFound)
}

func (r *PostgresConversationRepository) ClearLastMessagePreview(ctx context.Context, conversationID, messageID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE conversations SET last_message_preview = NULL
        WHERE id = $1 AND last_message_id = $2
    `, conversationID, messageID)
	return err
}

func (r *PostgresConversationRepository) AddParticipant(ctx context.Context, p *conversation.Participant) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO participants (conversation_id, user_id, role, joined_at, left_at, last_read_at, last_read_seq, muted, archived)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `, p.ConversationID, p.UserID, p.Role, p.JoinedAt, p.LeftAt, p.LastReadAt, p.LastReadSeq, p.Muted, p.Archived)
	if err != nil {
		if isUniqueViolation(err) {
			return sideline_errors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *PostgresConversationRepository) GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (conversation.Participant, error) {
	var p conversation.Participant
	row := r.db.QueryRowContext(ctx, `
        SELECT `+participantColumns+`
        FROM participants p
        WHERE p.conversation_id = $1 AND p.user_id = $2
    `, conversationID, userID)
	if err := scanParticipant(row, &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Participant{}, sideline_errors.ErrNotFound
		}
		return conversation.Participant{}, err
	}
	return p, nil
}

func (r *PostgresConversationRepository) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]conversation.Participant, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+participantColumns+`
        FROM participants p
        WHERE p.conversation_id = $1
        ORDER BY p.joined_at ASC, p.user_id ASC
    `, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []conversation.Participant
	for rows.Next() {
		var p conversation.Participant
		if err := scanParticipant(rows, &p); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *PostgresConversationRepository) SetArchived(ctx context.Context, conversationID, userID uuid.UUID, archived bool) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE participants SET archived = $1
        WHERE conversation_id = $2 AND user_id = $3 AND left_at IS NULL
    `, archived, conversationID, userID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res, sideline_errors.ErrNotFound)
}

func (r *PostgresConversationRepository) MarkLeft(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE participants SET left_at = $1
        WHERE conversation_id = $2 AND user_id = $3 AND left_at IS NULL
    `, at, conversationID, userID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res, sideline_errors.ErrNotFound)
}

func (r *PostgresConversationRepository) UpdateReadWatermark(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) (conversation.Participant, error) {
	var p conversation.Participant
	row := r.db.QueryRowContext(ctx, `
        UPDATE participants p
        SET last_read_seq = GREATEST(p.last_read_seq, c.last_seq),
            last_read_at = GREATEST(COALESCE(p.last_read_at, $3), $3)
        FROM conversations c
        WHERE c.id = p.conversation_id AND p.conversation_id = $1 AND p.user_id = $2
        RETURNING `+participantColumns, conversationID, userID, at)
	if err := scanParticipant(row, &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Participant{}, sideline_errors.ErrNotFound
		}
		return conversation.Participant{}, err
	}
	return p, nil
}

func (r *PostgresConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID, includeArchived bool) ([]conversation.Summary, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+conversationColumns+`, `+participantColumns+`,
            (SELECT COUNT(*) FROM messages m
             WHERE m.conversation_id = c.id
               AND m.seq > p.last_read_seq
               AND m.sender_id <> p.user_id
               AND NOT m.deleted) AS unread
        FROM participants p
        JOIN conversations c ON c.id = p.conversation_id
        WHERE p.user_id = $1 AND p.left_at IS NULL AND ($2 OR NOT p.archived)
        ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id ASC
    `, userID, includeArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Summary
	for rows.Next() {
		var s conversation.Summary
		c, p := &s.Conversation, &s.Self
		if err := rows.Scan(
			&c.ID, &c.Kind, &c.Title, &c.DirectKey, &c.CreatedBy, &c.CreatedAt,
			&c.LastSeq, &c.LastMessageID, &c.LastMessagePreview, &c.LastMessageAt,
			&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt,
			&p.LastReadAt, &p.LastReadSeq, &p.Muted, &p.Archived,
			&s.UnreadCount,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresConversationRepository) ActiveConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT conversation_id FROM participants
        WHERE user_id = $1 AND left_at IS NULL
    `, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
