package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"sideline-chat/internal/domain/conversation"
	"sideline-chat/internal/domain/message"
	"sideline-chat/internal/domain/outbox"
)

type ConversationRepository interface {
	// GetOrCreateDirect inserts c and its participants unless a conversation with
	// the same direct key exists, in which case the existing row is returned.
	GetOrCreateDirect(ctx context.Context, c *conversation.Conversation, members []conversation.Participant) (conversation.Conversation, bool, error)
	Create(ctx context.Context, c *conversation.Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error)
	// LockForAppend returns the conversation row locked until the transaction ends.
	LockForAppend(ctx context.Context, id uuid.UUID) (conversation.Conversation, error)
	RecordLastMessage(ctx context.Context, m message.Message) error
	// ClearLastMessagePreview blanks the snapshot if it still points at messageID.
	ClearLastMessagePreview(ctx context.Context, conversationID, messageID uuid.UUID) error

	AddParticipant(ctx context.Context, p *conversation.Participant) error
	GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (conversation.Participant, error)
	GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]conversation.Participant, error)
	SetArchived(ctx context.Context, conversationID, userID uuid.UUID, archived bool) error
	MarkLeft(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error
	// UpdateReadWatermark moves the participant's watermark to the conversation's
	// current last sequence. The watermark never moves backwards.
	UpdateReadWatermark(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) (conversation.Participant, error)

	ListForUser(ctx context.Context, userID uuid.UUID, includeArchived bool) ([]conversation.Summary, error)
	ActiveConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *message.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (message.Message, error)
	GetByIdempotencyKey(ctx context.Context, conversationID, senderID uuid.UUID, key string) (message.Message, error)
	UpdateContent(ctx context.Context, id uuid.UUID, content string, editedAt time.Time) error
	MarkDeleted(ctx context.Context, id uuid.UUID) error
	// ListBefore returns up to limit messages with seq < beforeSeq, newest first.
	// beforeSeq <= 0 means no upper bound.
	ListBefore(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]message.Message, error)
	CountUnread(ctx context.Context, conversationID, userID uuid.UUID, afterSeq int64) (int64, error)
}

type ReactionRepository interface {
	// Add reports whether a new row was stored.
	Add(ctx context.Context, r *message.Reaction) (bool, error)
	// Remove reports whether a row was deleted.
	Remove(ctx context.Context, messageID, userID uuid.UUID, symbol string) (bool, error)
	ListForMessage(ctx context.Context, messageID uuid.UUID) ([]message.Reaction, error)
}

type OutboxRepository interface {
	Create(ctx context.Context, event *outbox.Event) error
	// GetPending returns due events in position order. An event is held back
	// while an earlier pending event of the same conversation is not yet due.
	GetPending(ctx context.Context, limit int, now time.Time) ([]outbox.Event, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errorMsg string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error
}

// Repositories groups the repositories bound to one connection or transaction.
type Repositories struct {
	Conversations ConversationRepository
	Messages      MessageRepository
	Reactions     ReactionRepository
	Outbox        OutboxRepository
}

// TxManager hands out repositories and runs units of work atomically.
type TxManager interface {
	Repos() Repositories
	WithinTx(ctx context.Context, fn func(Repositories) error) error
}
