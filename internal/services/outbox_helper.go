package services

import (
	"context"
	"encoding/json"
	"time"

	"sideline-chat/internal/domain/message"
	"sideline-chat/internal/domain/outbox"
	"sideline-chat/internal/repository"
	"sideline-chat/pkg/events"

	"github.com/google/uuid"
)

// Notifier is woken after a transaction that wrote outbox events commits.
type Notifier interface {
	Notify()
}

type nopNotifier struct{}

func (nopNotifier) Notify() {}

func enqueueEvent(ctx context.Context, repo repository.OutboxRepository, eventType string, conversationID uuid.UUID, target *uuid.UUID, payload interface{}, now time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	e := &outbox.Event{
		ID:             uuid.New(),
		EventType:      eventType,
		ConversationID: conversationID,
		Payload:        data,
		Status:         outbox.StatusPending,
		CreatedAt:      now,
		NextAttemptAt:  now,
	}
	if target != nil {
		e.TargetUserID = uuid.NullUUID{UUID: *target, Valid: true}
	}
	return repo.Create(ctx, e)
}

// MessagePayload renders m in wire form. Deleted messages are redacted.
func MessagePayload(m message.Message) events.MessagePayload {
	m = m.Redacted()
	p := events.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		Type:           string(m.Type),
		Content:        m.Content,
		MediaRef:       m.MediaRef.String,
		IdempotencyKey: m.IdempotencyKey.String,
		CreatedAt:      m.CreatedAt,
		Deleted:        m.Deleted,
	}
	if m.ReplyTo.Valid {
		reply := m.ReplyTo.UUID
		p.ReplyTo = &reply
	}
	if m.EditedAt.Valid {
		edited := m.EditedAt.Time
		p.EditedAt = &edited
	}
	return p
}
