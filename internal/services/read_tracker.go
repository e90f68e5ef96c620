package services

import (
	"context"
	"time"

	"sideline-chat/internal/domain/conversation"
	"sideline-chat/internal/proxy"
	"sideline-chat/internal/repository"
	"sideline-chat/pkg/events"

	"github.com/google/uuid"
)

// ReadTracker owns per-participant read watermarks. Unread counts are always
// derived from the message log.
type ReadTracker struct {
	tx       repository.TxManager
	notifier Notifier
	clock    func() time.Time
}

func NewReadTracker(tx repository.TxManager, notifier Notifier) *ReadTracker {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ReadTracker{tx: tx, notifier: notifier, clock: time.Now}
}

// MarkRead moves userID's watermark to the newest message of the conversation.
func (t *ReadTracker) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) (conversation.Participant, error) {
	now := t.clock().UTC().Truncate(time.Microsecond)
	advanced := false
	var updated conversation.Participant
	err := t.tx.WithinTx(ctx, func(repos repository.Repositories) error {
		if _, err := repos.Conversations.LockForAppend(ctx, conversationID); err != nil {
			return err
		}
		before, err := proxy.NewAccessControl(repos.Conversations).RequireParticipant(ctx, conversationID, userID)
		if err != nil {
			return err
		}
		updated, err = repos.Conversations.UpdateReadWatermark(ctx, conversationID, userID, now)
		if err != nil {
			return err
		}
		if updated.LastReadSeq == before.LastReadSeq && before.LastReadAt.Valid {
			return nil
		}
		advanced = true
		readAt := updated.LastReadAt.Time
		return enqueueEvent(ctx, repos.Outbox, events.TypeParticipantChanged, conversationID, nil, events.ParticipantPayload{
			ConversationID: conversationID,
			UserID:         userID,
			Change:         events.ChangeRead,
			Role:           string(updated.Role),
			LastReadAt:     &readAt,
			LastReadSeq:    updated.LastReadSeq,
		}, now)
	})
	if err != nil {
		return conversation.Participant{}, err
	}
	if advanced {
		t.notifier.Notify()
	}
	return updated, nil
}

// UnreadCount counts messages after userID's watermark sent by others.
func (t *ReadTracker) UnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int64, error) {
	repos := t.tx.Repos()
	p, err := proxy.NewAccessControl(repos.Conversations).RequireParticipant(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return repos.Messages.CountUnread(ctx, conversationID, userID, p.LastReadSeq)
}
