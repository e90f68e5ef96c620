package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"sideline-chat/internal/domain/conversation"
	"sideline-chat/internal/domain/message"
	"sideline-chat/internal/metrics"
	"sideline-chat/internal/policy"
	"sideline-chat/internal/proxy"
	"sideline-chat/internal/repository"
	sideline_errors "sideline-chat/pkg/errors"
	"sideline-chat/pkg/events"
	"sideline-chat/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultPageSize      = 50
	MaxPageSize          = 100
	maxIdempotencyKeyLen = 128
	maxMediaRefLength    = 1024
)

type SendInput struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Content        string
	Type           message.Type
	IdempotencyKey string
	MediaRef       string
	ReplyTo        *uuid.UUID
}

type SendResult struct {
	Message message.Message
	// Duplicate is set when the idempotency key matched an earlier send.
	Duplicate bool
}

// Page is one newest-first slice of a conversation's history. Profiles holds
// the senders of the page, resolved once.
type Page struct {
	Messages []message.Message
	HasMore  bool
	Profiles map[uuid.UUID]policy.Profile
}

// MessageService is the per-conversation ordered message log.
type MessageService struct {
	tx       repository.TxManager
	profiles policy.ProfileDirectory
	notifier Notifier
	metrics  *metrics.Collectors
	log      *logger.Logger
	clock    func() time.Time
}

func NewMessageService(tx repository.TxManager, profiles policy.ProfileDirectory, notifier Notifier, collectors *metrics.Collectors, log *logger.Logger) *MessageService {
	if profiles == nil {
		profiles = policy.StaticProfiles{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &MessageService{
		tx:       tx,
		profiles: profiles,
		notifier: notifier,
		metrics:  collectors,
		log:      log,
		clock:    time.Now,
	}
}

func validateContent(t message.Type, content string) error {
	if utf8.RuneCountInString(content) > message.MaxContentLength {
		return sideline_errors.Validation("content exceeds %d characters", message.MaxContentLength)
	}
	if t == message.TypeText && strings.TrimSpace(content) == "" {
		return sideline_errors.Validation("content is required")
	}
	return nil
}

func (in SendInput) validate() error {
	if in.ConversationID == uuid.Nil || in.SenderID == uuid.Nil {
		return sideline_errors.Validation("conversation and sender are required")
	}
	if !in.Type.Valid() {
		return sideline_errors.Validation("unknown message type %q", in.Type)
	}
	if err := validateContent(in.Type, in.Content); err != nil {
		return err
	}
	if in.Type.IsMedia() && strings.TrimSpace(in.MediaRef) == "" {
		return sideline_errors.Validation("%s messages require a media reference", in.Type)
	}
	if !in.Type.IsMedia() && in.MediaRef != "" {
		return sideline_errors.Validation("text messages cannot carry media")
	}
	if len(in.MediaRef) > maxMediaRefLength {
		return sideline_errors.Validation("media reference too long")
	}
	if len(in.IdempotencyKey) > maxIdempotencyKeyLen {
		return sideline_errors.Validation("idempotency key exceeds %d bytes", maxIdempotencyKeyLen)
	}
	return nil
}

// nextCreatedAt keeps createdAt strictly increasing within a conversation.
func nextCreatedAt(now time.Time, c conversation.Conversation) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if c.LastMessageAt.Valid && !now.After(c.LastMessageAt.Time) {
		return c.LastMessageAt.Time.Add(time.Microsecond)
	}
	return now
}

// Send appends a message. A repeated idempotency key from the same sender in
// the same conversation returns the original message without a second event.
func (s *MessageService) Send(ctx context.Context, in SendInput) (SendResult, error) {
	if err := in.validate(); err != nil {
		return SendResult{}, err
	}

	var result SendResult
	err := s.tx.WithinTx(ctx, func(repos repository.Repositories) error {
		c, err := repos.Conversations.LockForAppend(ctx, in.ConversationID)
		if err != nil {
			return err
		}
		if _, err := proxy.NewAccessControl(repos.Conversations).RequireParticipant(ctx, in.ConversationID, in.SenderID); err != nil {
			return err
		}

		if in.IdempotencyKey != "" {
			existing, err := repos.Messages.GetByIdempotencyKey(ctx, in.ConversationID, in.SenderID, in.IdempotencyKey)
			if err == nil {
				result = SendResult{Message: existing.Redacted(), Duplicate: true}
				return nil
			}
			if !errors.Is(err, sideline_errors.ErrNotFound) {
				return err
			}
		}

		if in.ReplyTo != nil {
			target, err := repos.Messages.GetByID(ctx, *in.ReplyTo)
			if err != nil {
				if errors.Is(err, sideline_errors.ErrNotFound) {
					return sideline_errors.Validation("reply target does not exist")
				}
				return err
			}
			if target.ConversationID != in.ConversationID {
				return sideline_errors.Validation("reply target belongs to another conversation")
			}
		}

		m := message.Message{
			ID:             uuid.New(),
			ConversationID: in.ConversationID,
			SenderID:       in.SenderID,
			Seq:            c.LastSeq + 1,
			Type:           in.Type,
			Content:        in.Content,
			CreatedAt:      nextCreatedAt(s.clock(), c),
		}
		if in.IdempotencyKey != "" {
			m.IdempotencyKey = sql.NullString{String: in.IdempotencyKey, Valid: true}
		}
		if in.MediaRef != "" {
			m.MediaRef = sql.NullString{String: in.MediaRef, Valid: true}
		}
		if in.ReplyTo != nil {
			m.ReplyTo = uuid.NullUUID{UUID: *in.ReplyTo, Valid: true}
		}

		if err := repos.Messages.Create(ctx, &m); err != nil {
			return err
		}
		if err := repos.Conversations.RecordLastMessage(ctx, m); err != nil {
			return fmt.Errorf("record last message: %w", err)
		}
		if err := enqueueEvent(ctx, repos.Outbox, events.TypeMessageCreated, m.ConversationID, nil, MessagePayload(m), m.CreatedAt); err != nil {
			return err
		}
		result = SendResult{Message: m}
		return nil
	})
	if err != nil {
		return SendResult{}, err
	}
	if !result.Duplicate {
		s.metrics.MessageAppended()
		s.notifier.Notify()
	}
	return result, nil
}

// lockMessage loads a message and locks its conversation for the rest of the
// transaction.
func lockMessage(ctx context.Context, repos repository.Repositories, messageID uuid.UUID) (message.Message, error) {
	m, err := repos.Messages.GetByID(ctx, messageID)
	if err != nil {
		return message.Message{}, err
	}
	if _, err := repos.Conversations.LockForAppend(ctx, m.ConversationID); err != nil {
		return message.Message{}, err
	}
	return repos.Messages.GetByID(ctx, messageID)
}

// Edit replaces the content of a message. Only its sender may edit it.
func (s *MessageService) Edit(ctx context.Context, messageID, editorID uuid.UUID, content string) (message.Message, error) {
	var edited message.Message
	err := s.tx.WithinTx(ctx, func(repos repository.Repositories) error {
		m, err := lockMessage(ctx, repos, messageID)
		if err != nil {
			return err
		}
		if m.Deleted {
			return sideline_errors.ErrNotFound
		}
		if err := proxy.NewAccessControl(repos.Conversations).CanModifyMessage(ctx, m, editorID); err != nil {
			return err
		}
		if err := validateContent(m.Type, content); err != nil {
			return err
		}

		now := s.clock().UTC().Truncate(time.Microsecond)
		if err := repos.Messages.UpdateContent(ctx, m.ID, content, now); err != nil {
			return err
		}
		m.Content = content
		m.EditedAt = sql.NullTime{Time: now, Valid: true}
		edited = m
		return enqueueEvent(ctx, repos.Outbox, events.TypeMessageUpdated, m.ConversationID, nil, MessagePayload(m), now)
	})
	if err != nil {
		return message.Message{}, err
	}
	s.notifier.Notify()
	return edited, nil
}

// Delete tombstones a message. The row is kept so replies stay resolvable.
// Deleting an already deleted message succeeds without a new event.
func (s *MessageService) Delete(ctx context.Context, messageID, requesterID uuid.UUID) error {
	changed := false
	err := s.tx.WithinTx(ctx, func(repos repository.Repositories) error {
		m, err := lockMessage(ctx, repos, messageID)
		if err != nil {
			return err
		}
		if err := proxy.NewAccessControl(repos.Conversations).CanModifyMessage(ctx, m, requesterID); err != nil {
			return err
		}
		if m.Deleted {
			return nil
		}
		if err := repos.Messages.MarkDeleted(ctx, m.ID); err != nil {
			return err
		}
		if err := repos.Conversations.ClearLastMessagePreview(ctx, m.ConversationID, m.ID); err != nil {
			return err
		}
		changed = true
		return enqueueEvent(ctx, repos.Outbox, events.TypeMessageDeleted, m.ConversationID, nil, events.MessageDeletedPayload{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			Seq:            m.Seq,
		}, s.clock().UTC())
	})
	if err != nil {
		return err
	}
	if changed {
		s.notifier.Notify()
	}
	return nil
}

// Get returns one message, redacted if deleted.
func (s *MessageService) Get(ctx context.Context, messageID, requesterID uuid.UUID) (message.Message, error) {
	repos := s.tx.Repos()
	m, err := repos.Messages.GetByID(ctx, messageID)
	if err != nil {
		return message.Message{}, err
	}
	if _, err := proxy.NewAccessControl(repos.Conversations).RequireParticipant(ctx, m.ConversationID, requesterID); err != nil {
		return message.Message{}, err
	}
	return m.Redacted(), nil
}

// List returns up to pageSize messages older than before, newest first. A nil
// before starts from the latest message. Pages are anchored on the sequence of
// the anchor message, so concurrent appends never shift them.
func (s *MessageService) List(ctx context.Context, conversationID, requesterID uuid.UUID, before *uuid.UUID, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	repos := s.tx.Repos()
	if _, err := proxy.NewAccessControl(repos.Conversations).RequireParticipant(ctx, conversationID, requesterID); err != nil {
		return Page{}, err
	}

	var beforeSeq int64
	if before != nil {
		anchor, err := repos.Messages.GetByID(ctx, *before)
		if err != nil {
			return Page{}, err
		}
		if anchor.ConversationID != conversationID {
			return Page{}, sideline_errors.Validation("anchor message belongs to another conversation")
		}
		beforeSeq = anchor.Seq
	}

	rows, err := repos.Messages.ListBefore(ctx, conversationID, beforeSeq, pageSize+1)
	if err != nil {
		return Page{}, err
	}
	page := Page{HasMore: len(rows) > pageSize}
	if page.HasMore {
		rows = rows[:pageSize]
	}
	page.Messages = make([]message.Message, len(rows))
	senders := make([]uuid.UUID, 0, len(rows))
	seen := make(map[uuid.UUID]bool)
	for i, m := range rows {
		page.Messages[i] = m.Redacted()
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			senders = append(senders, m.SenderID)
		}
	}

	page.Profiles = map[uuid.UUID]policy.Profile{}
	if len(senders) > 0 {
		profiles, err := s.profiles.Profiles(ctx, senders)
		if err != nil {
			// Profiles decorate the page; history is still served without them.
			s.log.WithContext(ctx).Warn("resolve profiles failed", zap.Error(err))
		} else {
			page.Profiles = profiles
		}
	}
	return page, nil
}
