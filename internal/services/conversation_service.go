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
	"sideline-chat/internal/policy"
	"sideline-chat/internal/proxy"
	"sideline-chat/internal/repository"
	sideline_errors "sideline-chat/pkg/errors"
	"sideline-chat/pkg/events"
	"sideline-chat/pkg/logger"

	"github.com/google/uuid"
)

const (
	maxGroupTitleLength = 100
	maxGroupSize        = 256
)

// ConversationService resolves direct conversations and manages membership,
// archival and listing.
type ConversationService struct {
	tx       repository.TxManager
	policy   policy.RelationshipPolicy
	notifier Notifier
	log      *logger.Logger
	clock    func() time.Time
}

func NewConversationService(tx repository.TxManager, relationships policy.RelationshipPolicy, notifier Notifier, log *logger.Logger) *ConversationService {
	if relationships == nil {
		relationships = policy.AllowAll()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ConversationService{
		tx:       tx,
		policy:   relationships,
		notifier: notifier,
		log:      log,
		clock:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (s *ConversationService) canMessage(ctx context.Context, a, b uuid.UUID) error {
	ok, err := s.policy.CanMessage(ctx, a, b)
	if err != nil {
		return fmt.Errorf("relationship policy: %w", err)
	}
	if !ok {
		return sideline_errors.ErrPermissionDenied
	}
	return nil
}

func joinedPayload(p conversation.Participant) events.ParticipantPayload {
	return events.ParticipantPayload{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		Change:         events.ChangeJoined,
		Role:           string(p.Role),
	}
}

// FindOrCreateDirect returns the single direct conversation between userA and
// userB, creating it on first use. Concurrent callers from either side
// converge on the same row.
func (s *ConversationService) FindOrCreateDirect(ctx context.Context, userA, userB uuid.UUID) (conversation.Conversation, error) {
	if userA == uuid.Nil || userB == uuid.Nil {
		return conversation.Conversation{}, sideline_errors.Validation("both users are required")
	}
	if userA == userB {
		return conversation.Conversation{}, sideline_errors.Validation("cannot start a conversation with yourself")
	}
	if err := s.canMessage(ctx, userA, userB); err != nil {
		return conversation.Conversation{}, err
	}

	now := s.clock()
	candidate := conversation.Conversation{
		ID:        uuid.New(),
		Kind:      conversation.KindDirect,
		DirectKey: sql.NullString{String: conversation.DirectKey(userA, userB), Valid: true},
		CreatedBy: userA,
		CreatedAt: now,
	}
	members := []conversation.Participant{
		{ConversationID: candidate.ID, UserID: userA, Role: conversation.RoleMember, JoinedAt: now},
		{ConversationID: candidate.ID, UserID: userB, Role: conversation.RoleMember, JoinedAt: now},
	}

	var (
		result  conversation.Conversation
		created bool
	)
	err := s.tx.WithinTx(ctx, func(repos repository.Repositories) error {
		var err error
		result, created, err = repos.Conversations.GetOrCreateDirect(ctx, &candidate, members)
		if err != nil || !created {
			return err
		}
		for _, p := range members {
			if err := enqueueEvent(ctx, repos.Outbox, events.TypeParticipantChanged, result.ID, nil, joinedPayload(p), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	if created {
		s.notifier.Notify()
	}
	return result, nil
}

type CreateGroupInput struct {
	CreatorID uuid.UUID
	Title     string
	Members   []uuid.UUID
}

// CreateGroup creates a group with the creator as admin.
func (s *ConversationService) CreateGroup(ctx context.Context, in CreateGroupInput) (conversation.Conversation, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return conversation.Conversation{}, sideline_errors.Validation("title is required")
	}
	if utf8.RuneCountInString(title) > maxGroupTitleLength {
		return conversation.Conversation{}, sideline_errors.Validation("title exceeds %d characters", maxGroupTitleLength)
	}
	if in.CreatorID == uuid.Nil {
		return conversation.Conversation{}, sideline_errors.Validation("creator is required")
	}
	members := uniqueUsers(in.Members, in.CreatorID)
	if len(members) == 0 {
		return conversation.Conversation{}, sideline_errors.Validation("at least one other member is required")
	}
	if len(members)+1 > maxGroupSize {
		return conversation.Conversation{}, sideline_errors.Validation("groups are limited to %d members", maxGroupSize)
	}
	for _, m := range members {
		if err := s.canMessage(ctx, in.CreatorID, m); err != nil {
			return conversation.Conversation{}, err
		}
	}

	now := s.clock()
	c := conversation.Conversation{
		ID:        uuid.New(),
		Kind:      conversation.KindGroup,
		Title:     sql.NullString{String: title, Valid: true},
		CreatedBy: in.CreatorID,
		CreatedAt: now,
	}
	participants := []conversation.Participant{{ConversationID: c.ID, UserID: in.CreatorID, Role: conversation.RoleAdmin, JoinedAt: now}}
	for _, m := range members {
		participants = append(participants, conversation.Participant{ConversationID: c.ID, UserID: m, Role: conversation.RoleMember, JoinedAt: now})
	}

	err := s.tx.WithinTx(ctx, func(repos repository.Repositories) error {
		if err := repos.Conversations.Create(ctx, &c); err != nil {
			return err
		}
		for i := range participants {
			if err := repos.Conversations.AddParticipant(ctx, &participants[i]); err != nil {
				return err
			}
			if err := enqueueEvent(ctx, repos.Outbox, events.TypeParticipantChanged, c.ID, nil, joinedPayload(participants[i]), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	s.notifier.Notify()
	return c, nil
}

// AddParticipants adds users to a group. Only admins may add; users already
// active are skipped; users who left cannot be re-added.
func (s *ConversationService) AddParticipants(ctx context.Context, conversationID, actorID uuid.UUID, userIDs []uuid.UUID) ([]conversation.Participant, error) {
	users := uniqueUsers(userIDs, actorID)
	if len(users) == 0 {
		return nil, sideline_errors.Validation("no users to add")
	}
	for _, u := range users {
		if err := s.canMessage(ctx, actorID, u); err != nil {
			return nil, err
		}
	}

	now := s.clock()
	var added []conversation.Participant
	err := s.tx.WithinTx(ctx, func(repos repository.Repositories) error {
		c, err := repos.Conversations.LockForAppend(ctx, conversationID)
		if err != nil {
			return err
		}
		access := proxy.NewAccessControl(repos.Conversations)
		if err := access.CanManageGroup(ctx, conversationID, actorID); err != nil {
			return err
		}
		if c.Kind != conversation.KindGroup {
			return sideline_errors.Validation("participants can only be added to groups")
		}
		current, err := repos.Conversations.GetParticipants(ctx, conversationID)
		if err != nil {
			return err
		}
		existing := make(map[uuid.UUID]conversation.Participant, len(current))
		active := 0
		for _, p := range current {
			existing[p.UserID] = p
			if p.Active() {
				active++
			}
		}
		for _, u := range users {
			if p, ok := existing[u]; ok {
				if !p.Active() {
					return sideline_errors.Validation("user %s has left this conversation", u)
				}
				continue
			}
			if active >= maxGroupSize {
				return sideline_errors.Validation("groups are limited to %d members", maxGroupSize)
			}
			// New members start with everything before their join marked read.
			p := conversation.Participant{
				ConversationID: conversationID,
				UserID:         u,
				Role:           conversation.RoleMember,
				JoinedAt:       now,
				LastReadSeq:    c.LastSeq,
			}
			if err := repos.Conversations.AddParticipant(ctx, &p); err != nil {
				return err
			}
			if err := enqueueEvent(ctx, repos.Outbox, events.TypeParticipantChanged, conversationID, nil, joinedPayload(p), now); err != nil {
				return err
			}
			added = append(added, p)
			active++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		s.notifier.Notify()
	}
	return added, nil
}

func (s *ConversationService) setArchived(ctx context.Context, conversationID, userID uuid.UUID, archived bool) error {
	change := events.ChangeUnarchived
	if archived {
		change = events.ChangeArchived
	}
	now := s.clock()
	changed := false
	err := s.tx.WithinTx(ctx, func(repos repository.Repositories) error {
		if _, err := repos.Conversations.LockForAppend(ctx, conversationID); err != nil {
			return err
		}
		p, err := proxy.NewAccessControl(repos.Conversations).RequireParticipant(ctx, conversationID, userID)
		if err != nil {
			return err
		}
		if p.Archived == archived {
			return nil
		}
		if err := repos.Conversations.SetArchived(ctx, conversationID, userID, archived); err != nil {
			return err
		}
		changed = true
		target := userID
		return enqueueEvent(ctx, repos.Outbox, events.TypeParticipantChanged, conversationID, &target, events.ParticipantPayload{
			ConversationID: conversationID,
			UserID:         userID,
			Change:         change,
		}, now)
	})
	if err != nil {
		return err
	}
	if changed {
		s.notifier.Notify()
	}
	return nil
}

// Archive hides the conversation from userID's default listing only.
func (s *ConversationService) Archive(ctx context.Context, conversationID, userID uuid.UUID) error {
	return s.setArchived(ctx, conversationID, userID, true)
}

func (s *ConversationService) Unarchive(ctx context.Context, conversationID, userID uuid.UUID) error {
	return s.setArchived(ctx, conversationID, userID, false)
}

// Leave ends userID's participation. It is terminal and repeatable.
func (s *ConversationService) Leave(ctx context.Context, conversationID, userID uuid.UUID) error {
	now := s.clock()
	changed := false
	err := s.tx.WithinTx(ctx, func(repos repository.Repositories) error {
		if _, err := repos.Conversations.LockForAppend(ctx, conversationID); err != nil {
			return err
		}
		p, err := repos.Conversations.GetParticipant(ctx, conversationID, userID)
		if err != nil {
			if errors.Is(err, sideline_errors.ErrNotFound) {
				return sideline_errors.ErrNotAParticipant
			}
			return err
		}
		if !p.Active() {
			return nil
		}
		if err := repos.Conversations.MarkLeft(ctx, conversationID, userID, now); err != nil {
			return err
		}
		changed = true
		return enqueueEvent(ctx, repos.Outbox, events.TypeParticipantChanged, conversationID, nil, events.ParticipantPayload{
			ConversationID: conversationID,
			UserID:         userID,
			Change:         events.ChangeLeft,
			Role:           string(p.Role),
		}, now)
	})
	if err != nil {
		return err
	}
	if changed {
		s.notifier.Notify()
	}
	return nil
}

// List returns userID's conversations, most recently active first.
func (s *ConversationService) List(ctx context.Context, userID uuid.UUID, includeArchived bool) ([]conversation.Summary, error) {
	return s.tx.Repos().Conversations.ListForUser(ctx, userID, includeArchived)
}

// Get returns one conversation as seen by userID.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID uuid.UUID) (conversation.Summary, error) {
	repos := s.tx.Repos()
	p, err := proxy.NewAccessControl(repos.Conversations).RequireParticipant(ctx, conversationID, userID)
	if err != nil {
		return conversation.Summary{}, err
	}
	c, err := repos.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		return conversation.Summary{}, err
	}
	unread, err := repos.Messages.CountUnread(ctx, conversationID, userID, p.LastReadSeq)
	if err != nil {
		return conversation.Summary{}, err
	}
	return conversation.Summary{Conversation: c, Self: p, UnreadCount: unread}, nil
}

// Participants lists every participant, including those who left.
func (s *ConversationService) Participants(ctx context.Context, conversationID, userID uuid.UUID) ([]conversation.Participant, error) {
	repos := s.tx.Repos()
	if _, err := proxy.NewAccessControl(repos.Conversations).RequireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return repos.Conversations.GetParticipants(ctx, conversationID)
}

// ActiveConversationIDs feeds subscription scoping.
func (s *ConversationService) ActiveConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return s.tx.Repos().Conversations.ActiveConversationIDs(ctx, userID)
}

func uniqueUsers(ids []uuid.UUID, exclude uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
