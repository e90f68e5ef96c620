package proxy

import (
	"context"
	"errors"

	"sideline-chat/internal/domain/conversation"
	"sideline-chat/internal/domain/message"
	"sideline-chat/internal/repository"
	sideline_errors "sideline-chat/pkg/errors"

	"github.com/google/uuid"
)

// AccessControl answers authorization questions against one set of
// repositories, usually those bound to the current transaction.
type AccessControl struct {
	conversationRepo repository.ConversationRepository
}

func NewAccessControl(conversationRepo repository.ConversationRepository) *AccessControl {
	return &AccessControl{conversationRepo: conversationRepo}
}

// RequireParticipant returns the caller's participant row if it is active.
func (a *AccessControl) RequireParticipant(ctx context.Context, conversationID, userID uuid.UUID) (conversation.Participant, error) {
	p, err := a.conversationRepo.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, sideline_errors.ErrNotFound) {
			return conversation.Participant{}, sideline_errors.ErrNotAParticipant
		}
		return conversation.Participant{}, err
	}
	if !p.Active() {
		return conversation.Participant{}, sideline_errors.ErrNotAParticipant
	}
	return p, nil
}

func (a *AccessControl) CanManageGroup(ctx context.Context, conversationID, userID uuid.UUID) error {
	p, err := a.RequireParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if p.Role != conversation.RoleAdmin {
		return sideline_errors.ErrPermissionDenied
	}
	return nil
}

// CanModifyMessage checks that userID authored m and still participates.
func (a *AccessControl) CanModifyMessage(ctx context.Context, m message.Message, userID uuid.UUID) error {
	if m.SenderID != userID {
		return sideline_errors.ErrNotOwner
	}
	_, err := a.RequireParticipant(ctx, m.ConversationID, userID)
	return err
}
