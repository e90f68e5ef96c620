package httpdto

import (
	"time"

	"sideline-chat/internal/domain/conversation"
)

// CreateDirectRequest is used for POST /v1/conversations/direct
type CreateDirectRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// CreateGroupRequest is used for POST /v1/conversations/group
type CreateGroupRequest struct {
	Title   string   `json:"title" binding:"required"`
	Members []string `json:"members" binding:"required"`
}

// AddParticipantsRequest is used for POST /v1/conversations/:id/participants
type AddParticipantsRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

type ConversationDTO struct {
	ID                 string     `json:"id"`
	Kind               string     `json:"kind"`
	Title              string     `json:"title,omitempty"`
	CreatedBy          string     `json:"created_by"`
	CreatedAt          time.Time  `json:"created_at"`
	LastSeq            int64      `json:"last_seq"`
	LastMessageID      string     `json:"last_message_id,omitempty"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`

	// Caller-scoped fields, present when the conversation is read through a participant.
	Role        string     `json:"role,omitempty"`
	State       string     `json:"state,omitempty"`
	Muted       bool       `json:"muted"`
	LastReadSeq int64      `json:"last_read_seq"`
	LastReadAt  *time.Time `json:"last_read_at,omitempty"`
	UnreadCount int64      `json:"unread_count"`
}

type ParticipantDTO struct {
	UserID      string     `json:"user_id"`
	Role        string     `json:"role"`
	State       string     `json:"state"`
	JoinedAt    time.Time  `json:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
	LastReadSeq int64      `json:"last_read_seq"`
	LastReadAt  *time.Time `json:"last_read_at,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []ConversationDTO `json:"conversations"`
}

type ListParticipantsResponse struct {
	Participants []ParticipantDTO `json:"participants"`
}

type UnreadCountResponse struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int64  `json:"unread_count"`
}

type MarkReadResponse struct {
	ConversationID string     `json:"conversation_id"`
	LastReadSeq    int64      `json:"last_read_seq"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}

func FromConversation(c conversation.Conversation) ConversationDTO {
	dto := ConversationDTO{
		ID:        c.ID.String(),
		Kind:      string(c.Kind),
		CreatedBy: c.CreatedBy.String(),
		CreatedAt: c.CreatedAt,
		LastSeq:   c.LastSeq,
	}
	if c.Title.Valid {
		dto.Title = c.Title.String
	}
	if c.LastMessageID.Valid {
		dto.LastMessageID = c.LastMessageID.UUID.String()
	}
	if c.LastMessagePreview.Valid {
		dto.LastMessagePreview = c.LastMessagePreview.String
	}
	if c.LastMessageAt.Valid {
		t := c.LastMessageAt.Time
		dto.LastMessageAt = &t
	}
	return dto
}

func FromSummary(s conversation.Summary) ConversationDTO {
	dto := FromConversation(s.Conversation)
	dto.Role = string(s.Self.Role)
	dto.State = string(s.Self.State())
	dto.Muted = s.Self.Muted
	dto.LastReadSeq = s.Self.LastReadSeq
	if s.Self.LastReadAt.Valid {
		t := s.Self.LastReadAt.Time
		dto.LastReadAt = &t
	}
	dto.UnreadCount = s.UnreadCount
	return dto
}

func FromSummarySlice(items []conversation.Summary) []ConversationDTO {
	out := make([]ConversationDTO, 0, len(items))
	for _, s := range items {
		out = append(out, FromSummary(s))
	}
	return out
}

func FromParticipant(p conversation.Participant) ParticipantDTO {
	dto := ParticipantDTO{
		UserID:      p.UserID.String(),
		Role:        string(p.Role),
		State:       string(p.State()),
		JoinedAt:    p.JoinedAt,
		LastReadSeq: p.LastReadSeq,
	}
	if p.LeftAt.Valid {
		t := p.LeftAt.Time
		dto.LeftAt = &t
	}
	if p.LastReadAt.Valid {
		t := p.LastReadAt.Time
		dto.LastReadAt = &t
	}
	return dto
}

func FromParticipantSlice(items []conversation.Participant) []ParticipantDTO {
	out := make([]ParticipantDTO, 0, len(items))
	for _, p := range items {
		out = append(out, FromParticipant(p))
	}
	return out
}
