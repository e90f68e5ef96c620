// Package events defines the realtime event contract shared by the server and
// its clients.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TypeMessageCreated     = "message.created"
	TypeMessageUpdated     = "message.updated"
	TypeMessageDeleted     = "message.deleted"
	TypeReactionChanged    = "reaction.changed"
	TypeParticipantChanged = "participant.changed"
)

// Participant change kinds carried by ParticipantPayload.Change.
const (
	ChangeJoined     = "joined"
	ChangeLeft       = "left"
	ChangeArchived   = "archived"
	ChangeUnarchived = "unarchived"
	ChangeRead       = "read"
)

// Event is one entry of a conversation's ordered event stream. Position is
// strictly increasing within a conversation. Consumers de-duplicate by ID.
type Event struct {
	ID             uuid.UUID       `json:"id"`
	Type           string          `json:"type"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	TargetUserID   *uuid.UUID      `json:"target_user_id,omitempty"`
	Position       int64           `json:"position"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload"`
}

// VisibleTo reports whether the event may be delivered to userID.
func (e Event) VisibleTo(userID uuid.UUID) bool {
	return e.TargetUserID == nil || *e.TargetUserID == userID
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type MessagePayload struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	SenderID       uuid.UUID  `json:"sender_id"`
	Seq            int64      `json:"seq"`
	Type           string     `json:"type"`
	Content        string     `json:"content"`
	MediaRef       string     `json:"media_ref,omitempty"`
	ReplyTo        *uuid.UUID `json:"reply_to,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	Deleted        bool       `json:"deleted"`
}

// ViewedBy returns m as userID may see it. The idempotency key belongs to the
// sender only.
func (m MessagePayload) ViewedBy(userID uuid.UUID) MessagePayload {
	if userID != m.SenderID {
		m.IdempotencyKey = ""
	}
	return m
}

// SenderScoped splits a message event carrying an idempotency key into the
// sender and the copy every other participant receives. ok is false for
// events that need no such split.
func (e Event) SenderScoped() (sender uuid.UUID, others Event, ok bool) {
	if e.Type != TypeMessageCreated && e.Type != TypeMessageUpdated {
		return uuid.Nil, e, false
	}
	var m MessagePayload
	if err := e.Decode(&m); err != nil || m.IdempotencyKey == "" {
		return uuid.Nil, e, false
	}
	m.IdempotencyKey = ""
	data, err := json.Marshal(m)
	if err != nil {
		return uuid.Nil, e, false
	}
	others = e
	others.Payload = data
	return m.SenderID, others, true
}

type MessageDeletedPayload struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Seq            int64     `json:"seq"`
}

type ReactionPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Added     bool      `json:"added"`
}

type ParticipantPayload struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Change         string     `json:"change"`
	Role           string     `json:"role,omitempty"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
	LastReadSeq    int64      `json:"last_read_seq,omitempty"`
}

// Frame kinds sent over a subscription stream.
const (
	FrameReady  = "ready"
	FrameEvent  = "event"
	FrameClosed = "closed"
)

// Frame is the unit written to a subscription stream.
type Frame struct {
	Kind   string `json:"kind"`
	Event  *Event `json:"event,omitempty"`
	Reason string `json:"reason,omitempty"`
}
