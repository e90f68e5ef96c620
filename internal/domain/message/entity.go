package message

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeText  Type = "TEXT"
	TypeImage Type = "IMAGE"
	TypeVideo Type = "VIDEO"
	TypeVoice Type = "VOICE"
	TypeFile  Type = "FILE"
)

func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeVoice, TypeFile:
		return true
	}
	return false
}

// IsMedia reports whether the type carries a media reference.
func (t Type) IsMedia() bool {
	return t.Valid() && t != TypeText
}

const (
	MaxContentLength = 4096
	MaxSymbolLength  = 32
	PreviewLength    = 120
)

// Message represents the messages table. ConversationID, SenderID, Seq and
// CreatedAt never change after insert.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Seq            int64
	IdempotencyKey sql.NullString
	Type           Type
	Content        string
	MediaRef       sql.NullString
	ReplyTo        uuid.NullUUID
	CreatedAt      time.Time
	EditedAt       sql.NullTime
	Deleted        bool
}

// Redacted returns the tombstone view of a deleted message.
func (m Message) Redacted() Message {
	if !m.Deleted {
		return m
	}
	m.Content = ""
	m.MediaRef = sql.NullString{}
	return m
}

// Preview is the snapshot stored on the conversation row.
func (m Message) Preview() string {
	if m.Type != TypeText {
		return "[" + string(m.Type) + "]"
	}
	r := []rune(m.Content)
	if len(r) > PreviewLength {
		return string(r[:PreviewLength])
	}
	return m.Content
}

// Reaction represents message_reactions
type Reaction struct {
	MessageID uuid.UUID
	UserID    uuid.UUID
	Symbol    string
	CreatedAt time.Time
}

// ReactionCount aggregates reactions of one symbol on one message.
type ReactionCount struct {
	Symbol  string
	Count   int
	UserIDs []uuid.UUID
}

func (Message) TableName() string {
	return "messages"
}

func (Reaction) TableName() string {
	return "message_reactions"
}
