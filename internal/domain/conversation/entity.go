package conversation

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindDirect Kind = "DIRECT"
	KindGroup  Kind = "GROUP"
)

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// State is the participant-scoped lifecycle of a conversation.
type State string

const (
	StateActive   State = "ACTIVE"
	StateArchived State = "ARCHIVED"
	StateLeft     State = "LEFT"
)

// Conversation represents the conversations table
type Conversation struct {
	ID                 uuid.UUID
	Kind               Kind
	Title              sql.NullString
	DirectKey          sql.NullString
	CreatedBy          uuid.UUID
	CreatedAt          time.Time
	LastSeq            int64
	LastMessageID      uuid.NullUUID
	LastMessagePreview sql.NullString
	LastMessageAt      sql.NullTime
}

// Participant represents the participants table
type Participant struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Role           Role
	JoinedAt       time.Time
	LeftAt         sql.NullTime
	LastReadAt     sql.NullTime
	LastReadSeq    int64
	Muted          bool
	Archived       bool
}

// Active reports whether the participant has not left.
func (p Participant) Active() bool {
	return !p.LeftAt.Valid
}

func (p Participant) State() State {
	switch {
	case p.LeftAt.Valid:
		return StateLeft
	case p.Archived:
		return StateArchived
	default:
		return StateActive
	}
}

// Summary is one row of a user's conversation listing.
type Summary struct {
	Conversation Conversation
	Self         Participant
	UnreadCount  int64
}

// DirectKey canonicalises an unordered pair of users.
func DirectKey(a, b uuid.UUID) string {
	if a.String() > b.String() {
		a, b = b, a
	}
	return a.String() + ":" + b.String()
}

func (Conversation) TableName() string {
	return "conversations"
}

func (Participant) TableName() string {
	return "participants"
}
