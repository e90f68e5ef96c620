package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the processing state of an outbox event
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Event stores a domain event written in the same transaction as the state
// change it describes. Position is assigned on insert and orders delivery.
type Event struct {
	ID             uuid.UUID
	Position       int64
	EventType      string
	ConversationID uuid.UUID
	TargetUserID   uuid.NullUUID
	Payload        []byte
	Status         Status
	RetryCount     int
	Error          string
	CreatedAt      time.Time
	NextAttemptAt  time.Time
	ProcessedAt    *time.Time
}

// TableName returns the database table name
func (Event) TableName() string {
	return "outbox_events"
}
