package syncclient

import (
	"errors"
	"fmt"
)

// MessageState tracks an outgoing message from the local user's view.
type MessageState string

const (
	StateSending   MessageState = "sending"
	StateConfirmed MessageState = "confirmed"
	StateFailed    MessageState = "failed"
)

// ConversationState is the local participant's standing in a conversation.
type ConversationState string

const (
	ConversationActive   ConversationState = "active"
	ConversationArchived ConversationState = "archived"
	ConversationLeft     ConversationState = "left"
)

type Action string

const (
	ActionArchive   Action = "archive"
	ActionUnarchive Action = "unarchive"
	ActionLeave     Action = "leave"
)

var (
	ErrConversationLeft  = errors.New("conversation was left")
	ErrInvalidTransition = errors.New("invalid conversation transition")
)

// Transition applies action to from. Left is terminal; archiving twice and
// leaving twice are no-ops.
func Transition(from ConversationState, action Action) (ConversationState, error) {
	if from == ConversationLeft {
		if action == ActionLeave {
			return ConversationLeft, nil
		}
		return from, ErrConversationLeft
	}
	switch action {
	case ActionArchive:
		return ConversationArchived, nil
	case ActionUnarchive:
		return ConversationActive, nil
	case ActionLeave:
		return ConversationLeft, nil
	}
	return from, fmt.Errorf("%w: %s", ErrInvalidTransition, action)
}
