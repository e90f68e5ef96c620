package events

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"sideline-chat/pkg/events"
)

const conversationChannelPrefix = "channel:conversation:"

// ConversationPattern matches every conversation channel.
const ConversationPattern = conversationChannelPrefix + "*"

// ChannelFor returns the pub/sub channel an event is routed through.
// All events of one conversation share a channel so their order is kept.
func ChannelFor(event events.Event) string {
	return ConversationChannel(event.ConversationID)
}

func ConversationChannel(id uuid.UUID) string {
	return conversationChannelPrefix + id.String()
}

// ParseConversationChannel extracts the conversation id from a channel name.
func ParseConversationChannel(channel string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(channel, conversationChannelPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("not a conversation channel: %q", channel)
	}
	return uuid.Parse(raw)
}
