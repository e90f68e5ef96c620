package events

import (
	"context"

	"sideline-chat/pkg/events"
)

// Publisher delivers a committed event to the realtime layer. Implementations
// must preserve call order for events of the same conversation.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Subscriber streams raw payloads from the channels matching patterns until
// ctx is cancelled or the connection fails.
type Subscriber interface {
	Subscribe(ctx context.Context, patterns []string, handler func(channel string, payload []byte)) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event events.Event) error

func (f PublisherFunc) Publish(ctx context.Context, event events.Event) error {
	return f(ctx, event)
}
