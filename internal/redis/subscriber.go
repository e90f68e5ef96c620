package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	internalevents "sideline-chat/internal/events"
)

type Subscriber struct {
	client *redis.Client
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe blocks delivering messages on channels matching patterns. It
// returns nil once ctx is cancelled.
func (s *Subscriber) Subscribe(ctx context.Context, patterns []string, handler func(channel string, payload []byte)) error {
	sub := s.client.PSubscribe(ctx, patterns...)
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return nil
			}
			return err
		}
		handler(msg.Channel, []byte(msg.Payload))
	}
}

var _ internalevents.Subscriber = (*Subscriber)(nil)
