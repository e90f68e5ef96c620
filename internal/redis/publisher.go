package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	internalevents "sideline-chat/internal/events"
	sideline_errors "sideline-chat/pkg/errors"
	"sideline-chat/pkg/events"
)

// Publisher fans committed events out to every node through Redis pub/sub.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, internalevents.ChannelFor(event), payload).Err(); err != nil {
		return sideline_errors.Transient(err)
	}
	return nil
}

var _ internalevents.Publisher = (*Publisher)(nil)
