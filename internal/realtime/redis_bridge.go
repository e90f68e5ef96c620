package realtime

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	internalevents "sideline-chat/internal/events"
	"sideline-chat/pkg/events"
	"sideline-chat/pkg/logger"
)

// RedisBridge feeds events published by any node into the local bus.
type RedisBridge struct {
	subscriber internalevents.Subscriber
	bus        *Bus
	log        *logger.Logger
}

func NewRedisBridge(subscriber internalevents.Subscriber, bus *Bus, log *logger.Logger) *RedisBridge {
	if log == nil {
		log = logger.Nop()
	}
	return &RedisBridge{subscriber: subscriber, bus: bus, log: log}
}

func (b *RedisBridge) Run(ctx context.Context) error {
	return b.subscriber.Subscribe(ctx, []string{internalevents.ConversationPattern}, func(channel string, payload []byte) {
		var ev events.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			b.log.Logger.Warn("dropping malformed event", zap.String("channel", channel), zap.Error(err))
			return
		}
		if id, err := internalevents.ParseConversationChannel(channel); err != nil || id != ev.ConversationID {
			b.log.Logger.Warn("dropping misrouted event", zap.String("channel", channel))
			return
		}
		if err := b.bus.Publish(ctx, ev); err != nil {
			b.log.Logger.Warn("bus publish failed", zap.Error(err))
		}
	})
}
