package syncclient

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sideline-chat/pkg/events"
	"sideline-chat/pkg/logger"
)

// Client owns the timelines of one signed-in user and routes stream frames
// to them.
type Client struct {
	api  API
	self uuid.UUID
	opts TimelineOptions
	log  *logger.Logger

	mu        sync.Mutex
	timelines map[uuid.UUID]*Timeline
	sessions  int
}

func New(api API, self uuid.UUID, opts TimelineOptions, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		api:       api,
		self:      self,
		opts:      opts,
		log:       log,
		timelines: make(map[uuid.UUID]*Timeline),
	}
}

// Timeline returns the timeline for a conversation, creating it on first use.
func (c *Client) Timeline(conversationID uuid.UUID) *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timelines[conversationID]
	if !ok {
		t = NewTimeline(c.api, conversationID, c.self, c.opts)
		c.timelines[conversationID] = t
	}
	return t
}

func (c *Client) snapshot() []*Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Timeline, 0, len(c.timelines))
	for _, t := range c.timelines {
		out = append(out, t)
	}
	return out
}

// HandleFrame applies one stream frame. A ready frame after a reconnect
// reconciles every open timeline. It returns once reconciliation finishes.
func (c *Client) HandleFrame(ctx context.Context, f events.Frame) {
	switch f.Kind {
	case events.FrameReady:
		c.mu.Lock()
		c.sessions++
		reconnect := c.sessions > 1
		c.mu.Unlock()
		if reconnect {
			c.ReconcileAll(ctx)
		}
	case events.FrameEvent:
		if f.Event == nil {
			return
		}
		c.Timeline(f.Event.ConversationID).Apply(*f.Event)
	case events.FrameClosed:
		c.log.WithContext(ctx).Info("stream closed by server", zap.String("reason", f.Reason))
	}
}

// ReconcileAll reconciles every timeline concurrently.
func (c *Client) ReconcileAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range c.snapshot() {
		wg.Add(1)
		go func(t *Timeline) {
			defer wg.Done()
			if _, err := t.Reconcile(ctx); err != nil {
				c.log.WithContext(ctx).Warn("reconcile failed",
					zap.String("conversation_id", t.ConversationID().String()),
					zap.Error(err),
				)
			}
		}(t)
	}
	wg.Wait()
}

// Run follows the stream until ctx is done.
func (c *Client) Run(ctx context.Context, stream *Stream) error {
	return stream.Run(ctx, func(f events.Frame) { c.HandleFrame(ctx, f) })
}
