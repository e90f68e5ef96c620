// Package realtime fans committed conversation events out to subscribers.
// Each subscription only sees conversations its user is an active participant
// of, and membership is updated from the participant events flowing through
// the bus itself.
package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sideline-chat/internal/metrics"
	sideline_errors "sideline-chat/pkg/errors"
	"sideline-chat/pkg/events"
	"sideline-chat/pkg/logger"
)

var (
	ErrSlowConsumer = errors.New("subscriber too slow")
	ErrBusClosed    = fmt.Errorf("event bus closed: %w", sideline_errors.ErrServiceUnavailable)
)

// MembershipSource lists the conversations a user currently participates in.
type MembershipSource interface {
	ActiveConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

type Options struct {
	Buffer  int
	Logger  *logger.Logger
	Metrics *metrics.Collectors
}

type loadedMembership struct {
	sub           *Subscription
	conversations []uuid.UUID
	ack           chan struct{}
}

type dropRequest struct {
	sub    *Subscription
	reason error
}

// Bus is an in-process, single-goroutine event router. Run must be running
// for Publish and Subscribe to make progress.
type Bus struct {
	membership MembershipSource
	log        *logger.Logger
	metrics    *metrics.Collectors
	buffer     int

	register   chan *Subscription
	loaded     chan loadedMembership
	unregister chan dropRequest
	publish    chan events.Event
	stopped    chan struct{}

	// owned by Run
	byUser         map[uuid.UUID]map[*Subscription]struct{}
	byConversation map[uuid.UUID]map[*Subscription]struct{}
}

func NewBus(membership MembershipSource, opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Bus{
		membership:     membership,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		buffer:         opts.Buffer,
		register:       make(chan *Subscription, 64),
		loaded:         make(chan loadedMembership, 64),
		unregister:     make(chan dropRequest, 64),
		publish:        make(chan events.Event, 1024),
		stopped:        make(chan struct{}),
		byUser:         make(map[uuid.UUID]map[*Subscription]struct{}),
		byConversation: make(map[uuid.UUID]map[*Subscription]struct{}),
	}
}

// Run routes events until ctx is done, then closes every subscription.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.stopped)
	defer b.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-b.register:
			b.addSubscription(sub)
		case m := <-b.loaded:
			b.applyMembership(m)
		case req := <-b.unregister:
			b.drop(req.sub, req.reason)
		case ev := <-b.publish:
			b.route(ev)
		}
	}
}

// Publish queues an event for fan-out. Events are routed in call order.
func (b *Bus) Publish(ctx context.Context, event events.Event) error {
	select {
	case <-b.stopped:
		return ErrBusClosed
	default:
	}
	select {
	case b.publish <- event:
		return nil
	case <-b.stopped:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe opens a subscription for userID. It returns once the user's
// membership is loaded, so any event routed afterwards is scoped correctly.
// The subscription is released when ctx is done or Close is called.
func (b *Bus) Subscribe(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	select {
	case <-b.stopped:
		return nil, ErrBusClosed
	default:
	}
	sub := newSubscription(b, userID, b.buffer)

	select {
	case b.register <- sub:
	case <-b.stopped:
		return nil, ErrBusClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ids, err := b.membership.ActiveConversationIDs(ctx, userID)
	if err != nil {
		sub.closeWith(err)
		return nil, err
	}

	ack := make(chan struct{})
	select {
	case b.loaded <- loadedMembership{sub: sub, conversations: ids, ack: ack}:
	case <-b.stopped:
		return nil, ErrBusClosed
	case <-ctx.Done():
		sub.closeWith(ctx.Err())
		return nil, ctx.Err()
	}
	select {
	case <-ack:
	case <-sub.done:
		return nil, sub.Err()
	case <-b.stopped:
		return nil, ErrBusClosed
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.closeWith(ctx.Err())
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (b *Bus) requestDrop(sub *Subscription, reason error) {
	select {
	case b.unregister <- dropRequest{sub: sub, reason: reason}:
	case <-b.stopped:
	}
}

func (b *Bus) addSubscription(sub *Subscription) {
	subs, ok := b.byUser[sub.UserID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.byUser[sub.UserID] = subs
	}
	subs[sub] = struct{}{}
	b.metrics.SubscriptionOpened()
}

// applyMembership installs the loaded snapshot, then replays membership
// changes routed while it was loading.
func (b *Bus) applyMembership(m loadedMembership) {
	sub := m.sub
	if _, ok := b.byUser[sub.UserID][sub]; !ok {
		return
	}
	for _, id := range m.conversations {
		b.join(sub, id)
	}
	for _, change := range sub.pendingChanges {
		b.applyChange(sub, change)
	}
	sub.pendingChanges = nil
	sub.loaded = true
	close(m.ack)
}

func (b *Bus) join(sub *Subscription, conversationID uuid.UUID) {
	sub.conversations[conversationID] = struct{}{}
	subs, ok := b.byConversation[conversationID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.byConversation[conversationID] = subs
	}
	subs[sub] = struct{}{}
}

func (b *Bus) leave(sub *Subscription, conversationID uuid.UUID) {
	delete(sub.conversations, conversationID)
	if subs, ok := b.byConversation[conversationID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.byConversation, conversationID)
		}
	}
}

type membershipChange struct {
	conversationID uuid.UUID
	joined         bool
}

func (b *Bus) applyChange(sub *Subscription, c membershipChange) {
	if c.joined {
		b.join(sub, c.conversationID)
	} else {
		b.leave(sub, c.conversationID)
	}
}

func (b *Bus) route(ev events.Event) {
	change, ok := membershipChangeOf(ev)
	if ok && change.joined {
		// The joining user sees its own join event.
		b.updateMembership(change.userID, membershipChange{conversationID: ev.ConversationID, joined: true})
	}

	sender, others, scoped := ev.SenderScoped()
	for sub := range b.byConversation[ev.ConversationID] {
		if !ev.VisibleTo(sub.UserID) {
			continue
		}
		out := ev
		if scoped && sub.UserID != sender {
			out = others
		}
		select {
		case sub.events <- out:
		default:
			b.log.Logger.Warn("evicting slow subscriber",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("user_id", sub.UserID.String()),
			)
			b.metrics.SubscriberEvicted()
			b.drop(sub, ErrSlowConsumer)
		}
	}

	if ok && !change.joined {
		// The leaving user sees its own leave event, then nothing more.
		b.updateMembership(change.userID, membershipChange{conversationID: ev.ConversationID, joined: false})
	}
}

type participantChange struct {
	userID uuid.UUID
	joined bool
}

func membershipChangeOf(ev events.Event) (participantChange, bool) {
	if ev.Type != events.TypeParticipantChanged {
		return participantChange{}, false
	}
	var p events.ParticipantPayload
	if err := ev.Decode(&p); err != nil {
		return participantChange{}, false
	}
	switch p.Change {
	case events.ChangeJoined:
		return participantChange{userID: p.UserID, joined: true}, true
	case events.ChangeLeft:
		return participantChange{userID: p.UserID, joined: false}, true
	}
	return participantChange{}, false
}

func (b *Bus) updateMembership(userID uuid.UUID, c membershipChange) {
	for sub := range b.byUser[userID] {
		if !sub.loaded {
			sub.pendingChanges = append(sub.pendingChanges, c)
			continue
		}
		b.applyChange(sub, c)
	}
}

func (b *Bus) drop(sub *Subscription, reason error) {
	subs, ok := b.byUser[sub.UserID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.byUser, sub.UserID)
	}
	for id := range sub.conversations {
		b.leave(sub, id)
	}
	sub.finish(reason)
	b.metrics.SubscriptionClosed()
}

func (b *Bus) closeAll() {
	for _, subs := range b.byUser {
		for sub := range subs {
			b.drop(sub, ErrBusClosed)
		}
	}
}
