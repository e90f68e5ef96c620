package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	sideline_errors "sideline-chat/pkg/errors"
	"sideline-chat/pkg/events"
)

type staticMembership struct {
	mu     sync.Mutex
	byUser map[uuid.UUID][]uuid.UUID
}

func (m *staticMembership) ActiveConversationIDs(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.byUser[userID]...), nil
}

func startBus(t *testing.T, membership MembershipSource, buffer int) (*Bus, context.CancelFunc) {
	t.Helper()
	bus := NewBus(membership, Options{Buffer: buffer})
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	t.Cleanup(cancel)
	return bus, cancel
}

func newEvent(t *testing.T, eventType string, conversationID uuid.UUID, payload any) events.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return events.Event{
		ID:             uuid.New(),
		Type:           eventType,
		ConversationID: conversationID,
		OccurredAt:     time.Now().UTC(),
		Payload:        data,
	}
}

func messageEvent(t *testing.T, conversationID uuid.UUID) events.Event {
	return newEvent(t, events.TypeMessageCreated, conversationID, events.MessagePayload{ID: uuid.New(), ConversationID: conversationID})
}

func participantEvent(t *testing.T, conversationID, userID uuid.UUID, change string) events.Event {
	return newEvent(t, events.TypeParticipantChanged, conversationID, events.ParticipantPayload{
		ConversationID: conversationID,
		UserID:         userID,
		Change:         change,
	})
}

func receive(t *testing.T, sub *Subscription) events.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func expectNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s for %s", ev.Type, ev.ConversationID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusScopesToMembership(t *testing.T) {
	alice := uuid.New()
	mine, other := uuid.New(), uuid.New()
	bus, _ := startBus(t, &staticMembership{byUser: map[uuid.UUID][]uuid.UUID{alice: {mine}}}, 16)

	sub, err := bus.Subscribe(context.Background(), alice)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	if err := bus.Publish(ctx, messageEvent(t, other)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	want := messageEvent(t, mine)
	if err := bus.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := receive(t, sub); got.ID != want.ID {
		t.Fatalf("expected event %s, got %s", want.ID, got.ID)
	}
	expectNothing(t, sub)
}

func TestBusPreservesOrder(t *testing.T) {
	alice, conv := uuid.New(), uuid.New()
	bus, _ := startBus(t, &staticMembership{byUser: map[uuid.UUID][]uuid.UUID{alice: {conv}}}, 128)

	sub, err := bus.Subscribe(context.Background(), alice)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	var ids []uuid.UUID
	for i := 0; i < 100; i++ {
		ev := messageEvent(t, conv)
		ids = append(ids, ev.ID)
		if err := bus.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i, id := range ids {
		if got := receive(t, sub); got.ID != id {
			t.Fatalf("event %d out of order", i)
		}
	}
}

func TestBusTargetedEvents(t *testing.T) {
	alice, bob, conv := uuid.New(), uuid.New(), uuid.New()
	bus, _ := startBus(t, &staticMembership{byUser: map[uuid.UUID][]uuid.UUID{alice: {conv}, bob: {conv}}}, 16)

	aliceSub, err := bus.Subscribe(context.Background(), alice)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer aliceSub.Close()
	bobSub, err := bus.Subscribe(context.Background(), bob)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bobSub.Close()

	ev := participantEvent(t, conv, alice, events.ChangeArchived)
	ev.TargetUserID = &alice
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := receive(t, aliceSub); got.ID != ev.ID {
		t.Fatal("expected alice to receive her archive event")
	}
	expectNothing(t, bobSub)
}

func TestBusFollowsJoinAndLeave(t *testing.T) {
	alice, conv := uuid.New(), uuid.New()
	bus, _ := startBus(t, &staticMembership{byUser: map[uuid.UUID][]uuid.UUID{}}, 16)

	sub, err := bus.Subscribe(context.Background(), alice)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	ctx := context.Background()

	joined := participantEvent(t, conv, alice, events.ChangeJoined)
	first := messageEvent(t, conv)
	left := participantEvent(t, conv, alice, events.ChangeLeft)
	after := messageEvent(t, conv)
	for _, ev := range []events.Event{joined, first, left, after} {
		if err := bus.Publish(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for _, want := range []events.Event{joined, first, left} {
		if got := receive(t, sub); got.ID != want.ID {
			t.Fatalf("expected %s, got %s", want.Type, got.Type)
		}
	}
	expectNothing(t, sub)
}

func TestBusEvictsSlowConsumer(t *testing.T) {
	alice, conv := uuid.New(), uuid.New()
	bus, _ := startBus(t, &staticMembership{byUser: map[uuid.UUID][]uuid.UUID{alice: {conv}}}, 2)

	sub, err := bus.Subscribe(context.Background(), alice)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := bus.Publish(context.Background(), messageEvent(t, conv)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected slow subscriber to be evicted")
	}
	if !errors.Is(sub.Err(), ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", sub.Err())
	}
	sub.Close()
}

func TestBusClose(t *testing.T) {
	alice := uuid.New()
	bus, cancel := startBus(t, &staticMembership{byUser: map[uuid.UUID][]uuid.UUID{}}, 4)

	sub, err := bus.Subscribe(context.Background(), alice)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription closed with the bus")
	}
	if !errors.Is(sub.Err(), ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", sub.Err())
	}
	<-bus.stopped

	if _, err := bus.Subscribe(context.Background(), alice); !errors.Is(err, sideline_errors.ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable after close, got %v", err)
	}
	if err := bus.Publish(context.Background(), messageEvent(t, uuid.New())); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed publishing after close, got %v", err)
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	alice := uuid.New()
	bus, _ := startBus(t, &staticMembership{byUser: map[uuid.UUID][]uuid.UUID{}}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, alice)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription to end with its context")
	}
	if !errors.Is(sub.Err(), context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", sub.Err())
	}
}

func TestBusKeepsIdempotencyKeyWithSender(t *testing.T) {
	alice, bob, conv := uuid.New(), uuid.New(), uuid.New()
	bus, _ := startBus(t, &staticMembership{byUser: map[uuid.UUID][]uuid.UUID{alice: {conv}, bob: {conv}}}, 16)

	aliceSub, err := bus.Subscribe(context.Background(), alice)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer aliceSub.Close()
	bobSub, err := bus.Subscribe(context.Background(), bob)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bobSub.Close()

	sent := events.MessagePayload{ID: uuid.New(), ConversationID: conv, SenderID: alice, Seq: 1, Content: "hi", IdempotencyKey: "tok-1"}
	ev := newEvent(t, events.TypeMessageCreated, conv, sent)
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var mine, theirs events.MessagePayload
	if err := receive(t, aliceSub).Decode(&mine); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := receive(t, bobSub)
	if err := got.Decode(&theirs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mine.IdempotencyKey != "tok-1" {
		t.Fatalf("expected the sender to keep its key, got %q", mine.IdempotencyKey)
	}
	if theirs.IdempotencyKey != "" {
		t.Fatalf("expected the key hidden from other participants, got %q", theirs.IdempotencyKey)
	}
	if got.ID != ev.ID || theirs.ID != sent.ID || theirs.Content != "hi" {
		t.Fatalf("expected the same event otherwise, got %+v", theirs)
	}
}
