package realtime

import (
	"sync"

	"github.com/google/uuid"

	"sideline-chat/pkg/events"
)

// Subscription is one consumer's view of the bus. Its owner must call Close,
// or cancel the context passed to Subscribe, to release it.
type Subscription struct {
	ID     uuid.UUID
	UserID uuid.UUID

	bus    *Bus
	events chan events.Event
	done   chan struct{}
	once   sync.Once
	err    error

	// owned by Bus.Run
	conversations  map[uuid.UUID]struct{}
	pendingChanges []membershipChange
	loaded         bool
}

func newSubscription(bus *Bus, userID uuid.UUID, buffer int) *Subscription {
	return &Subscription{
		ID:            uuid.New(),
		UserID:        userID,
		bus:           bus,
		events:        make(chan events.Event, buffer),
		done:          make(chan struct{}),
		conversations: make(map[uuid.UUID]struct{}),
	}
}

// Events yields events in routing order and is closed when the subscription
// ends.
func (s *Subscription) Events() <-chan events.Event {
	return s.events
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription ended, or nil while it is open or after a
// plain Close.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close releases the subscription and waits until the bus has let go of it.
// It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeWith(nil)
}

func (s *Subscription) closeWith(reason error) {
	s.once.Do(func() {
		s.bus.requestDrop(s, reason)
	})
	select {
	case <-s.done:
	case <-s.bus.stopped:
	}
}

// finish is called by Bus.Run only.
func (s *Subscription) finish(reason error) {
	s.err = reason
	close(s.events)
	close(s.done)
}
