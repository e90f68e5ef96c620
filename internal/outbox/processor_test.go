package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	domainoutbox "sideline-chat/internal/domain/outbox"
	internalevents "sideline-chat/internal/events"
	"sideline-chat/internal/repository"
	"sideline-chat/internal/repository/memory"
	pkgevents "sideline-chat/pkg/events"
)

type recorder struct {
	mu        sync.Mutex
	published []pkgevents.Event
	failFor   map[uuid.UUID]int
}

func (r *recorder) Publish(_ context.Context, ev pkgevents.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[ev.ConversationID] > 0 {
		r.failFor[ev.ConversationID]--
		return errors.New("broker unavailable")
	}
	r.published = append(r.published, ev)
	return nil
}

func (r *recorder) ids() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, len(r.published))
	for i, ev := range r.published {
		out[i] = ev.ID
	}
	return out
}

var _ internalevents.Publisher = (*recorder)(nil)

func enqueue(t *testing.T, repo repository.OutboxRepository, conversationID uuid.UUID) domainoutbox.Event {
	t.Helper()
	e := domainoutbox.Event{
		ID:             uuid.New(),
		EventType:      pkgevents.TypeMessageCreated,
		ConversationID: conversationID,
		Payload:        []byte(`{}`),
		Status:         domainoutbox.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := repo.Create(context.Background(), &e); err != nil {
		t.Fatalf("create: %v", err)
	}
	return e
}

func sameIDs(got []uuid.UUID, want ...uuid.UUID) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestProcessBatchPublishesInOrder(t *testing.T) {
	repo := memory.NewStore().Repos().Outbox
	pub := &recorder{}
	p := NewProcessor(repo, pub, Options{})

	c1, c2 := uuid.New(), uuid.New()
	e1 := enqueue(t, repo, c1)
	e2 := enqueue(t, repo, c2)
	e3 := enqueue(t, repo, c1)

	n, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 events fetched, got %d", n)
	}
	if !sameIDs(pub.ids(), e1.ID, e2.ID, e3.ID) {
		t.Fatal("expected events published in position order")
	}
	if pub.published[0].Position >= pub.published[2].Position {
		t.Fatal("expected positions carried onto the wire")
	}

	if n, _ := p.ProcessBatch(context.Background()); n != 0 {
		t.Fatalf("expected nothing left, got %d", n)
	}
}

func TestFailureHoldsBackConversation(t *testing.T) {
	repo := memory.NewStore().Repos().Outbox
	c1, c2 := uuid.New(), uuid.New()
	pub := &recorder{failFor: map[uuid.UUID]int{c1: 1}}
	p := NewProcessor(repo, pub, Options{MaxRetries: 5})
	now := time.Now()
	p.clock = func() time.Time { return now }

	e1 := enqueue(t, repo, c1)
	e2 := enqueue(t, repo, c1)
	e3 := enqueue(t, repo, c2)

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !sameIDs(pub.ids(), e3.ID) {
		t.Fatal("expected only the other conversation to be published")
	}

	// Still inside the backoff window.
	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !sameIDs(pub.ids(), e3.ID) {
		t.Fatal("expected the failed conversation to stay held back")
	}

	now = now.Add(time.Minute)
	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !sameIDs(pub.ids(), e3.ID, e1.ID, e2.ID) {
		t.Fatal("expected the retried event before its successor")
	}
}

func TestDeadLetterUnblocksConversation(t *testing.T) {
	repo := memory.NewStore().Repos().Outbox
	c1 := uuid.New()
	pub := &recorder{failFor: map[uuid.UUID]int{c1: 2}}
	p := NewProcessor(repo, pub, Options{MaxRetries: 2})
	now := time.Now()
	p.clock = func() time.Time { return now }

	enqueue(t, repo, c1)
	next := enqueue(t, repo, c1)

	for i := 0; i < 3; i++ {
		if _, err := p.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("process: %v", err)
		}
		now = now.Add(time.Minute)
	}
	if !sameIDs(pub.ids(), next.ID) {
		t.Fatalf("expected only the successor published after dead-lettering, got %v", pub.ids())
	}
}

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		1:  100 * time.Millisecond,
		2:  200 * time.Millisecond,
		4:  800 * time.Millisecond,
		20: 30 * time.Second,
	}
	for attempt, want := range cases {
		if got := Backoff(attempt); got != want {
			t.Errorf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

type fixedLease struct{ held bool }

func (l fixedLease) Acquire(context.Context) (bool, error) { return l.held, nil }

func TestRunnerDrainsOnNotify(t *testing.T) {
	repo := memory.NewStore().Repos().Outbox
	pub := &recorder{}
	p := NewProcessor(repo, pub, Options{Interval: time.Hour, Lease: fixedLease{held: true}})
	r := NewRunner(p)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	e := enqueue(t, repo, uuid.New())
	p.Notify()

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.ids()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	r.Wait()
	if !sameIDs(pub.ids(), e.ID) {
		t.Fatal("expected the event published after Notify")
	}
}

func TestDrainSkipsWithoutLease(t *testing.T) {
	repo := memory.NewStore().Repos().Outbox
	pub := internalevents.PublisherFunc(func(context.Context, pkgevents.Event) error {
		t.Fatal("expected nothing published without the lease")
		return nil
	})
	p := NewProcessor(repo, pub, Options{Lease: fixedLease{held: false}})

	enqueue(t, repo, uuid.New())
	p.drain(context.Background())
}
