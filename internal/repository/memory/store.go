// Package memory provides in-process repositories with the same semantics as
// the Postgres ones. Transactions are serialised and roll back by replaying
// an undo journal of their writes.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"sideline-chat/internal/domain/conversation"
	"sideline-chat/internal/domain/message"
	"sideline-chat/internal/domain/outbox"
	"sideline-chat/internal/repository"
)

type idempotencyKey struct {
	conversationID uuid.UUID
	senderID       uuid.UUID
	key            string
}

type reactionKey struct {
	messageID uuid.UUID
	userID    uuid.UUID
	symbol    string
}

type state struct {
	conversations  map[uuid.UUID]conversation.Conversation
	directKeys     map[string]uuid.UUID
	participants   map[uuid.UUID]map[uuid.UUID]conversation.Participant
	messages       map[uuid.UUID]message.Message
	byConversation map[uuid.UUID][]uuid.UUID
	idempotency    map[idempotencyKey]uuid.UUID
	reactions      map[reactionKey]message.Reaction
	// pending holds undelivered outbox rows in position order. Completed and
	// dead-lettered rows are dropped.
	pending      []outbox.Event
	nextPosition int64

	// undo is non-nil inside a transaction and records how to revert each
	// write, newest last.
	undo          []func()
	outboxTouched bool
}

func newState() *state {
	return &state{
		conversations:  make(map[uuid.UUID]conversation.Conversation),
		directKeys:     make(map[string]uuid.UUID),
		participants:   make(map[uuid.UUID]map[uuid.UUID]conversation.Participant),
		messages:       make(map[uuid.UUID]message.Message),
		byConversation: make(map[uuid.UUID][]uuid.UUID),
		idempotency:    make(map[idempotencyKey]uuid.UUID),
		reactions:      make(map[reactionKey]message.Reaction),
	}
}

// put writes m[k] = v, journaling the previous entry.
func put[K comparable, V any](st *state, m map[K]V, k K, v V) {
	if st.undo != nil {
		old, had := m[k]
		st.undo = append(st.undo, func() {
			if had {
				m[k] = old
			} else {
				delete(m, k)
			}
		})
	}
	m[k] = v
}

// remove deletes m[k], journaling the previous entry.
func remove[K comparable, V any](st *state, m map[K]V, k K) {
	old, had := m[k]
	if !had {
		return
	}
	if st.undo != nil {
		st.undo = append(st.undo, func() { m[k] = old })
	}
	delete(m, k)
}

// touchOutbox saves the pending queue once per transaction before it is
// modified. The queue only holds undelivered rows, so the copy stays small.
func (st *state) touchOutbox() {
	if st.undo == nil || st.outboxTouched {
		return
	}
	st.outboxTouched = true
	saved := append([]outbox.Event(nil), st.pending...)
	position := st.nextPosition
	st.undo = append(st.undo, func() {
		st.pending = saved
		st.nextPosition = position
	})
}

func (st *state) begin() {
	st.undo = make([]func(), 0, 8)
	st.outboxTouched = false
}

func (st *state) rollback() {
	for i := len(st.undo) - 1; i >= 0; i-- {
		st.undo[i]()
	}
	st.commit()
}

func (st *state) commit() {
	st.undo = nil
	st.outboxTouched = false
}

// Store is an in-memory repository.TxManager.
type Store struct {
	mu sync.Mutex
	st *state
}

func NewStore() *Store {
	return &Store{st: newState()}
}

// access runs fn against the current state.
type access interface {
	do(fn func(st *state) error) error
}

type lockedAccess struct{ s *Store }

func (a lockedAccess) do(fn func(st *state) error) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return fn(a.s.st)
}

// txAccess is used while WithinTx holds the store lock.
type txAccess struct{ s *Store }

func (a txAccess) do(fn func(st *state) error) error {
	return fn(a.s.st)
}

func reposFor(a access) repository.Repositories {
	return repository.Repositories{
		Conversations: &conversationRepository{a: a},
		Messages:      &messageRepository{a: a},
		Reactions:     &reactionRepository{a: a},
		Outbox:        &outboxRepository{a: a},
	}
}

func (s *Store) Repos() repository.Repositories {
	return reposFor(lockedAccess{s: s})
}

// WithinTx runs fn with exclusive access to the store. Repositories obtained
// from Repos must not be used inside fn.
func (s *Store) WithinTx(ctx context.Context, fn func(repository.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.begin()
	if err := fn(reposFor(txAccess{s: s})); err != nil {
		s.st.rollback()
		return err
	}
	s.st.commit()
	return nil
}

var _ repository.TxManager = (*Store)(nil)
