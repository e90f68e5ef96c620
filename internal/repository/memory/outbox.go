package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"sideline-chat/internal/domain/outbox"
	sideline_errors "sideline-chat/pkg/errors"
)

type outboxRepository struct {
	a access
}

func (r *outboxRepository) Create(ctx context.Context, event *outbox.Event) error {
	return r.a.do(func(st *state) error {
		st.touchOutbox()
		st.nextPosition++
		event.Position = st.nextPosition
		e := *event
		e.Payload = append([]byte(nil), event.Payload...)
		st.pending = append(st.pending, e)
		return nil
	})
}

func (r *outboxRepository) GetPending(ctx context.Context, limit int, now time.Time) ([]outbox.Event, error) {
	var out []outbox.Event
	err := r.a.do(func(st *state) error {
		blocked := make(map[uuid.UUID]bool)
		for _, e := range st.pending {
			if len(out) >= limit {
				break
			}
			if e.Status != outbox.StatusPending || blocked[e.ConversationID] {
				continue
			}
			if e.NextAttemptAt.After(now) {
				// Later events of this conversation wait behind it.
				blocked[e.ConversationID] = true
				continue
			}
			e.Payload = append([]byte(nil), e.Payload...)
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func indexOf(st *state, id uuid.UUID) int {
	for i := range st.pending {
		if st.pending[i].ID == id {
			return i
		}
	}
	return -1
}

// finish drops a delivered or dead-lettered row from the queue.
func (r *outboxRepository) finish(id uuid.UUID) error {
	return r.a.do(func(st *state) error {
		i := indexOf(st, id)
		if i < 0 {
			return sideline_errors.ErrNotFound
		}
		st.touchOutbox()
		st.pending = append(st.pending[:i:i], st.pending[i+1:]...)
		return nil
	})
}

func (r *outboxRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return r.finish(id)
}

func (r *outboxRepository) MarkRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errorMsg string) error {
	return r.a.do(func(st *state) error {
		i := indexOf(st, id)
		if i < 0 {
			return sideline_errors.ErrNotFound
		}
		st.touchOutbox()
		e := &st.pending[i]
		e.RetryCount++
		e.NextAttemptAt = nextAttemptAt
		e.Error = errorMsg
		return nil
	})
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error {
	return r.finish(id)
}
