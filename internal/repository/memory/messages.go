package memory

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"

	"sideline-chat/internal/domain/message"
	sideline_errors "sideline-chat/pkg/errors"
)

type messageRepository struct {
	a access
}

func (r *messageRepository) Create(ctx context.Context, m *message.Message) error {
	return r.a.do(func(st *state) error {
		if _, ok := st.messages[m.ID]; ok {
			return sideline_errors.ErrAlreadyExists
		}
		var key idempotencyKey
		if m.IdempotencyKey.Valid {
			key = idempotencyKey{m.ConversationID, m.SenderID, m.IdempotencyKey.String}
			if _, ok := st.idempotency[key]; ok {
				return sideline_errors.ErrAlreadyExists
			}
		}
		ids := st.byConversation[m.ConversationID]
		if n := len(ids); n > 0 && st.messages[ids[n-1]].Seq >= m.Seq {
			return sideline_errors.ErrAlreadyExists
		}
		put(st, st.messages, m.ID, *m)
		put(st, st.byConversation, m.ConversationID, append(ids, m.ID))
		if m.IdempotencyKey.Valid {
			put(st, st.idempotency, key, m.ID)
		}
		return nil
	})
}

func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	var out message.Message
	err := r.a.do(func(st *state) error {
		m, ok := st.messages[id]
		if !ok {
			return sideline_errors.ErrNotFound
		}
		out = m
		return nil
	})
	return out, err
}

func (r *messageRepository) GetByIdempotencyKey(ctx context.Context, conversationID, senderID uuid.UUID, key string) (message.Message, error) {
	var out message.Message
	err := r.a.do(func(st *state) error {
		id, ok := st.idempotency[idempotencyKey{conversationID, senderID, key}]
		if !ok {
			return sideline_errors.ErrNotFound
		}
		out = st.messages[id]
		return nil
	})
	return out, err
}

func (r *messageRepository) UpdateContent(ctx context.Context, id uuid.UUID, content string, editedAt time.Time) error {
	return r.a.do(func(st *state) error {
		m, ok := st.messages[id]
		if !ok || m.Deleted {
			return sideline_errors.ErrNotFound
		}
		m.Content = content
		m.EditedAt = sql.NullTime{Time: editedAt, Valid: true}
		put(st, st.messages, id, m)
		return nil
	})
}

func (r *messageRepository) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	return r.a.do(func(st *state) error {
		m, ok := st.messages[id]
		if !ok {
			return sideline_errors.ErrNotFound
		}
		m.Deleted = true
		put(st, st.messages, id, m.Redacted())
		return nil
	})
}

func (r *messageRepository) ListBefore(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]message.Message, error) {
	var out []message.Message
	err := r.a.do(func(st *state) error {
		ids := st.byConversation[conversationID]
		// ids are in ascending seq order.
		end := len(ids)
		if beforeSeq > 0 {
			end = sort.Search(len(ids), func(i int) bool {
				return st.messages[ids[i]].Seq >= beforeSeq
			})
		}
		for i := end - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, st.messages[ids[i]])
		}
		return nil
	})
	return out, err
}

func countUnread(st *state, conversationID, userID uuid.UUID, afterSeq int64) int64 {
	var n int64
	ids := st.byConversation[conversationID]
	for i := len(ids) - 1; i >= 0; i-- {
		m := st.messages[ids[i]]
		if m.Seq <= afterSeq {
			break
		}
		if m.SenderID != userID && !m.Deleted {
			n++
		}
	}
	return n
}

func (r *messageRepository) CountUnread(ctx context.Context, conversationID, userID uuid.UUID, afterSeq int64) (int64, error) {
	var n int64
	err := r.a.do(func(st *state) error {
		n = countUnread(st, conversationID, userID, afterSeq)
		return nil
	})
	return n, err
}

type reactionRepository struct {
	a access
}

func (r *reactionRepository) Add(ctx context.Context, reaction *message.Reaction) (bool, error) {
	var added bool
	err := r.a.do(func(st *state) error {
		key := reactionKey{reaction.MessageID, reaction.UserID, reaction.Symbol}
		if _, ok := st.reactions[key]; ok {
			return nil
		}
		put(st, st.reactions, key, *reaction)
		added = true
		return nil
	})
	return added, err
}

func (r *reactionRepository) Remove(ctx context.Context, messageID, userID uuid.UUID, symbol string) (bool, error) {
	var removed bool
	err := r.a.do(func(st *state) error {
		key := reactionKey{messageID, userID, symbol}
		if _, ok := st.reactions[key]; ok {
			remove(st, st.reactions, key)
			removed = true
		}
		return nil
	})
	return removed, err
}

func (r *reactionRepository) ListForMessage(ctx context.Context, messageID uuid.UUID) ([]message.Reaction, error) {
	var out []message.Reaction
	err := r.a.do(func(st *state) error {
		for k, v := range st.reactions {
			if k.messageID == messageID {
				out = append(out, v)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out, err
}
