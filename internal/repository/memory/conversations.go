package memory

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"

	"sideline-chat/internal/domain/conversation"
	"sideline-chat/internal/domain/message"
	sideline_errors "sideline-chat/pkg/errors"
)

type conversationRepository struct {
	a access
}

func (r *conversationRepository) GetOrCreateDirect(ctx context.Context, c *conversation.Conversation, members []conversation.Participant) (conversation.Conversation, bool, error) {
	var (
		out     conversation.Conversation
		created bool
	)
	err := r.a.do(func(st *state) error {
		if id, ok := st.directKeys[c.DirectKey.String]; ok {
			out = st.conversations[id]
			return nil
		}
		if _, ok := st.conversations[c.ID]; ok {
			return sideline_errors.ErrAlreadyExists
		}
		put(st, st.conversations, c.ID, *c)
		put(st, st.directKeys, c.DirectKey.String, c.ID)
		for _, p := range members {
			addParticipant(st, p)
		}
		out, created = *c, true
		return nil
	})
	return out, created, err
}

func (r *conversationRepository) Create(ctx context.Context, c *conversation.Conversation) error {
	return r.a.do(func(st *state) error {
		if _, ok := st.conversations[c.ID]; ok {
			return sideline_errors.ErrAlreadyExists
		}
		if c.DirectKey.Valid {
			if _, ok := st.directKeys[c.DirectKey.String]; ok {
				return sideline_errors.ErrAlreadyExists
			}
			put(st, st.directKeys, c.DirectKey.String, c.ID)
		}
		put(st, st.conversations, c.ID, *c)
		return nil
	})
}

func (r *conversationRepository) GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	var out conversation.Conversation
	err := r.a.do(func(st *state) error {
		c, ok := st.conversations[id]
		if !ok {
			return sideline_errors.ErrNotFound
		}
		out = c
		return nil
	})
	return out, err
}

// LockForAppend needs no row lock: transactions hold the store lock.
func (r *conversationRepository) LockForAppend(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	return r.GetByID(ctx, id)
}

func (r *conversationRepository) RecordLastMessage(ctx context.Context, m message.Message) error {
	return r.a.do(func(st *state) error {
		c, ok := st.conversations[m.ConversationID]
		if !ok || c.LastSeq >= m.Seq {
			return sideline_errors.ErrNotFound
		}
		c.LastSeq = m.Seq
		c.LastMessageID = uuid.NullUUID{UUID: m.ID, Valid: true}
		c.LastMessagePreview = sql.NullString{String: m.Preview(), Valid: true}
		c.LastMessageAt = sql.NullTime{Time: m.CreatedAt, Valid: true}
		put(st, st.conversations, c.ID, c)
		return nil
	})
}

func (r *conversationRepository) ClearLastMessagePreview(ctx context.Context, conversationID, messageID uuid.UUID) error {
	return r.a.do(func(st *state) error {
		c, ok := st.conversations[conversationID]
		if ok && c.LastMessageID.Valid && c.LastMessageID.UUID == messageID {
			c.LastMessagePreview = sql.NullString{}
			put(st, st.conversations, conversationID, c)
		}
		return nil
	})
}

func addParticipant(st *state, p conversation.Participant) bool {
	members, ok := st.participants[p.ConversationID]
	if !ok {
		members = make(map[uuid.UUID]conversation.Participant)
		put(st, st.participants, p.ConversationID, members)
	}
	if _, exists := members[p.UserID]; exists {
		return false
	}
	put(st, members, p.UserID, p)
	return true
}

func (r *conversationRepository) AddParticipant(ctx context.Context, p *conversation.Participant) error {
	return r.a.do(func(st *state) error {
		if _, ok := st.conversations[p.ConversationID]; !ok {
			return sideline_errors.ErrNotFound
		}
		if !addParticipant(st, *p) {
			return sideline_errors.ErrAlreadyExists
		}
		return nil
	})
}

func (r *conversationRepository) GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (conversation.Participant, error) {
	var out conversation.Participant
	err := r.a.do(func(st *state) error {
		p, ok := st.participants[conversationID][userID]
		if !ok {
			return sideline_errors.ErrNotFound
		}
		out = p
		return nil
	})
	return out, err
}

func (r *conversationRepository) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]conversation.Participant, error) {
	var out []conversation.Participant
	err := r.a.do(func(st *state) error {
		for _, p := range st.participants[conversationID] {
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out, err
}

func (r *conversationRepository) updateParticipant(conversationID, userID uuid.UUID, fn func(p *conversation.Participant, c conversation.Conversation) bool) (conversation.Participant, error) {
	var out conversation.Participant
	err := r.a.do(func(st *state) error {
		p, ok := st.participants[conversationID][userID]
		if !ok {
			return sideline_errors.ErrNotFound
		}
		if !fn(&p, st.conversations[conversationID]) {
			return sideline_errors.ErrNotFound
		}
		put(st, st.participants[conversationID], userID, p)
		out = p
		return nil
	})
	return out, err
}

func (r *conversationRepository) SetArchived(ctx context.Context, conversationID, userID uuid.UUID, archived bool) error {
	_, err := r.updateParticipant(conversationID, userID, func(p *conversation.Participant, _ conversation.Conversation) bool {
		if !p.Active() {
			return false
		}
		p.Archived = archived
		return true
	})
	return err
}

func (r *conversationRepository) MarkLeft(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	_, err := r.updateParticipant(conversationID, userID, func(p *conversation.Participant, _ conversation.Conversation) bool {
		if !p.Active() {
			return false
		}
		p.LeftAt = sql.NullTime{Time: at, Valid: true}
		return true
	})
	return err
}

func (r *conversationRepository) UpdateReadWatermark(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) (conversation.Participant, error) {
	return r.updateParticipant(conversationID, userID, func(p *conversation.Participant, c conversation.Conversation) bool {
		if c.LastSeq > p.LastReadSeq {
			p.LastReadSeq = c.LastSeq
		}
		if !p.LastReadAt.Valid || at.After(p.LastReadAt.Time) {
			p.LastReadAt = sql.NullTime{Time: at, Valid: true}
		}
		return true
	})
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID uuid.UUID, includeArchived bool) ([]conversation.Summary, error) {
	var out []conversation.Summary
	err := r.a.do(func(st *state) error {
		for convID, members := range st.participants {
			p, ok := members[userID]
			if !ok || !p.Active() || (p.Archived && !includeArchived) {
				continue
			}
			out = append(out, conversation.Summary{
				Conversation: st.conversations[convID],
				Self:         p,
				UnreadCount:  countUnread(st, convID, userID, p.LastReadSeq),
			})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		ai, aj := activityAt(out[i].Conversation), activityAt(out[j].Conversation)
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].Conversation.ID.String() < out[j].Conversation.ID.String()
	})
	return out, err
}

func activityAt(c conversation.Conversation) time.Time {
	if c.LastMessageAt.Valid {
		return c.LastMessageAt.Time
	}
	return c.CreatedAt
}

func (r *conversationRepository) ActiveConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.a.do(func(st *state) error {
		for convID, members := range st.participants {
			if p, ok := members[userID]; ok && p.Active() {
				ids = append(ids, convID)
			}
		}
		return nil
	})
	return ids, err
}
