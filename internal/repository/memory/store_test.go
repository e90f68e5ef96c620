package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"sideline-chat/internal/domain/conversation"
	"sideline-chat/internal/domain/message"
	"sideline-chat/internal/domain/outbox"
	"sideline-chat/internal/repository"
	sideline_errors "sideline-chat/pkg/errors"
)

func seedConversation(t *testing.T, s *Store) conversation.Conversation {
	t.Helper()
	c := conversation.Conversation{ID: uuid.New(), Kind: conversation.KindGroup, CreatedBy: uuid.New(), CreatedAt: time.Now()}
	if err := s.Repos().Conversations.Create(context.Background(), &c); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func appendMessage(ctx context.Context, repos repository.Repositories, conversationID uuid.UUID, content string) (message.Message, error) {
	c, err := repos.Conversations.LockForAppend(ctx, conversationID)
	if err != nil {
		return message.Message{}, err
	}
	m := message.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       uuid.New(),
		Seq:            c.LastSeq + 1,
		Type:           message.TypeText,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := repos.Messages.Create(ctx, &m); err != nil {
		return message.Message{}, err
	}
	if err := repos.Conversations.RecordLastMessage(ctx, m); err != nil {
		return message.Message{}, err
	}
	return m, repos.Outbox.Create(ctx, &outbox.Event{
		ID:             uuid.New(),
		EventType:      "message.created",
		ConversationID: conversationID,
		Payload:        []byte(`{}`),
		Status:         outbox.StatusPending,
		CreatedAt:      m.CreatedAt,
	})
}

func TestWithinTxRollsBackEveryWrite(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c := seedConversation(t, s)

	var kept message.Message
	if err := s.WithinTx(ctx, func(repos repository.Repositories) error {
		var err error
		kept, err = appendMessage(ctx, repos, c.ID, "kept")
		return err
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	boom := errors.New("boom")
	var lost message.Message
	err := s.WithinTx(ctx, func(repos repository.Repositories) error {
		var err error
		if lost, err = appendMessage(ctx, repos, c.ID, "lost"); err != nil {
			return err
		}
		if err := repos.Messages.UpdateContent(ctx, kept.ID, "edited", time.Now()); err != nil {
			return err
		}
		if _, err := repos.Reactions.Add(ctx, &message.Reaction{MessageID: kept.ID, UserID: uuid.New(), Symbol: "+1"}); err != nil {
			return err
		}
		member := conversation.Participant{ConversationID: c.ID, UserID: uuid.New()}
		if err := repos.Conversations.AddParticipant(ctx, &member); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	repos := s.Repos()
	if _, err := repos.Messages.GetByID(ctx, lost.ID); !errors.Is(err, sideline_errors.ErrNotFound) {
		t.Fatalf("expected the rolled back message gone, got %v", err)
	}
	got, err := repos.Messages.GetByID(ctx, kept.ID)
	if err != nil || got.Content != "kept" || got.EditedAt.Valid {
		t.Fatalf("expected the edit reverted, got %+v, %v", got, err)
	}
	if rs, _ := repos.Reactions.ListForMessage(ctx, kept.ID); len(rs) != 0 {
		t.Fatalf("expected no reactions, got %d", len(rs))
	}
	if ps, _ := repos.Conversations.GetParticipants(ctx, c.ID); len(ps) != 0 {
		t.Fatalf("expected no participants, got %d", len(ps))
	}
	conv, _ := repos.Conversations.GetByID(ctx, c.ID)
	if conv.LastSeq != kept.Seq || conv.LastMessageID.UUID != kept.ID {
		t.Fatalf("expected the conversation head restored, got seq %d", conv.LastSeq)
	}
	pending, _ := repos.Outbox.GetPending(ctx, 10, time.Now().Add(time.Hour))
	if len(pending) != 1 {
		t.Fatalf("expected one pending event, got %d", len(pending))
	}

	// The next append reuses the rolled back seq and position.
	if err := s.WithinTx(ctx, func(repos repository.Repositories) error {
		m, err := appendMessage(ctx, repos, c.ID, "next")
		if err == nil && m.Seq != kept.Seq+1 {
			t.Errorf("expected seq %d, got %d", kept.Seq+1, m.Seq)
		}
		return err
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	pending, _ = repos.Outbox.GetPending(ctx, 10, time.Now().Add(time.Hour))
	if len(pending) != 2 || pending[1].Position != pending[0].Position+1 {
		t.Fatalf("expected gapless positions, got %+v", pending)
	}
}

func TestOutboxDropsFinishedRows(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c := seedConversation(t, s)
	repos := s.Repos()

	for i := 0; i < 3; i++ {
		if _, err := appendMessage(ctx, repos, c.ID, "m"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	pending, _ := repos.Outbox.GetPending(ctx, 10, time.Now())
	if err := repos.Outbox.MarkCompleted(ctx, pending[0].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := repos.Outbox.MarkFailed(ctx, pending[1].ID, "gave up"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := repos.Outbox.MarkCompleted(ctx, pending[0].ID); !errors.Is(err, sideline_errors.ErrNotFound) {
		t.Fatalf("expected a finished row to be gone, got %v", err)
	}
	if len(s.st.pending) != 1 || s.st.pending[0].ID != pending[2].ID {
		t.Fatalf("expected only the undelivered row kept, got %d", len(s.st.pending))
	}
}

func TestWriteCostIndependentOfHistory(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c := seedConversation(t, s)
	repos := s.Repos()

	send := func() {
		_ = s.WithinTx(ctx, func(repos repository.Repositories) error {
			_, err := appendMessage(ctx, repos, c.ID, "m")
			return err
		})
		pending, _ := repos.Outbox.GetPending(ctx, 1, time.Now())
		for _, e := range pending {
			_ = repos.Outbox.MarkCompleted(ctx, e.ID)
		}
	}

	for i := 0; i < 64; i++ {
		send()
	}
	small := testing.AllocsPerRun(50, send)
	for i := 0; i < 5000; i++ {
		send()
	}
	large := testing.AllocsPerRun(50, send)

	// Slice growth of the per-conversation index adds an occasional
	// allocation; a full copy of the state would add thousands.
	if large > small+4 {
		t.Fatalf("expected constant allocations per send, got %.0f with small history and %.0f with large", small, large)
	}
	if len(s.st.pending) != 0 {
		t.Fatalf("expected delivered rows dropped, got %d", len(s.st.pending))
	}
}
