//go:build integration

package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sideline-chat/internal/domain/conversation"
	"sideline-chat/internal/domain/message"
	"sideline-chat/internal/domain/outbox"
)

// Run with: SIDELINE_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/repository/
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("SIDELINE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SIDELINE_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(context.Background()))
	require.NoError(t, InitSchema(context.Background(), db))
	return db
}

func createGroup(t *testing.T, tm TxManager) conversation.Conversation {
	t.Helper()
	c := conversation.Conversation{
		ID:        uuid.New(),
		Kind:      conversation.KindGroup,
		Title:     sql.NullString{String: "integration", Valid: true},
		CreatedBy: uuid.New(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, tm.Repos().Conversations.Create(context.Background(), &c))
	return c
}

func appendText(ctx context.Context, repos Repositories, conversationID uuid.UUID) (message.Message, error) {
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
		Content:        "hello",
		CreatedAt:      time.Now().UTC(),
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
		NextAttemptAt:  m.CreatedAt,
	})
}

func pendingFor(t *testing.T, tm TxManager, conversationID uuid.UUID, now time.Time) []outbox.Event {
	t.Helper()
	all, err := tm.Repos().Outbox.GetPending(context.Background(), 1000, now)
	require.NoError(t, err)
	var out []outbox.Event
	for _, e := range all {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	return out
}

func TestPostgresConcurrentAppendsAreGapless(t *testing.T) {
	ctx := context.Background()
	tm := NewTxManager(openTestDB(t))
	c := createGroup(t, tm)

	const writers, perWriter = 8, 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				errs <- tm.WithinTx(ctx, func(repos Repositories) error {
					_, err := appendText(ctx, repos, c.ID)
					return err
				})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := tm.Repos().Messages.ListBefore(ctx, c.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, msgs, writers*perWriter)
	for i, m := range msgs {
		assert.Equal(t, int64(writers*perWriter-i), m.Seq)
	}

	got, err := tm.Repos().Conversations.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), got.LastSeq)
	assert.Equal(t, msgs[0].ID, got.LastMessageID.UUID)

	pending := pendingFor(t, tm, c.ID, time.Now().Add(time.Hour))
	require.Len(t, pending, writers*perWriter)
	for i := 1; i < len(pending); i++ {
		assert.Less(t, pending[i-1].Position, pending[i].Position)
	}
}

func TestPostgresRolledBackAppendLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	tm := NewTxManager(openTestDB(t))
	c := createGroup(t, tm)

	abort := errors.New("abort")
	var lost message.Message
	err := tm.WithinTx(ctx, func(repos Repositories) error {
		var err error
		if lost, err = appendText(ctx, repos, c.ID); err != nil {
			return err
		}
		return abort
	})
	require.ErrorIs(t, err, abort)

	_, err = tm.Repos().Messages.GetByID(ctx, lost.ID)
	require.Error(t, err)
	assert.Empty(t, pendingFor(t, tm, c.ID, time.Now().Add(time.Hour)))

	var next message.Message
	require.NoError(t, tm.WithinTx(ctx, func(repos Repositories) error {
		var err error
		next, err = appendText(ctx, repos, c.ID)
		return err
	}))
	assert.Equal(t, int64(1), next.Seq)
}

func TestPostgresGetOrCreateDirectConverges(t *testing.T) {
	ctx := context.Background()
	tm := NewTxManager(openTestDB(t))
	a, b := uuid.New(), uuid.New()
	key := conversation.DirectKey(a, b)

	const callers = 6
	ids := make([]uuid.UUID, callers)
	created := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			now := time.Now().UTC()
			c := conversation.Conversation{
				ID:        uuid.New(),
				Kind:      conversation.KindDirect,
				DirectKey: sql.NullString{String: key, Valid: true},
				CreatedBy: a,
				CreatedAt: now,
			}
			members := []conversation.Participant{
				{ConversationID: c.ID, UserID: a, Role: conversation.RoleMember, JoinedAt: now},
				{ConversationID: c.ID, UserID: b, Role: conversation.RoleMember, JoinedAt: now},
			}
			assert.NoError(t, tm.WithinTx(ctx, func(repos Repositories) error {
				got, ok, err := repos.Conversations.GetOrCreateDirect(ctx, &c, members)
				ids[i], created[i] = got.ID, ok
				return err
			}))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	ps, err := tm.Repos().Conversations.GetParticipants(ctx, ids[0])
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}

func TestPostgresOutboxHoldsBackConversationBehindRetry(t *testing.T) {
	ctx := context.Background()
	tm := NewTxManager(openTestDB(t))
	held, other := createGroup(t, tm), createGroup(t, tm)

	for _, id := range []uuid.UUID{held.ID, held.ID, other.ID} {
		require.NoError(t, tm.WithinTx(ctx, func(repos Repositories) error {
			_, err := appendText(ctx, repos, id)
			return err
		}))
	}

	now := time.Now().Add(time.Second)
	first := pendingFor(t, tm, held.ID, now)
	require.Len(t, first, 2)
	require.NoError(t, tm.Repos().Outbox.MarkRetry(ctx, first[0].ID, now.Add(time.Minute), "bus down"))

	assert.Empty(t, pendingFor(t, tm, held.ID, now), "a later event must wait behind the retried one")
	assert.Len(t, pendingFor(t, tm, other.ID, now), 1)

	retried := pendingFor(t, tm, held.ID, now.Add(2*time.Minute))
	require.Len(t, retried, 2)
	assert.Equal(t, first[0].ID, retried[0].ID)
	assert.Equal(t, 1, retried[0].RetryCount)

	require.NoError(t, tm.Repos().Outbox.MarkCompleted(ctx, retried[0].ID))
	require.NoError(t, tm.Repos().Outbox.MarkFailed(ctx, retried[1].ID, "gave up"))
	assert.Empty(t, pendingFor(t, tm, held.ID, now.Add(2*time.Minute)))
}
