package services

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"sideline-chat/internal/domain/message"
	"sideline-chat/internal/proxy"
	"sideline-chat/internal/repository"
	sideline_errors "sideline-chat/pkg/errors"
	"sideline-chat/pkg/events"

	"github.com/google/uuid"
)

// ReactionService maintains the (message, user, symbol) set. Adding an
// existing reaction and removing a missing one both succeed.
type ReactionService struct {
	tx       repository.TxManager
	notifier Notifier
	clock    func() time.Time
}

func NewReactionService(tx repository.TxManager, notifier Notifier) *ReactionService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ReactionService{tx: tx, notifier: notifier, clock: time.Now}
}

func normalizeSymbol(symbol string) (string, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return "", sideline_errors.Validation("reaction symbol is required")
	}
	if utf8.RuneCountInString(symbol) > message.MaxSymbolLength {
		return "", sideline_errors.Validation("reaction symbol exceeds %d characters", message.MaxSymbolLength)
	}
	return symbol, nil
}

func (s *ReactionService) Add(ctx context.Context, messageID, userID uuid.UUID, symbol string) error {
	return s.change(ctx, messageID, userID, symbol, true)
}

func (s *ReactionService) Remove(ctx context.Context, messageID, userID uuid.UUID, symbol string) error {
	return s.change(ctx, messageID, userID, symbol, false)
}

func (s *ReactionService) change(ctx context.Context, messageID, userID uuid.UUID, symbol string, add bool) error {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	now := s.clock().UTC().Truncate(time.Microsecond)
	changed := false
	err = s.tx.WithinTx(ctx, func(repos repository.Repositories) error {
		m, err := lockMessage(ctx, repos, messageID)
		if err != nil {
			return err
		}
		if add && m.Deleted {
			return sideline_errors.ErrNotFound
		}
		if _, err := proxy.NewAccessControl(repos.Conversations).RequireParticipant(ctx, m.ConversationID, userID); err != nil {
			return err
		}
		if add {
			changed, err = repos.Reactions.Add(ctx, &message.Reaction{MessageID: messageID, UserID: userID, Symbol: symbol, CreatedAt: now})
		} else {
			changed, err = repos.Reactions.Remove(ctx, messageID, userID, symbol)
		}
		if err != nil || !changed {
			return err
		}
		return enqueueEvent(ctx, repos.Outbox, events.TypeReactionChanged, m.ConversationID, nil, events.ReactionPayload{
			MessageID: messageID,
			UserID:    userID,
			Symbol:    symbol,
			Added:     add,
		}, now)
	})
	if err != nil {
		return err
	}
	if changed {
		s.notifier.Notify()
	}
	return nil
}

// List aggregates a message's reactions per symbol, in order of first use.
func (s *ReactionService) List(ctx context.Context, messageID, requesterID uuid.UUID) ([]message.ReactionCount, error) {
	repos := s.tx.Repos()
	m, err := repos.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := proxy.NewAccessControl(repos.Conversations).RequireParticipant(ctx, m.ConversationID, requesterID); err != nil {
		return nil, err
	}
	reactions, err := repos.Reactions.ListForMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(reactions, func(i, j int) bool {
		return reactions[i].CreatedAt.Before(reactions[j].CreatedAt)
	})

	index := make(map[string]int)
	var counts []message.ReactionCount
	for _, r := range reactions {
		i, ok := index[r.Symbol]
		if !ok {
			i = len(counts)
			index[r.Symbol] = i
			counts = append(counts, message.ReactionCount{Symbol: r.Symbol})
		}
		counts[i].Count++
		counts[i].UserIDs = append(counts[i].UserIDs, r.UserID)
	}
	return counts, nil
}
